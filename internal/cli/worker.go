package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/castpool/internal/jobs"
	"github.com/ChuLiYu/castpool/internal/worker"
)

// buildWorkerCommand 是 ExecSpawner 啟動的 worker process 入口
func buildWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    workerCommand,
		Short:  "Run a worker process (spawned by the scheduler)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd)
		},
	}
}

func runWorker(cmd *cobra.Command) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)

	// stdout 專供協議使用，handler 誤寫的輸出導向 stderr
	protocolOut := os.Stdout
	os.Stdout = os.Stderr

	// Ctrl+C 會送到整個 process group；worker 的結束由 scheduler 的 end 指令決定
	signal.Ignore(os.Interrupt)
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	rt := worker.NewRuntime(jobs.DefaultRegistry(), os.Stdin, protocolOut,
		worker.WithLogger(logger.With("pid", os.Getpid())),
		worker.WithAbandonGrace(cfg.Worker.AbandonGrace))

	if err := rt.Serve(ctx); err != nil {
		logger.Error("Worker stopped with error", "error", err)
		return err
	}
	return nil
}
