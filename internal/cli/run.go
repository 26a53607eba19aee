package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/castpool/internal/controller"
	"github.com/ChuLiYu/castpool/internal/jobs"
	"github.com/ChuLiYu/castpool/internal/metrics"
	"github.com/ChuLiYu/castpool/internal/pool"
	"github.com/ChuLiYu/castpool/internal/server"
	"github.com/ChuLiYu/castpool/internal/tracing"
	"github.com/ChuLiYu/castpool/internal/worker"
)

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the castpool scheduler",
		Long:  "Consume tasks from the configured log stream and run them in a pool of worker processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx)
		},
	}
	return cmd
}

func runSystem(ctx context.Context) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)

	logger.Info("Starting castpool",
		"config", configFile,
		"backend", cfg.Queue.Backend,
		"topic", cfg.Queue.Topic,
		"group", cfg.Queue.Group,
		"consumer", cfg.Queue.Consumer,
		"mode", cfg.Pool.Mode,
		"max_process", cfg.Pool.MaxProcess)

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init("castpool", Version, cfg.Tracing.Output)
		if err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	ctrl, closeStore, err := openController(ctx, cfg, logger, controller.WithMetrics(collector))
	if err != nil {
		return err
	}
	defer closeStore()

	sched, err := pool.New(cfg.poolConfig(), ctrl, newSpawner(cfg, logger),
		pool.WithLogger(logger),
		pool.WithObserver(collector))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	ctrl.Attach(sched)
	subscribeDownloadEvents(sched, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return ctrl.Run(gctx) })

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Info("Starting metrics server", "port", cfg.Metrics.Port)
			return metrics.StartServer(gctx, cfg.Metrics.Port, reg)
		})
	}

	if cfg.GRPC.Enabled {
		srv := server.NewServer(logger)
		g.Go(func() error {
			srv.SetServing(true)
			defer srv.SetServing(false)
			return srv.ListenAndServe(gctx, cfg.GRPC.Port)
		})
	}

	logger.Info("System started successfully")
	err = g.Wait()

	stats := sched.Stats()
	logger.Info("System stopped",
		"dispatched", stats.Dispatched,
		"finished", stats.Finished,
		"succeeded", stats.Succeeded)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newSpawner 依 pool.mode 選擇 worker 的執行方式
func newSpawner(cfg *Config, logger *slog.Logger) pool.Spawner {
	if cfg.Pool.Mode == ModeInProc {
		return &pool.InProcSpawner{
			Registry: jobs.DefaultRegistry(),
			Options: []worker.Option{
				worker.WithLogger(logger),
				worker.WithAbandonGrace(cfg.Worker.AbandonGrace),
			},
		}
	}

	args := []string{workerCommand, "--config", configFile}
	if verbose {
		args = append(args, "--verbose")
	}
	return &pool.ExecSpawner{Args: args}
}

// subscribeDownloadEvents 記錄下載 handler 回報的事件
func subscribeDownloadEvents(sched *pool.Scheduler, logger *slog.Logger) {
	sched.On(jobs.EventDownloadFinish, func(ev pool.Event) {
		var fin jobs.FinishEvent
		if err := ev.Decode(&fin); err != nil {
			logger.Warn("Malformed download event", "task_id", ev.TaskID, "error", err)
			return
		}
		logger.Info("Download finished",
			"task_id", ev.TaskID,
			"name", fin.Name,
			"path", fin.Path,
			"bytes", fin.Bytes)
	})

	sched.On(jobs.EventDownloadProgress, func(ev pool.Event) {
		var p jobs.ProgressEvent
		if err := ev.Decode(&p); err != nil {
			return
		}
		logger.Debug("Download progress",
			"task_id", ev.TaskID,
			"name", p.Name,
			"bytes", p.Bytes,
			"percent", p.Percent)
	})
}
