package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/castpool/internal/controller"
	"github.com/ChuLiYu/castpool/internal/server"
)

// statusReport 是 status 指令的輸出
type statusReport struct {
	Config  string            `json:"config" yaml:"config"`
	Backend string            `json:"backend" yaml:"backend"`
	Queue   controller.Status `json:"queue" yaml:"queue"`
	Health  string            `json:"health,omitempty" yaml:"health,omitempty"`
}

func buildStatusCommand() *cobra.Command {
	var (
		output string
		addr   string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display configuration, consumer group pending count and optionally the health of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), cmd.OutOrStdout(), output, addr)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, yaml, json")
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address of a running instance (e.g. localhost:50051)")
	return cmd
}

func showStatus(ctx context.Context, out io.Writer, output, addr string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)

	ctrl, closeStore, err := openController(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	qs, err := ctrl.GetStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue status: %w", err)
	}

	report := statusReport{Config: configFile, Backend: cfg.Queue.Backend, Queue: qs}
	if addr != "" {
		report.Health = checkHealth(ctx, addr)
	}

	switch output {
	case "yaml":
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(report)
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "text", "":
		printStatus(out, cfg, report)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}

// checkHealth 查詢執行中 instance 的 pool health service
func checkHealth(ctx context.Context, addr string) string {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "UNREACHABLE: " + err.Error()
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: server.PoolService})
	if err != nil {
		return "UNREACHABLE: " + err.Error()
	}
	return resp.GetStatus().String()
}

func printStatus(out io.Writer, cfg *Config, r statusReport) {
	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║               castpool System Status                      ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", r.Config)
	fmt.Fprintf(out, "  ├─ Max Process:     %d (%s mode)\n", cfg.Pool.MaxProcess, cfg.Pool.Mode)
	fmt.Fprintf(out, "  ├─ Keep Alive:      %s\n", cfg.Pool.KeepAlive)
	fmt.Fprintf(out, "  └─ Pull Interval:   %s\n", cfg.Pool.PullInterval)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Storage:")
	switch cfg.Queue.Backend {
	case BackendRedis:
		fmt.Fprintf(out, "  └─ Redis:           %s (db %d)\n", cfg.Redis.Addr, cfg.Redis.DB)
	default:
		fmt.Fprintf(out, "  ├─ WAL File:        %s\n", cfg.WAL.Path)
		fmt.Fprintf(out, "  └─ Compact Every:   %s\n", cfg.WAL.CompactInterval)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📊 Queue:")
	fmt.Fprintf(out, "  ├─ Topic:           %s\n", r.Queue.Stream)
	fmt.Fprintf(out, "  ├─ Group:           %s\n", r.Queue.Group)
	fmt.Fprintf(out, "  ├─ Ack Policy:      %s\n", cfg.Queue.Ack)
	if r.Queue.Pending >= 0 {
		fmt.Fprintf(out, "  └─ ⏳ Pending:       %d\n", r.Queue.Pending)
	} else {
		fmt.Fprintln(out, "  └─ ⏳ Pending:       unsupported by backend")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	if r.Health != "" {
		fmt.Fprintln(out, "💓 Health:")
		fmt.Fprintf(out, "  └─ %s\n", r.Health)
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
}
