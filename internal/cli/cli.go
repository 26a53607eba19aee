// ============================================================================
// castpool CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra based command line interface for the castpool scheduler
//
// Command Structure:
//   castpool                       # Root command
//   ├── run                        # Start scheduler + queue consumer
//   ├── enqueue                    # Append tasks to the log stream
//   │   └── --file, -f            # YAML/JSON task list ("-" reads stdin)
//   ├── status                     # Show queue and pool status
//   │   ├── --output, -o          # text | yaml | json
//   │   └── --addr                # gRPC health check of a running instance
//   ├── _worker                    # (hidden) worker process entry point
//   ├── --config, -c               # Config file (default: configs/castpool.yaml)
//   ├── --verbose, -v              # Debug logging
//   └── --version
//
// Configuration Management:
//   YAML config file; a missing file falls back to built-in defaults.
//   Sections:
//   - pool:    max_process, keep_alive, pull_interval, mode, shutdown_timeout
//   - worker:  abandon_grace
//   - queue:   backend, topic, group, consumer, start_id, read_ahead, ack
//   - redis:   addr, password, db
//   - wal:     path, sync_on_append, compact_interval
//   - metrics / grpc / tracing / log
//
// run Command:
//   1. Load config, install logger and tracing
//   2. Open log store (Redis stream or WAL) and create consumer group
//   3. Start scheduler, maintenance loop, metrics and health servers
//   4. On SIGINT/SIGTERM: stop fetching, let assigned workers finish, exit
//
//   Examples:
//     ./castpool run
//     ./castpool run -c custom-config.yaml -v
//
// enqueue Command:
//   Task file format (YAML or JSON):
//   - handler: download
//     retry: 2
//     timeout_ms: 60000
//     args: ["https://example.com/a.mp3", "/tmp/podcasts"]
//
//   Tasks without id get a generated UUID.
//
// _worker Command:
//   Spawned by the scheduler in exec mode. Reads commands from stdin and
//   writes protocol messages to stdout, so all logging goes to stderr.
//
// ============================================================================

package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/castpool/internal/log"
)

// Version is reported by --version and tracing resources
var Version = "1.0.0"

const workerCommand = "_worker"

var (
	configFile string
	verbose    bool
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "castpool",
		Short: "castpool: a process pool for queued download jobs",
		Long: `castpool runs media download jobs in a pool of worker processes:
- Durable task log (Redis streams or local WAL)
- Consumer groups with at-least-once delivery
- Worker reuse, idle reclamation and per-attempt timeouts
- Prometheus metrics and gRPC health checks`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/castpool.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildWorkerCommand())

	return rootCmd
}

// newLogger installs the process wide logger
func newLogger(cfg *Config) *slog.Logger {
	logger := log.New(verbose || cfg.Log.Verbose)
	slog.SetDefault(logger)
	return logger
}
