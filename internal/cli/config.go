package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/castpool/internal/controller"
	"github.com/ChuLiYu/castpool/internal/pool"
	"github.com/ChuLiYu/castpool/internal/queue"
	"github.com/ChuLiYu/castpool/internal/storage/redisstream"
	"github.com/ChuLiYu/castpool/internal/storage/wal"
)

// Backend names
const (
	BackendRedis = "redis"
	BackendWAL   = "wal"
)

// Pool modes
const (
	ModeExec   = "exec"
	ModeInProc = "inproc"
)

// ErrInvalidConfig 表示設定檔內容不合法
var ErrInvalidConfig = errors.New("cli: invalid config")

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Pool struct {
		MaxProcess      int           `yaml:"max_process"`
		KeepAlive       time.Duration `yaml:"keep_alive"`
		PullInterval    time.Duration `yaml:"pull_interval"`
		Mode            string        `yaml:"mode"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"pool"`

	Worker struct {
		AbandonGrace time.Duration `yaml:"abandon_grace"`
	} `yaml:"worker"`

	Queue struct {
		Backend   string `yaml:"backend"`
		Topic     string `yaml:"topic"`
		Group     string `yaml:"group"`
		Consumer  string `yaml:"consumer"`
		StartID   string `yaml:"start_id"`
		ReadAhead int    `yaml:"read_ahead"`
		Ack       string `yaml:"ack"`
	} `yaml:"queue"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	WAL struct {
		Path            string        `yaml:"path"`
		SyncOnAppend    bool          `yaml:"sync_on_append"`
		CompactInterval time.Duration `yaml:"compact_interval"`
	} `yaml:"wal"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	GRPC struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"grpc"`

	Tracing struct {
		Enabled bool   `yaml:"enabled"`
		Output  string `yaml:"output"`
	} `yaml:"tracing"`

	Log struct {
		Verbose bool `yaml:"verbose"`
	} `yaml:"log"`
}

// defaultConfig 返回內建預設值
func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Pool.MaxProcess = 10
	cfg.Pool.KeepAlive = time.Second
	cfg.Pool.PullInterval = pool.DefaultPullInterval
	cfg.Pool.Mode = ModeExec
	cfg.Pool.ShutdownTimeout = pool.DefaultShutdownTimeout

	cfg.Worker.AbandonGrace = time.Second

	cfg.Queue.Backend = BackendWAL
	cfg.Queue.Topic = "stream:download"
	cfg.Queue.Group = "default"
	cfg.Queue.Ack = string(controller.AckOnSuccess)

	cfg.Redis.Addr = "localhost:6379"

	cfg.WAL.Path = "data/castpool.wal"
	cfg.WAL.CompactInterval = 10 * time.Minute

	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090

	cfg.GRPC.Port = 50051

	cfg.Tracing.Output = "stderr"
	return cfg
}

// loadConfig 讀取設定檔並以預設值補齊；檔案不存在時使用預設值
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("Config file not found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if cfg.Queue.Consumer == "" {
		cfg.Queue.Consumer = defaultConsumerName()
	}
	cfg.Queue.Consumer = expandConsumerName(cfg.Queue.Consumer)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pool.MaxProcess < 1 {
		return fmt.Errorf("%w: pool.max_process must be >= 1, got %d", ErrInvalidConfig, c.Pool.MaxProcess)
	}
	if c.Pool.KeepAlive < 0 || c.Pool.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: pool durations must not be negative", ErrInvalidConfig)
	}
	if c.Pool.PullInterval <= 0 {
		return fmt.Errorf("%w: pool.pull_interval must be positive", ErrInvalidConfig)
	}
	switch c.Pool.Mode {
	case ModeExec, ModeInProc:
	default:
		return fmt.Errorf("%w: unknown pool.mode %q", ErrInvalidConfig, c.Pool.Mode)
	}
	switch c.Queue.Backend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: redis.addr is required", ErrInvalidConfig)
		}
	case BackendWAL:
		if c.WAL.Path == "" {
			return fmt.Errorf("%w: wal.path is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown queue.backend %q", ErrInvalidConfig, c.Queue.Backend)
	}
	if c.Queue.Topic == "" || c.Queue.Group == "" {
		return fmt.Errorf("%w: queue.topic and queue.group are required", ErrInvalidConfig)
	}
	switch controller.AckPolicy(c.Queue.Ack) {
	case "", controller.AckOnSuccess, controller.AckAlways:
	default:
		return fmt.Errorf("%w: unknown queue.ack %q", ErrInvalidConfig, c.Queue.Ack)
	}
	if c.Queue.ReadAhead < 0 {
		return fmt.Errorf("%w: queue.read_ahead must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) poolConfig() pool.Config {
	return pool.Config{
		MaxProcess:      c.Pool.MaxProcess,
		KeepAlive:       c.Pool.KeepAlive,
		PullInterval:    c.Pool.PullInterval,
		ShutdownTimeout: c.Pool.ShutdownTimeout,
	}
}

func (c *Config) controllerConfig() controller.Config {
	cfg := controller.Config{
		Stream:    c.Queue.Topic,
		Group:     c.Queue.Group,
		Consumer:  c.Queue.Consumer,
		StartID:   c.Queue.StartID,
		ReadAhead: c.Queue.ReadAhead,
		Ack:       controller.AckPolicy(c.Queue.Ack),
	}
	if c.Queue.Backend == BackendWAL {
		cfg.CompactInterval = c.WAL.CompactInterval
	}
	return cfg
}

// uniqueToken 出現在 queue.consumer 時展開成 uuid 前 8 碼
const uniqueToken = "{uuid}"

// defaultConsumerName 使用 hostname，重啟後仍是同一個 consumer 才拿得回 pending entry
func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "castpool"
	}
	return host
}

// expandConsumerName 展開 {uuid}，每次啟動都是新的 consumer（不會接手舊的 pending）
func expandConsumerName(name string) string {
	for strings.Contains(name, uniqueToken) {
		name = strings.Replace(name, uniqueToken, uuid.NewString()[:8], 1)
	}
	return name
}

// openStore 依 backend 開啟 log store，返回的 close 函式釋放底層資源
func openStore(ctx context.Context, cfg *Config, logger *slog.Logger) (queue.LogStore, func() error, error) {
	switch cfg.Queue.Backend {
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store := redisstream.New(client, redisstream.WithLogger(logger))
		if err := store.Ping(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis %s: %w", cfg.Redis.Addr, err)
		}
		return store, client.Close, nil

	default:
		if dir := filepath.Dir(cfg.WAL.Path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, nil, fmt.Errorf("failed to create WAL directory: %w", err)
			}
		}
		w, err := wal.NewWAL(cfg.WAL.Path, cfg.WAL.SyncOnAppend)
		if errors.Is(err, wal.ErrWALLocked) {
			// WAL 只服務單一 process；run 執行中要入隊請改用 redis backend
			return nil, nil, fmt.Errorf("WAL %s is in use by another castpool process (stop it or use queue.backend: redis): %w", cfg.WAL.Path, err)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open WAL %s: %w", cfg.WAL.Path, err)
		}
		return w, w.Close, nil
	}
}

// openController 開啟 store 並建立 consumer group
func openController(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...controller.Option) (*controller.Controller, func() error, error) {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	opts = append([]controller.Option{controller.WithLogger(logger)}, opts...)
	ctrl, err := controller.NewController(cfg.controllerConfig(), store, opts...)
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Setup(ctx); err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return ctrl, closeStore, nil
}
