// ============================================================================
// castpool 控制器 - durable queue 與 process pool 的協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 把 durable queue 接到 process pool scheduler
//
// 架構設計:
//   ┌──────────┐ Push  ┌─────────┐ GetMessage ┌────────────┐ Fetch ┌───────────┐
//   │ enqueue  │ ────> │ LogStore│ ─────────> │ Controller │ <──── │ Scheduler │
//   └──────────┘       └─────────┘ <───────── └────────────┘ ────> └───────────┘
//                                     Ack          ↑     OnFinish(finish)
//                                                  └────────────────────┘
//
//   - Fetch: 實作 pool.TaskSource，從 Consumer 取出任務並記錄 task -> entry 對應
//   - HandleFinish: 依 ack policy 確認 log entry
//   - Run: 維護循環（pending 指標更新、WAL 壓縮）
//
// Ack Policy:
//   - success（預設）: 只確認成功的任務，失敗任務的 entry 保持 pending
//   - always: 每個 finish 都確認
//   worker 帶著任務異常結束時沒有 finish，entry 永遠保持 pending。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/castpool/internal/jobmanager"
	"github.com/ChuLiYu/castpool/internal/pool"
	"github.com/ChuLiYu/castpool/internal/queue"
	"github.com/ChuLiYu/castpool/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// AckPolicy 決定哪些 finish 會確認 log entry
type AckPolicy string

const (
	AckOnSuccess AckPolicy = "success"
	AckAlways    AckPolicy = "always"
)

// ErrInvalidConfig 表示 Config 不合法
var ErrInvalidConfig = errors.New("controller: invalid config")

const (
	defaultMaintenanceInterval = 5 * time.Second
	ackTimeout                 = 5 * time.Second
)

// Config Controller 配置
type Config struct {
	Stream          string        // stream / topic 名稱
	Group           string        // consumer group
	Consumer        string        // 此 process 的 consumer 名稱
	StartID         string        // group 不存在時的起始位置，空字串表示只讀之後的 entry
	ReadAhead       int           // Consumer read-ahead 筆數
	Ack             AckPolicy     // ack policy，空字串表示 AckOnSuccess
	CompactInterval time.Duration // WAL 壓縮間隔，0 表示不壓縮
	StatsInterval   time.Duration // pending 指標更新間隔，0 表示預設 5s
}

func (c *Config) validate() error {
	if c.Stream == "" || c.Group == "" || c.Consumer == "" {
		return fmt.Errorf("%w: stream, group and consumer are required", ErrInvalidConfig)
	}
	switch c.Ack {
	case "":
		c.Ack = AckOnSuccess
	case AckOnSuccess, AckAlways:
	default:
		return fmt.Errorf("%w: unknown ack policy %q", ErrInvalidConfig, c.Ack)
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = defaultMaintenanceInterval
	}
	return nil
}

// Metrics 是 controller 回報的 queue 指標（metrics.Collector 實作）
type Metrics interface {
	RecordPush()
	RecordDelivered(n int)
	RecordAcked(n int64)
	SetPending(n int64)
}

// Compactor 是可壓縮的 store（wal.WAL 實作）
type Compactor interface {
	Compact() (int, error)
}

// Option 設定 Controller
type Option func(*Controller)

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics 指定 queue 指標
func WithMetrics(m Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Controller 核心控制器
type Controller struct {
	config    Config
	store     queue.LogStore
	producer  *queue.Producer[types.Task]
	consumer  *queue.Consumer[types.Task]
	jobs      *jobmanager.JobManager
	metrics   Metrics
	logger    *slog.Logger
	startTime time.Time

	// deferred 是 ID 與執行中任務重複的 entry，保持 pending，
	// 原任務結束後依序重新交給 scheduler。只在 Fetch 中存取。
	deferred []deferredTask
}

type deferredTask struct {
	task    types.Task
	entryID string
}

var _ pool.TaskSource = (*Controller)(nil)

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
func NewController(config Config, store queue.LogStore, opts ...Option) (*Controller, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}

	c := &Controller{
		config:    config,
		store:     store,
		jobs:      jobmanager.NewJobManager(),
		metrics:   nopMetrics{},
		logger:    slog.Default(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}

	qopts := []queue.Option{queue.WithLogger(c.logger), queue.WithReadAhead(config.ReadAhead)}
	c.producer = queue.NewProducer[types.Task](store, config.Stream, qopts...)
	c.consumer = queue.NewConsumer[types.Task](store, config.Stream, config.Group, config.Consumer, qopts...)
	return c, nil
}

// Setup 建立 consumer group（已存在視為成功）
func (c *Controller) Setup(ctx context.Context) error {
	return c.producer.CreateGroup(ctx, c.config.Group, c.config.StartID)
}

// Attach 把 finish 回報接到 ack policy
func (c *Controller) Attach(s *pool.Scheduler) {
	s.OnFinish(c.HandleFinish)
}

// Fetch 實作 pool.TaskSource
//
// 任務 ID 為空時使用 log entry id。不合法的任務會被確認並略過；
// ID 與執行中任務重複的 entry 不確認，延後到原任務結束後再交出。
func (c *Controller) Fetch(ctx context.Context, limit int) ([]types.Task, error) {
	tasks := c.takeDeferred(limit)
	if len(tasks) >= limit {
		return tasks, nil
	}

	msgs, err := c.consumer.GetMessage(ctx, limit-len(tasks))
	if err != nil {
		if len(tasks) > 0 {
			c.logger.Warn("Failed to read new entries", "error", err)
			return tasks, nil
		}
		return nil, err
	}
	if len(msgs) == 0 {
		return tasks, nil
	}
	c.metrics.RecordDelivered(len(msgs))

	for _, msg := range msgs {
		task := msg.Data
		if task.ID == "" {
			task.ID = types.TaskID(msg.ID)
		}

		if err := task.Validate(); err != nil {
			c.logger.Warn("Dropping invalid task", "entry_id", msg.ID, "error", err)
			c.ack(ctx, msg.ID)
			continue
		}
		if err := c.jobs.Track(task, msg.ID); err != nil {
			c.logger.Warn("Deferring duplicate task until the running one finishes",
				"task_id", task.ID, "entry_id", msg.ID, "error", err)
			c.deferred = append(c.deferred, deferredTask{task: task, entryID: msg.ID})
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// takeDeferred 交出 ID 已不在執行中的延後任務，保持原本順序
func (c *Controller) takeDeferred(limit int) []types.Task {
	if len(c.deferred) == 0 {
		return nil
	}

	var tasks []types.Task
	kept := c.deferred[:0]
	for _, d := range c.deferred {
		if len(tasks) < limit && c.jobs.Track(d.task, d.entryID) == nil {
			tasks = append(tasks, d.task)
			continue
		}
		kept = append(kept, d)
	}
	c.deferred = kept
	return tasks
}

// HandleFinish 依 ack policy 確認任務的 log entry
func (c *Controller) HandleFinish(f types.Finish) {
	rec, err := c.jobs.Complete(f)
	if err != nil {
		c.logger.Warn("Finish for unknown task", "task_id", f.ID, "error", err)
		return
	}

	if !f.Success && c.config.Ack == AckOnSuccess {
		c.logger.Warn("Task failed, leaving entry pending",
			"task_id", f.ID, "entry_id", rec.EntryID, "attempts", f.Retry)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	c.ack(ctx, rec.EntryID)
}

// Enqueue 把任務寫入 stream，返回 log 指派的 entry id
func (c *Controller) Enqueue(ctx context.Context, tasks ...types.Task) ([]string, error) {
	ids := make([]string, 0, len(tasks))
	for i, task := range tasks {
		if err := task.Validate(); err != nil {
			return ids, fmt.Errorf("task %d: %w", i, err)
		}
		id, err := c.producer.Push(ctx, task)
		if err != nil {
			return ids, err
		}
		c.metrics.RecordPush()
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Controller) ack(ctx context.Context, entryID string) {
	if err := c.consumer.Ack(ctx, entryID); err != nil {
		c.logger.Error("Failed to ack entry", "entry_id", entryID, "error", err)
		return
	}
	c.metrics.RecordAcked(1)
}

// ============================================================================
// 維護循環
// ============================================================================

// Run 定期更新 pending 指標並壓縮 WAL，直到 ctx 取消
func (c *Controller) Run(ctx context.Context) error {
	statsTicker := time.NewTicker(c.config.StatsInterval)
	defer statsTicker.Stop()

	var compactC <-chan time.Time
	if _, ok := c.store.(Compactor); ok && c.config.CompactInterval > 0 {
		compactTicker := time.NewTicker(c.config.CompactInterval)
		defer compactTicker.Stop()
		compactC = compactTicker.C
	}

	c.refreshPending(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Maintenance loop stopped", "uptime", time.Since(c.startTime).Round(time.Millisecond))
			return nil

		case <-statsTicker.C:
			c.refreshPending(ctx)

		case <-compactC:
			if err := c.compact(); err != nil {
				c.logger.Error("Failed to compact log", "error", err)
			}
		}
	}
}

func (c *Controller) refreshPending(ctx context.Context) {
	n, err := c.consumer.Pending(ctx)
	if err != nil {
		if !errors.Is(err, queue.ErrPendingUnsupported) && ctx.Err() == nil {
			c.logger.Warn("Failed to read pending count", "error", err)
		}
		return
	}
	c.metrics.SetPending(n)
}

// compact 執行 store 壓縮
func (c *Controller) compact() error {
	compactor, ok := c.store.(Compactor)
	if !ok {
		return nil
	}
	start := time.Now()
	dropped, err := compactor.Compact()
	if err != nil {
		return fmt.Errorf("failed to compact: %w", err)
	}
	c.logger.Info("Log compacted", "duration", time.Since(start), "dropped", dropped)
	return nil
}

// ============================================================================
// 公開方法
// ============================================================================

// Status 是 controller 的狀態快照
type Status struct {
	Stream   string         `json:"stream" yaml:"stream"`
	Group    string         `json:"group" yaml:"group"`
	Consumer string         `json:"consumer" yaml:"consumer"`
	Pending  int64          `json:"pending" yaml:"pending"` // -1 表示 store 不支援
	Buffered int            `json:"buffered" yaml:"buffered"`
	Tasks    map[string]int `json:"tasks" yaml:"tasks"`
	Uptime   string         `json:"uptime" yaml:"uptime"`
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus(ctx context.Context) (Status, error) {
	pending, err := c.consumer.Pending(ctx)
	switch {
	case errors.Is(err, queue.ErrPendingUnsupported):
		pending = -1
	case err != nil:
		return Status{}, err
	}

	return Status{
		Stream:   c.config.Stream,
		Group:    c.config.Group,
		Consumer: c.config.Consumer,
		Pending:  pending,
		Buffered: c.consumer.Buffered(),
		Tasks:    c.jobs.Stats(),
		Uptime:   time.Since(c.startTime).Round(time.Second).String(),
	}, nil
}

type nopMetrics struct{}

func (nopMetrics) RecordPush()         {}
func (nopMetrics) RecordDelivered(int) {}
func (nopMetrics) RecordAcked(int64)   {}
func (nopMetrics) SetPending(int64)    {}
