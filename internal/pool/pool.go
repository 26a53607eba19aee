// ============================================================================
// castpool Process Pool Scheduler - Worker 生命週期與任務分派
// ============================================================================
//
// Package: internal/pool
// File: pool.go
// Function: 把 TaskSource 的任務分派給有上限的 worker process 群
//
// 設計模式:
//   單一 goroutine 的 actor：所有 pool 狀態只在 Run 的事件迴圈中修改，
//   worker 輸出、process 結束、destroy timer 到期、fetch 結果都以事件送入 events channel。
//
//   ┌────────────┐  Fetch(capacity)   ┌──────────────┐  prepare/run/end  ┌──────────┐
//   │ TaskSource │ ─────────────────> │  Scheduler   │ ────────────────> │ worker N │
//   └────────────┘                    │  (Run loop)  │ <──────────────── └──────────┘
//                                     └──────────────┘  ready/finish/自訂事件
//
// 狀態不變量:
//   - 每個 worker 恰好處於 assigned / idle / destroying 其中之一
//   - len(idle) <= len(workers) <= MaxProcess
//   - 可用容量 = MaxProcess - len(workers) + len(idle) - len(backlog)
//
// Destroy Timer:
//   - worker 完成任務進入 idle 時啟動（KeepAlive > 0），重新啟動會取代舊 timer
//   - 到期：移出 idle、標記 destroying、送出 end；exit 事件完成清理
//   - 以 generation 計數忽略已被取消的 timer 事件
//
// 關閉流程（ctx 取消）:
//   1. 停止 poll，丟棄 backlog（log entry 仍為 pending）
//   2. idle worker 送出 end；assigned worker 完成後送出 end
//   3. 超過 ShutdownTimeout 仍存活的 worker 直接 Kill
//
// ============================================================================

package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/castpool/internal/protocol"
	"github.com/ChuLiYu/castpool/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidConfig 表示 Config 不合法
	ErrInvalidConfig = errors.New("pool: invalid config")
	// ErrAlreadyRunning 表示 Run 已被呼叫過
	ErrAlreadyRunning = errors.New("pool: scheduler already running")
	// ErrShutdownTimeout 表示 Kill 之後 worker 仍未結束
	ErrShutdownTimeout = errors.New("pool: workers did not exit after kill")
)

const (
	// DefaultPullInterval 是 TaskSource 沒有任務時的輪詢間隔
	DefaultPullInterval = 100 * time.Millisecond
	// DefaultShutdownTimeout 是關閉時等待 worker 自行結束的時間
	DefaultShutdownTimeout = 10 * time.Second
)

// Config 是 pool 的容量與計時設定
type Config struct {
	MaxProcess      int           // 同時存在的 worker 上限，必須 > 0
	KeepAlive       time.Duration // idle worker 保留時間，0 表示永不回收
	PullInterval    time.Duration // 0 表示 DefaultPullInterval
	ShutdownTimeout time.Duration // 0 表示 DefaultShutdownTimeout
}

func (c *Config) validate() error {
	if c.MaxProcess <= 0 {
		return fmt.Errorf("%w: max_process must be > 0, got %d", ErrInvalidConfig, c.MaxProcess)
	}
	if c.KeepAlive < 0 {
		return fmt.Errorf("%w: keep_alive must be >= 0, got %s", ErrInvalidConfig, c.KeepAlive)
	}
	if c.PullInterval < 0 {
		return fmt.Errorf("%w: pull_interval must be > 0, got %s", ErrInvalidConfig, c.PullInterval)
	}
	if c.PullInterval == 0 {
		c.PullInterval = DefaultPullInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// Option 設定 Scheduler
type Option func(*Scheduler)

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver 指定狀態觀察者（例如 metrics.Collector）
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

// ============================================================================
// 內部狀態
// ============================================================================

type workerState int

const (
	stateAssigned workerState = iota
	stateIdle
	stateDestroying
)

func (st workerState) String() string {
	switch st {
	case stateAssigned:
		return "assigned"
	case stateIdle:
		return "idle"
	case stateDestroying:
		return "destroying"
	}
	return "unknown"
}

type workerProc struct {
	proc       *Process
	enc        *protocol.Encoder
	state      workerState
	task       *types.Task // 只在 assigned 時非 nil
	handlerRef string      // 最近一次 ready 時載入的 handler
	timer      *time.Timer
	timerGen   uint64
}

type eventKind int

const (
	evMessage eventKind = iota
	evExit
	evDestroy
	evFetched
)

type event struct {
	kind  eventKind
	w     *workerProc
	msg   protocol.Message
	err   error
	gen   uint64
	tasks []types.Task
}

// Scheduler 是 process pool 的 master
type Scheduler struct {
	cfg      Config
	source   TaskSource
	spawner  Spawner
	logger   *slog.Logger
	observer Observer
	tracer   trace.Tracer

	hooksMu     sync.RWMutex
	handlers    map[string][]EventHandler
	finishHooks []FinishHandler

	running atomic.Bool
	stats   counters

	// 以下欄位只由 Run 的 goroutine 存取
	events   chan event
	done     chan struct{}
	notify   chan func()
	workers  map[int]*workerProc
	idle     map[int]*workerProc
	backlog  []types.Task
	fetching bool
	closing  bool
}

// New 建立 Scheduler
func New(cfg Config, source TaskSource, spawner Spawner, opts ...Option) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if source == nil || spawner == nil {
		return nil, fmt.Errorf("%w: source and spawner are required", ErrInvalidConfig)
	}

	s := &Scheduler{
		cfg:      cfg,
		source:   source,
		spawner:  spawner,
		logger:   slog.Default(),
		observer: nopObserver{},
		tracer:   otel.Tracer("github.com/ChuLiYu/castpool/internal/pool"),
		handlers: make(map[string][]EventHandler),
		events:   make(chan event),
		done:     make(chan struct{}),
		notify:   make(chan func(), 1024),
		workers:  make(map[int]*workerProc),
		idle:     make(map[int]*workerProc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config 返回生效中的設定（已套用預設值）
func (s *Scheduler) Config() Config {
	return s.cfg
}

// On 註冊自訂 worker 事件的處理函式，handler 在獨立的通知 goroutine 上依序執行
func (s *Scheduler) On(name string, fn EventHandler) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.handlers[name] = append(s.handlers[name], fn)
}

// OnFinish 註冊任務完成的處理函式（例如 ack log entry）
func (s *Scheduler) OnFinish(fn FinishHandler) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.finishHooks = append(s.finishHooks, fn)
}

// Stats 返回即時統計，可從任何 goroutine 呼叫
func (s *Scheduler) Stats() Stats {
	return s.stats.snapshot()
}

// ============================================================================
// 事件迴圈
// ============================================================================

// Run 執行 Dispatch Loop 直到 ctx 取消，然後優雅關閉所有 worker
//
// 只能呼叫一次。正常關閉返回 nil。
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	var notifier sync.WaitGroup
	notifier.Add(1)
	go func() {
		defer notifier.Done()
		for fn := range s.notify {
			fn()
		}
	}()
	defer func() {
		close(s.notify)
		notifier.Wait()
	}()

	s.logger.Info("Scheduler started",
		"max_process", s.cfg.MaxProcess,
		"keep_alive", s.cfg.KeepAlive,
		"pull_interval", s.cfg.PullInterval)

	poll := time.NewTimer(0)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(poll)

		case <-poll.C:
			s.drainBacklog(ctx)
			if !s.startFetch(ctx) {
				poll.Reset(s.cfg.PullInterval)
			}

		case ev := <-s.events:
			if ev.kind == evFetched {
				s.fetching = false
				if s.handleFetched(ctx, ev) {
					poll.Reset(0)
				} else {
					poll.Reset(s.cfg.PullInterval)
				}
			} else {
				s.handle(ctx, ev)
			}
		}
		s.publish()
	}
}

// send 把事件交給事件迴圈；Run 結束後直接丟棄
func (s *Scheduler) send(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// capacity 返回可再分派的任務數
func (s *Scheduler) capacity() int {
	return s.cfg.MaxProcess - len(s.workers) + len(s.idle) - len(s.backlog)
}

// startFetch 在容量足夠且沒有進行中的 fetch 時呼叫 TaskSource
func (s *Scheduler) startFetch(ctx context.Context) bool {
	if s.fetching {
		return true
	}
	limit := s.capacity()
	if limit < 1 {
		return false
	}

	s.fetching = true
	go func() {
		tasks, err := s.source.Fetch(ctx, limit)
		s.send(event{kind: evFetched, tasks: tasks, err: err})
	}()
	return true
}

// handleFetched 分派 fetch 結果，返回是否應立即再次輪詢
func (s *Scheduler) handleFetched(ctx context.Context, ev event) bool {
	if ev.err != nil {
		if !errors.Is(ev.err, context.Canceled) {
			s.logger.Warn("Task source fetch failed", "error", ev.err)
		}
		return false
	}
	if len(ev.tasks) == 0 {
		return false
	}
	if s.closing {
		s.logger.Warn("Dropping tasks fetched during shutdown", "count", len(ev.tasks))
		return false
	}

	s.backlog = append(s.backlog, ev.tasks...)
	s.drainBacklog(ctx)
	return true
}

// drainBacklog 依序分派 backlog，直到沒有容量
func (s *Scheduler) drainBacklog(ctx context.Context) {
	for len(s.backlog) > 0 && !s.closing {
		if !s.assign(ctx, s.backlog[0]) {
			return
		}
		s.backlog[0] = types.Task{}
		s.backlog = s.backlog[1:]
	}
	if len(s.backlog) == 0 {
		s.backlog = nil
	}
}

// assign 把任務交給 idle worker，沒有則在容量內 spawn 新 worker
func (s *Scheduler) assign(ctx context.Context, task types.Task) bool {
	for {
		w := s.pickIdle(task.Handler)
		if w == nil {
			break
		}
		delete(s.idle, w.proc.PID)
		s.stopTimer(w)
		if s.dispatch(ctx, w, task, true) {
			return true
		}
	}

	if len(s.workers) >= s.cfg.MaxProcess {
		return false
	}

	proc, err := s.spawner.Spawn(ctx)
	if err != nil {
		s.logger.Error("Failed to spawn worker", "task_id", task.ID, "error", err)
		return false
	}

	w := &workerProc{proc: proc, enc: protocol.NewEncoder(proc.Stdin)}
	s.workers[proc.PID] = w
	s.observer.WorkerSpawned()
	s.logger.Debug("Worker spawned", "pid", proc.PID, "workers", len(s.workers))
	go s.readLoop(w)

	return s.dispatch(ctx, w, task, false)
}

// pickIdle 優先選擇已載入相同 handler 的 idle worker，其次 pid 最小者
func (s *Scheduler) pickIdle(handlerRef string) *workerProc {
	if len(s.idle) == 0 {
		return nil
	}
	pids := make([]int, 0, len(s.idle))
	for pid := range s.idle {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	for _, pid := range pids {
		if s.idle[pid].handlerRef == handlerRef {
			return s.idle[pid]
		}
	}
	return s.idle[pids[0]]
}

// dispatch 送出 prepare；失敗時該 worker 視為 destroying，等待其 exit
func (s *Scheduler) dispatch(ctx context.Context, w *workerProc, task types.Task, reused bool) bool {
	_, span := s.tracer.Start(ctx, "pool.dispatch", trace.WithAttributes(
		attribute.String("task.id", string(task.ID)),
		attribute.String("task.handler", task.Handler),
		attribute.Int("worker.pid", w.proc.PID),
		attribute.Bool("worker.reused", reused),
	))
	defer span.End()

	w.state = stateAssigned
	w.task = &task
	if err := w.enc.Encode(protocol.Prepare(task)); err != nil {
		s.logger.Warn("Failed to send prepare", "pid", w.proc.PID, "task_id", task.ID, "error", err)
		span.RecordError(err)
		w.task = nil
		w.state = stateDestroying
		w.proc.Stdin.Close()
		return false
	}

	s.stats.dispatched.Add(1)
	s.observer.TaskDispatched(reused)
	s.logger.Debug("Task dispatched", "task_id", task.ID, "pid", w.proc.PID, "reused", reused)
	return true
}

// readLoop 讀取 worker 輸出直到 EOF，然後等待 process 結束
func (s *Scheduler) readLoop(w *workerProc) {
	dec := protocol.NewDecoder(w.proc.Stdout)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedMessage) {
				s.logger.Warn("Ignoring malformed worker message", "pid", w.proc.PID, "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("Worker output failed", "pid", w.proc.PID, "error", err)
				io.Copy(io.Discard, w.proc.Stdout)
			}
			break
		}
		s.send(event{kind: evMessage, w: w, msg: msg})
	}

	err := w.proc.Wait()
	s.send(event{kind: evExit, w: w, err: err})
}

// ============================================================================
// Worker 事件處理
// ============================================================================

func (s *Scheduler) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evMessage:
		s.handleMessage(ctx, ev.w, ev.msg)
	case evExit:
		s.handleExit(ctx, ev.w, ev.err)
	case evDestroy:
		s.handleDestroy(ev.w, ev.gen)
	}
}

func (s *Scheduler) handleMessage(ctx context.Context, w *workerProc, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeReady:
		if w.state != stateAssigned || w.task == nil {
			s.logger.Warn("Unexpected ready", "pid", w.proc.PID, "state", w.state)
			return
		}
		w.handlerRef = w.task.Handler
		if err := w.enc.Encode(protocol.Message{Type: protocol.TypeRun}); err != nil {
			s.logger.Warn("Failed to send run", "pid", w.proc.PID, "task_id", w.task.ID, "error", err)
		}

	case protocol.TypeFinish:
		if msg.Finish == nil || w.task == nil {
			s.logger.Warn("Unexpected finish", "pid", w.proc.PID, "state", w.state)
			return
		}
		f := *msg.Finish
		if f.ID == "" {
			f.ID = w.task.ID
		}
		w.task = nil

		s.stats.finished.Add(1)
		if f.Success {
			s.stats.succeeded.Add(1)
		}
		s.observer.TaskFinished(f)
		s.logger.Info("Task finished",
			"task_id", f.ID,
			"pid", w.proc.PID,
			"success", f.Success,
			"attempts", f.Retry,
			"take_up_ms", f.TakeUpTime)
		s.emitFinish(f)

		if s.closing {
			s.end(w)
			return
		}
		w.state = stateIdle
		s.idle[w.proc.PID] = w
		s.startTimer(w)
		s.drainBacklog(ctx)

	case protocol.TypePrepare, protocol.TypeRun, protocol.TypeEnd:
		s.logger.Warn("Ignoring command sent by worker", "pid", w.proc.PID, "type", msg.Type)

	default:
		ev := Event{Name: string(msg.Type), PID: w.proc.PID, Data: msg.Data}
		if w.task != nil {
			ev.TaskID = w.task.ID
		}
		s.observer.WorkerEvent(ev.Name)
		s.emitEvent(ev)
	}
}

func (s *Scheduler) handleExit(ctx context.Context, w *workerProc, err error) {
	if s.workers[w.proc.PID] != w {
		return
	}
	delete(s.workers, w.proc.PID)
	delete(s.idle, w.proc.PID)
	s.stopTimer(w)
	w.proc.Stdin.Close()

	reclaimed := w.state == stateDestroying
	switch {
	case w.task != nil:
		// 不重試：log entry 保持 pending
		s.logger.Error("Worker exited with task assigned",
			"pid", w.proc.PID, "task_id", w.task.ID, "error", err)
	case !reclaimed:
		s.logger.Warn("Worker exited unexpectedly", "pid", w.proc.PID, "error", err)
	default:
		s.logger.Debug("Worker exited", "pid", w.proc.PID, "error", err)
	}
	s.observer.WorkerExited(reclaimed)

	s.drainBacklog(ctx)
}

func (s *Scheduler) handleDestroy(w *workerProc, gen uint64) {
	if gen != w.timerGen || w.state != stateIdle {
		return
	}
	w.timer = nil
	delete(s.idle, w.proc.PID)
	s.logger.Debug("Reclaiming idle worker", "pid", w.proc.PID, "keep_alive", s.cfg.KeepAlive)
	s.end(w)
}

// end 送出 end 指令並關閉 stdin，worker 收尾後自行結束
func (s *Scheduler) end(w *workerProc) {
	w.state = stateDestroying
	if err := w.enc.Encode(protocol.Message{Type: protocol.TypeEnd}); err != nil {
		s.logger.Debug("Failed to send end", "pid", w.proc.PID, "error", err)
	}
	w.proc.Stdin.Close()
}

// startTimer 啟動（或重新啟動）destroy timer
func (s *Scheduler) startTimer(w *workerProc) {
	if s.cfg.KeepAlive <= 0 {
		return
	}
	s.stopTimer(w)
	gen := w.timerGen
	w.timer = time.AfterFunc(s.cfg.KeepAlive, func() {
		s.send(event{kind: evDestroy, w: w, gen: gen})
	})
}

func (s *Scheduler) stopTimer(w *workerProc) {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerGen++
}

// ============================================================================
// 通知
// ============================================================================

func (s *Scheduler) emitFinish(f types.Finish) {
	s.hooksMu.RLock()
	hooks := append([]FinishHandler(nil), s.finishHooks...)
	s.hooksMu.RUnlock()
	if len(hooks) == 0 {
		return
	}
	s.notify <- func() {
		for _, fn := range hooks {
			fn(f)
		}
	}
}

func (s *Scheduler) emitEvent(ev Event) {
	s.hooksMu.RLock()
	handlers := append([]EventHandler(nil), s.handlers[ev.Name]...)
	s.hooksMu.RUnlock()
	if len(handlers) == 0 {
		s.logger.Debug("No handler for worker event", "event", ev.Name, "pid", ev.PID)
		return
	}
	s.notify <- func() {
		for _, fn := range handlers {
			fn(ev)
		}
	}
}

func (s *Scheduler) publish() {
	s.stats.live.Store(int64(len(s.workers)))
	s.stats.idle.Store(int64(len(s.idle)))
	s.stats.backlog.Store(int64(len(s.backlog)))
	s.observer.PoolState(len(s.workers), len(s.idle))
}

// ============================================================================
// 關閉
// ============================================================================

func (s *Scheduler) shutdown(poll *time.Timer) error {
	defer close(s.done)

	s.closing = true
	poll.Stop()

	if n := len(s.backlog); n > 0 {
		s.logger.Warn("Dropping undispatched tasks", "count", n)
		s.backlog = nil
	}
	for pid, w := range s.idle {
		delete(s.idle, pid)
		s.stopTimer(w)
		s.end(w)
	}
	s.publish()

	s.logger.Info("Scheduler stopping", "workers", len(s.workers), "timeout", s.cfg.ShutdownTimeout)

	deadline := time.NewTimer(s.cfg.ShutdownTimeout)
	defer deadline.Stop()
	killed := false

	for len(s.workers) > 0 || s.fetching {
		select {
		case ev := <-s.events:
			if ev.kind == evFetched {
				s.fetching = false
				s.handleFetched(context.Background(), ev)
			} else {
				s.handle(context.Background(), ev)
			}
			s.publish()

		case <-deadline.C:
			if killed {
				s.logger.Error("Giving up on workers", "remaining", len(s.workers))
				return ErrShutdownTimeout
			}
			killed = true
			for pid, w := range s.workers {
				s.logger.Warn("Killing worker after shutdown timeout", "pid", pid)
				if err := w.proc.Kill(); err != nil {
					s.logger.Warn("Kill failed", "pid", pid, "error", err)
				}
			}
			deadline.Reset(s.cfg.ShutdownTimeout)
		}
	}

	s.logger.Info("Scheduler stopped",
		"dispatched", s.stats.dispatched.Load(),
		"finished", s.stats.finished.Load())
	return nil
}
