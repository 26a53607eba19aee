// ============================================================================
// castpool Worker Runtime - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: 在 worker process 內執行 scheduler 指派的任務
//
// 狀態機:
//   idle -> preparing -> ready -> running -> reporting -> idle | terminated
//
//   prepare{task}: handler 名稱與目前載入的不同時，End 舊實例，
//                  建立新實例並呼叫 PreLaunch(preArgs...)，然後回報 ready
//   run:           最多 retry+1 次嘗試，第一次成功即停止，回報 finish
//   end:           呼叫 End，結束 Serve
//
// Timeout Control:
//   每次嘗試使用獨立的 context.WithTimeout：
//   - 超時後該次嘗試記為失敗，並取消 handler 的 context
//   - 最多等待 abandonGrace 讓 handler 收尾，逾時則放棄該 goroutine 並記錄
//
// Error Handling:
//   - handler 回傳錯誤或 panic：該次嘗試失敗，不影響 process
//   - 未知 handler、PreLaunch 失敗、沒有任務的 run：Serve 回傳錯誤（process 以非零狀態結束）
//   - 無法解析的訊息：記錄後略過
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/castpool/internal/protocol"
	"github.com/ChuLiYu/castpool/pkg/types"
)

// DefaultAbandonGrace 超時後等待 handler 結束的預設時間
const DefaultAbandonGrace = time.Second

// Runtime 代表一個 worker process 的執行環境
type Runtime struct {
	registry     *Registry
	in           *protocol.Decoder
	out          *protocol.Encoder
	logger       *slog.Logger
	abandonGrace time.Duration
	tracer       trace.Tracer

	handler    Handler     // 目前載入的 handler 實例
	handlerRef string      // 目前載入的 handler 名稱
	task       *types.Task // 已 prepare 但尚未 run 的任務
}

// Option 設定 Runtime
type Option func(*Runtime)

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) {
		if l != nil {
			rt.logger = l
		}
	}
}

// WithAbandonGrace 設定超時後等待 handler 結束的時間，0 表示立即放棄
func WithAbandonGrace(d time.Duration) Option {
	return func(rt *Runtime) {
		if d >= 0 {
			rt.abandonGrace = d
		}
	}
}

// NewRuntime 建立 Runtime，r 是 scheduler 的指令來源，w 是事件輸出
func NewRuntime(registry *Registry, r io.Reader, w io.Writer, opts ...Option) *Runtime {
	rt := &Runtime{
		registry:     registry,
		in:           protocol.NewDecoder(r),
		out:          protocol.NewEncoder(w),
		logger:       slog.Default(),
		abandonGrace: DefaultAbandonGrace,
		tracer:       otel.Tracer("github.com/ChuLiYu/castpool/internal/worker"),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

type inbound struct {
	msg protocol.Message
	err error
}

// Serve 處理 scheduler 指令直到收到 end、輸入關閉或 ctx 取消
//
// 返回值：
//   - nil: 正常結束（end 或輸入關閉）
//   - error: 致命錯誤（handler 載入 / 初始化失敗、協議錯誤）
func (rt *Runtime) Serve(ctx context.Context) error {
	msgs := make(chan inbound)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			msg, err := rt.in.Decode()
			select {
			case msgs <- inbound{msg: msg, err: err}:
			case <-done:
				return
			}
			if err != nil && !errors.Is(err, protocol.ErrMalformedMessage) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			rt.teardown(context.WithoutCancel(ctx))
			return ctx.Err()

		case in := <-msgs:
			if in.err != nil {
				if errors.Is(in.err, protocol.ErrMalformedMessage) {
					rt.logger.Warn("Ignoring malformed message", "error", in.err)
					continue
				}
				if !errors.Is(in.err, io.EOF) {
					rt.logger.Error("Command stream failed", "error", in.err)
				}
				rt.teardown(ctx)
				return nil
			}

			stop, err := rt.handle(ctx, in.msg)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	}
}

// handle 處理單一指令，返回 (是否結束, 致命錯誤)
func (rt *Runtime) handle(ctx context.Context, msg protocol.Message) (bool, error) {
	switch msg.Type {
	case protocol.TypePrepare:
		if msg.Task == nil {
			return true, fmt.Errorf("prepare: %w", ErrNoTask)
		}
		if err := rt.prepare(ctx, *msg.Task); err != nil {
			return true, err
		}
		return false, rt.out.Encode(protocol.Message{Type: protocol.TypeReady})

	case protocol.TypeRun:
		if rt.task == nil || rt.handler == nil {
			return true, fmt.Errorf("run: %w", ErrNoTask)
		}
		task := *rt.task
		rt.task = nil
		finish := rt.execute(ctx, task)
		return false, rt.out.Encode(protocol.FinishMessage(finish))

	case protocol.TypeEnd:
		rt.teardown(ctx)
		return true, nil

	default:
		rt.logger.Warn("Ignoring unexpected command", "type", msg.Type)
		return false, nil
	}
}

// prepare 載入任務所需的 handler
func (rt *Runtime) prepare(ctx context.Context, task types.Task) error {
	if rt.handler != nil && rt.handlerRef == task.Handler {
		rt.task = &task
		return nil
	}

	factory, ok := rt.registry.Get(task.Handler)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, task.Handler)
	}

	if rt.handler != nil {
		rt.logger.Debug("Switching handler", "from", rt.handlerRef, "to", task.Handler)
		if err := rt.handler.End(ctx); err != nil {
			rt.logger.Warn("Handler teardown failed", "handler", rt.handlerRef, "error", err)
		}
		rt.handler, rt.handlerRef = nil, ""
	}

	h := factory(emitter{out: rt.out})
	if err := h.PreLaunch(ctx, task.PreArgs...); err != nil {
		return fmt.Errorf("worker: prelaunch %s for task %s: %w", task.Handler, task.ID, err)
	}

	rt.handler, rt.handlerRef = h, task.Handler
	rt.task = &task
	return nil
}

// execute 執行嘗試迴圈並產生 finish 回報
func (rt *Runtime) execute(ctx context.Context, task types.Task) types.Finish {
	ctx, span := rt.tracer.Start(ctx, "worker.run", trace.WithAttributes(
		attribute.String("task.id", string(task.ID)),
		attribute.String("task.handler", task.Handler),
		attribute.Int("task.retry", task.Retry),
	))
	defer span.End()

	start := time.Now()
	attempts := 0
	success := false

	for attempts < task.Retry+1 {
		attempts++
		err := rt.attempt(ctx, task, attempts)
		if err == nil {
			success = true
			break
		}
		rt.logger.Warn("Attempt failed",
			"task_id", task.ID,
			"attempt", attempts,
			"max_attempts", task.Retry+1,
			"error", err)
		if ctx.Err() != nil {
			break
		}
	}

	finish := types.Finish{
		ID:         task.ID,
		Retry:      attempts,
		Success:    success,
		TakeUpTime: time.Since(start).Milliseconds(),
	}
	span.SetAttributes(attribute.Int("task.attempts", attempts), attribute.Bool("task.success", success))
	if !success {
		span.SetStatus(codes.Error, "attempts exhausted")
	}
	return finish
}

// attempt 執行單次嘗試，超時則取消 handler 並在 grace 期間後放棄
func (rt *Runtime) attempt(ctx context.Context, task types.Task, n int) (err error) {
	ctx, span := rt.tracer.Start(ctx, "worker.attempt", trace.WithAttributes(attribute.Int("attempt", n)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if d := task.Timeout(); d > 0 {
		actx, cancel = context.WithTimeout(ctx, d)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	handler := rt.handler
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
		done <- handler.Run(actx, task.Args...)
	}()

	select {
	case err := <-done:
		return err
	case <-actx.Done():
	}

	cancel()
	if rt.abandonGrace > 0 {
		grace := time.NewTimer(rt.abandonGrace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			rt.logger.Warn("Abandoning attempt that ignored cancellation",
				"task_id", task.ID, "attempt", n, "grace", rt.abandonGrace)
		}
	}
	return fmt.Errorf("attempt %d: %w", n, actx.Err())
}

// teardown 呼叫目前 handler 的 End
func (rt *Runtime) teardown(ctx context.Context) {
	if rt.handler == nil {
		return
	}
	if err := rt.handler.End(ctx); err != nil {
		rt.logger.Warn("Handler teardown failed", "handler", rt.handlerRef, "error", err)
	}
	rt.handler, rt.handlerRef = nil, ""
}

// emitter 把 handler 的自訂事件寫回 scheduler
type emitter struct {
	out *protocol.Encoder
}

func (e emitter) Emit(event string, data any) error {
	msg, err := protocol.Custom(event, data)
	if err != nil {
		return err
	}
	return e.out.Encode(msg)
}
