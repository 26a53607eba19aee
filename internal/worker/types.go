package worker

import (
	"context"
	"errors"
)

var (
	// ErrUnknownHandler 表示 registry 中沒有此 handler
	ErrUnknownHandler = errors.New("worker: unknown job handler")
	// ErrDuplicateHandler 表示同名 handler 已註冊
	ErrDuplicateHandler = errors.New("worker: job handler already registered")
	// ErrNoTask 表示收到 run / prepare 但沒有可執行的任務
	ErrNoTask = errors.New("worker: no task assigned")
	// ErrHandlerPanic 表示 handler 在執行中 panic
	ErrHandlerPanic = errors.New("worker: handler panicked")
)

// Handler 是一種 job 的實作，一個 worker process 同時只持有一個實例
//
// PreLaunch 在切換到此 handler 時呼叫一次；Run 每次嘗試呼叫一次；
// End 在 worker 結束或切換到其他 handler 時呼叫。
// Run 必須遵守 ctx：超時後 ctx 會被取消。
type Handler interface {
	PreLaunch(ctx context.Context, preArgs ...any) error
	Run(ctx context.Context, args ...any) error
	End(ctx context.Context) error
}

// Emitter 讓 handler 向 scheduler 回報自訂事件（例如下載完成）
type Emitter interface {
	Emit(event string, data any) error
}

// Factory 建立 handler 實例
type Factory func(emit Emitter) Handler

// RunFunc 將單一函式包裝成沒有 PreLaunch / End 的 Handler
type RunFunc func(ctx context.Context, args ...any) error

func (f RunFunc) PreLaunch(context.Context, ...any) error { return nil }

func (f RunFunc) Run(ctx context.Context, args ...any) error { return f(ctx, args...) }

func (f RunFunc) End(context.Context) error { return nil }
