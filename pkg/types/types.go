// Package types 定義了 castpool 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"time"
)

// TaskID 任務唯一識別碼（由呼叫端指定，或退回使用 log entry id）
type TaskID string

// TaskStatus 任務狀態
type TaskStatus string

// 定義任務狀態常數
const (
	StatusInFlight  TaskStatus = "in_flight" // 已從佇列取出並交給 scheduler，log entry 仍 pending
	StatusSucceeded TaskStatus = "succeeded" // finish 回報 success=true
	StatusFailed    TaskStatus = "failed"    // 重試耗盡，finish 回報 success=false
)

// ErrInvalidTask 表示任務描述不合法
var ErrInvalidTask = errors.New("invalid task")

// Task 代表一個可被 worker 執行的任務描述
//
// 分派後即不可變。Args / PreArgs 保留任意 JSON 結構，
// 在 queue 中以 flat key/value 形式存放（見 internal/queue/encoding.go）。
type Task struct {
	ID        TaskID `json:"id,omitempty"`         // 任務唯一識別碼
	Handler   string `json:"handler"`              // job handler 名稱（registry key）
	Retry     int    `json:"retry"`                // 額外重試次數，總嘗試次數 = Retry + 1
	TimeoutMs int64  `json:"timeout_ms,omitempty"` // 單次嘗試超時（毫秒），0 表示不限
	Args      []any  `json:"args,omitempty"`       // run(...args)
	PreArgs   []any  `json:"pre_args,omitempty"`   // preLaunch(...preArgs)
}

// Timeout 返回單次嘗試的超時時間，0 表示不限
func (t Task) Timeout() time.Duration {
	if t.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// Validate 檢查任務描述
func (t Task) Validate() error {
	if t.Handler == "" {
		return fmt.Errorf("%w: handler is required", ErrInvalidTask)
	}
	if t.Retry < 0 {
		return fmt.Errorf("%w: retry must be >= 0, got %d", ErrInvalidTask, t.Retry)
	}
	if t.TimeoutMs < 0 {
		return fmt.Errorf("%w: timeout_ms must be >= 0, got %d", ErrInvalidTask, t.TimeoutMs)
	}
	return nil
}

// Finish 是 worker 完成一個任務後的回報
type Finish struct {
	ID         TaskID `json:"id"`           // 任務 ID
	Retry      int    `json:"retry"`        // 實際嘗試次數
	Success    bool   `json:"success"`      // 是否有任一次嘗試成功
	TakeUpTime int64  `json:"take_up_time"` // 總耗時（毫秒）
}

// Duration 以 time.Duration 返回耗時
func (f Finish) Duration() time.Duration {
	return time.Duration(f.TakeUpTime) * time.Millisecond
}
