package pool

// ============================================================================
// 觀察者與事件
// 職責：
// 1. Observer：scheduler 狀態變化的回呼（metrics 實作）
// 2. Event：轉發給 On() 註冊者的自訂 worker 事件
// 3. Stats：無鎖的即時統計，供 status / health 使用
// ============================================================================

import (
	"encoding/json"
	"sync/atomic"

	"github.com/ChuLiYu/castpool/pkg/types"
)

// Observer 接收 scheduler 的狀態變化，所有方法都在 scheduler goroutine 上呼叫，不可阻塞
type Observer interface {
	TaskDispatched(reused bool)
	TaskFinished(f types.Finish)
	WorkerSpawned()
	WorkerExited(reclaimed bool)
	WorkerEvent(name string)
	PoolState(live, idle int)
}

// Event 是 worker 發出的自訂事件
type Event struct {
	Name   string
	PID    int
	TaskID types.TaskID // 發出事件時 worker 正在執行的任務
	Data   json.RawMessage
}

// Decode 將事件資料解析到 v
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// EventHandler 處理自訂事件
type EventHandler func(Event)

// FinishHandler 處理任務完成回報
type FinishHandler func(types.Finish)

// Stats 是 scheduler 的即時快照
type Stats struct {
	Live       int
	Idle       int
	Backlog    int
	Dispatched int64
	Finished   int64
	Succeeded  int64
}

type counters struct {
	live       atomic.Int64
	idle       atomic.Int64
	backlog    atomic.Int64
	dispatched atomic.Int64
	finished   atomic.Int64
	succeeded  atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Live:       int(c.live.Load()),
		Idle:       int(c.idle.Load()),
		Backlog:    int(c.backlog.Load()),
		Dispatched: c.dispatched.Load(),
		Finished:   c.finished.Load(),
		Succeeded:  c.succeeded.Load(),
	}
}

type nopObserver struct{}

func (nopObserver) TaskDispatched(bool)       {}
func (nopObserver) TaskFinished(types.Finish) {}
func (nopObserver) WorkerSpawned()            {}
func (nopObserver) WorkerExited(bool)         {}
func (nopObserver) WorkerEvent(string)        {}
func (nopObserver) PoolState(int, int)        {}
