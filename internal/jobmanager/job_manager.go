// ============================================================================
// castpool 任務管理器 - 執行中任務追蹤
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 追蹤已從 durable queue 取出、尚未回報 finish 的任務
//
// 設計理念:
//   durable queue 只知道 log entry id，scheduler 只知道 task id。
//   JobManager 保存兩者的對應，讓 finish 回報可以確認正確的 log entry。
//
// 任務狀態轉換 (State Machine):
//   InFlight (已交給 scheduler，log entry pending)
//      ↓ Complete(finish)
//   Succeeded / Failed（只保留計數，紀錄本身移除）
//
//   worker 帶著任務異常結束時不會有 finish，紀錄停留在 InFlight，
//   與 log 中仍 pending 的 entry 一致。
//
// 並發安全:
//   - Track 由 fetch goroutine 呼叫，Complete 由 finish hook 呼叫
//   - 使用 sync.RWMutex 保護所有資料結構
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/castpool/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 已在執行中
	ErrDuplicateJob = errors.New("job already in flight")
	// 任務不存在（從未追蹤或已完成）
	ErrJobNotFound = errors.New("job not found")
)

// Record 是一個執行中任務的紀錄
type Record struct {
	Task      types.Task
	EntryID   string // 來源 log entry id
	Status    types.TaskStatus
	StartedAt time.Time
}

// JobManager 代表任務管理器
type JobManager struct {
	mu        sync.RWMutex
	inFlight  map[types.TaskID]*Record
	succeeded int
	failed    int
	now       func() time.Time
}

// NewJobManager 建立新的任務管理器實例
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager() *JobManager {
	return &JobManager{
		inFlight: make(map[types.TaskID]*Record),
		now:      time.Now,
	}
}

// Track 記錄一個交給 scheduler 的任務
//
// 參數說明：
//   - task: 任務描述，ID 不可為空
//   - entryID: 來源 log entry id
//
// 錯誤處理：
//   - ErrDuplicateJob: 相同 ID 的任務尚未完成
func (jm *JobManager) Track(task types.Task, entryID string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.inFlight[task.ID]; exists {
		return ErrDuplicateJob
	}
	jm.inFlight[task.ID] = &Record{
		Task:      task,
		EntryID:   entryID,
		Status:    types.StatusInFlight,
		StartedAt: jm.now(),
	}
	return nil
}

// Complete 依 finish 回報結束任務，返回其紀錄（Status 已更新）
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不在執行中
func (jm *JobManager) Complete(f types.Finish) (Record, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	rec, ok := jm.inFlight[f.ID]
	if !ok {
		return Record{}, ErrJobNotFound
	}
	delete(jm.inFlight, f.ID)

	if f.Success {
		rec.Status = types.StatusSucceeded
		jm.succeeded++
	} else {
		rec.Status = types.StatusFailed
		jm.failed++
	}
	return *rec, nil
}

// Get 返回執行中任務的紀錄
func (jm *JobManager) Get(id types.TaskID) (Record, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	rec, ok := jm.inFlight[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// InFlight 返回所有執行中任務 ID（排序）
func (jm *JobManager) InFlight() []types.TaskID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	ids := make([]types.TaskID, 0, len(jm.inFlight))
	for id := range jm.inFlight {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats 返回各狀態的任務數
//
// 使用範例：
//
//	stats := jm.Stats()
//	log.Info("Tasks", "in_flight", stats["in_flight"], "failed", stats["failed"])
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return map[string]int{
		string(types.StatusInFlight):  len(jm.inFlight),
		string(types.StatusSucceeded): jm.succeeded,
		string(types.StatusFailed):    jm.failed,
	}
}
