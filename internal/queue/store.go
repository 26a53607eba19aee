// ============================================================================
// castpool Durable Queue - Log Store 介面
// ============================================================================
//
// Package: internal/queue
// File: store.go
// Purpose: 定義 Producer / Consumer 所依賴的 append-only log 介面
//
// 語意（與 Redis Streams consumer group 相同）:
//   - CreateGroup(stream, group, startID): 建立 consumer group，stream 不存在則建立
//   - Append(stream, id, fields):          追加一筆 entry，id 為 "*" 時由 log 指派
//   - ReadGroup(..., count, fromID):       fromID 為 ">" 讀新 entry（並加入 pending），
//                                          其他值讀此 consumer 自己 pending 中大於 fromID 的 entry
//   - Ack(stream, group, ids...):          自 pending 移除，回傳實際移除數量
//
// 實作:
//   - internal/storage/redisstream: Redis Streams
//   - internal/storage/wal:         本地 write-ahead log
//
// ============================================================================

package queue

import (
	"context"
	"errors"
)

// 特殊 ID
const (
	StartNewOnly   = "$" // CreateGroup: 只投遞建立之後的 entry
	StartBeginning = "0" // CreateGroup: 從頭投遞；ReadGroup: 從 backlog 開頭讀
	ReadNew        = ">" // ReadGroup: 只讀從未投遞過的 entry
	AutoID         = "*" // Append: 由 log 指派 id
)

var (
	// ErrGroupExists 表示 consumer group 已存在
	ErrGroupExists = errors.New("queue: consumer group already exists")
	// ErrPendingUnsupported 表示 store 不支援 pending 查詢
	ErrPendingUnsupported = errors.New("queue: store does not report pending entries")
)

// Entry 是 log 中的一筆記錄
type Entry struct {
	ID     string   // log 指派的單調遞增 id，格式 "<ms>-<seq>"
	Fields []string // 交錯的 key/value 序列
}

// LogStore 是 Producer / Consumer 依賴的 append-only log
type LogStore interface {
	CreateGroup(ctx context.Context, stream, group, startID string) error
	Append(ctx context.Context, stream, id string, fields []string) (string, error)
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, fromID string) ([]Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)
}

// PendingCounter 由能回報 pending 數量的 store 實作
type PendingCounter interface {
	Pending(ctx context.Context, stream, group string) (int64, error)
}
