package queue

// ============================================================================
// Producer
// 職責：建立 consumer group、將記錄攤平後追加到 log
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Producer 將型別 T 的記錄寫入指定 stream
type Producer[T any] struct {
	store  LogStore
	stream string
	logger *slog.Logger
}

// NewProducer 建立 Producer
func NewProducer[T any](store LogStore, stream string, opts ...Option) *Producer[T] {
	o := buildOptions(opts)
	return &Producer[T]{
		store:  store,
		stream: stream,
		logger: o.logger.With("stream", stream),
	}
}

// Stream 返回 stream 名稱
func (p *Producer[T]) Stream() string {
	return p.stream
}

// CreateGroup 冪等地建立 consumer group
//
// startID 為空時使用 StartNewOnly。group 已存在視為成功，其他錯誤原樣返回。
func (p *Producer[T]) CreateGroup(ctx context.Context, group, startID string) error {
	if startID == "" {
		startID = StartNewOnly
	}
	err := p.store.CreateGroup(ctx, p.stream, group, startID)
	if errors.Is(err, ErrGroupExists) {
		p.logger.Debug("Consumer group already exists", "group", group)
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: create group %s: %w", group, err)
	}
	p.logger.Info("Consumer group created", "group", group, "start_id", startID)
	return nil
}

// Push 追加一筆記錄，id 由 log 指派
func (p *Producer[T]) Push(ctx context.Context, msg T) (string, error) {
	return p.PushWithID(ctx, AutoID, msg)
}

// PushWithID 以指定 id 追加一筆記錄；id 為空或 "*" 時由 log 指派
//
// 返回值：log 實際使用的 id
func (p *Producer[T]) PushWithID(ctx context.Context, id string, msg T) (string, error) {
	if id == "" {
		id = AutoID
	}
	fields, err := Flatten(msg)
	if err != nil {
		return "", err
	}
	assigned, err := p.store.Append(ctx, p.stream, id, fields)
	if err != nil {
		return "", fmt.Errorf("queue: push to %s: %w", p.stream, err)
	}
	return assigned, nil
}
