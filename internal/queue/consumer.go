package queue

// ============================================================================
// Consumer
// 職責：
// 1. 先投遞自己 pending 中的 backlog，完全讀完後永久切換成只讀新 entry
// 2. 向 log 讀取 max(count, readAhead) 筆，多出的放入 read-ahead 快取
// 3. 快取優先於新的 log 讀取，維持單一 consumer 的投遞順序
// 4. 不阻塞：沒有資料時返回空 slice
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Message 是投遞給呼叫端的記錄
type Message[T any] struct {
	ID   string
	Data T
}

// Consumer 以 consumer group 成員身份讀取 stream
type Consumer[T any] struct {
	store  LogStore
	stream string
	group  string
	name   string

	readAhead int
	logger    *slog.Logger

	mu      sync.Mutex
	cursor  string  // backlog 讀取位置（最後投遞的 backlog id）
	drained bool    // backlog 已讀完，之後只讀 ReadNew
	cache   []Entry // read-ahead 快取
}

// NewConsumer 建立 Consumer
func NewConsumer[T any](store LogStore, stream, group, name string, opts ...Option) *Consumer[T] {
	o := buildOptions(opts)
	return &Consumer[T]{
		store:     store,
		stream:    stream,
		group:     group,
		name:      name,
		readAhead: o.readAhead,
		logger:    o.logger.With("stream", stream, "group", group, "consumer", name),
		cursor:    StartBeginning,
	}
}

// Name 返回 consumer 名稱
func (c *Consumer[T]) Name() string {
	return c.name
}

// GetMessage 返回最多 count 筆記錄
//
// 無法解碼的 entry 會被記錄並略過（保持 pending 以便人工檢查）。
// log 讀取失敗時，已從快取取出的 entry 會放回快取並返回錯誤。
func (c *Consumer[T]) GetMessage(ctx context.Context, count int) ([]Message[T], error) {
	if count <= 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	taken := c.takeCached(count)

	for len(taken) < count {
		want := count - len(taken)
		batch := max(want, c.readAhead)

		from := ReadNew
		if !c.drained {
			from = c.cursor
		}

		entries, err := c.store.ReadGroup(ctx, c.stream, c.group, c.name, batch, from)
		if err != nil {
			c.cache = append(taken, c.cache...)
			return nil, fmt.Errorf("queue: read %s/%s from %s: %w", c.stream, c.group, from, err)
		}

		if !c.drained {
			if len(entries) > 0 {
				c.cursor = entries[len(entries)-1].ID
			}
			if len(entries) < batch {
				c.drained = true
				c.logger.Debug("Backlog drained, switching to new entries", "last_id", c.cursor)
			}
			if len(entries) == 0 {
				continue
			}
		} else if len(entries) == 0 {
			break
		}

		n := min(want, len(entries))
		taken = append(taken, entries[:n]...)
		c.cache = append(c.cache, entries[n:]...)

		if from == ReadNew && len(entries) < batch {
			break
		}
	}

	return c.decode(taken), nil
}

// Ack 確認一筆 entry；重複確認是 no-op
func (c *Consumer[T]) Ack(ctx context.Context, id string) error {
	n, err := c.store.Ack(ctx, c.stream, c.group, id)
	if err != nil {
		return fmt.Errorf("queue: ack %s: %w", id, err)
	}
	if n == 0 {
		c.logger.Debug("Ack had no effect", "id", id)
	}
	return nil
}

// Pending 返回 group 的 pending 數量（store 需實作 PendingCounter）
func (c *Consumer[T]) Pending(ctx context.Context) (int64, error) {
	pc, ok := c.store.(PendingCounter)
	if !ok {
		return 0, ErrPendingUnsupported
	}
	return pc.Pending(ctx, c.stream, c.group)
}

// Buffered 返回 read-ahead 快取中的筆數
func (c *Consumer[T]) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

func (c *Consumer[T]) takeCached(count int) []Entry {
	n := min(count, len(c.cache))
	if n == 0 {
		return make([]Entry, 0, count)
	}
	taken := make([]Entry, n, count)
	copy(taken, c.cache[:n])
	c.cache = c.cache[n:]
	return taken
}

func (c *Consumer[T]) decode(entries []Entry) []Message[T] {
	out := make([]Message[T], 0, len(entries))
	for _, e := range entries {
		var data T
		if err := Unflatten(e.Fields, &data); err != nil {
			c.logger.Error("Dropping undecodable entry", "id", e.ID, "error", err)
			continue
		}
		out = append(out, Message[T]{ID: e.ID, Data: data})
	}
	return out
}
