// Package redisstream implements queue.LogStore on top of Redis Streams.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := redisstream.New(client)
//	producer := queue.NewProducer[types.Task](store, "stream:download")
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/castpool/internal/queue"
)

// Compile-time interface checks.
var (
	_ queue.LogStore       = (*Store)(nil)
	_ queue.PendingCounter = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is a queue.LogStore backed by Redis Streams.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed log store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// CreateGroup runs XGROUP CREATE ... MKSTREAM. BUSYGROUP maps to
// queue.ErrGroupExists.
func (s *Store) CreateGroup(ctx context.Context, stream, group, startID string) error {
	if startID == "" {
		startID = queue.StartNewOnly
	}
	err := s.client.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redisstream: %s/%s: %w", stream, group, queue.ErrGroupExists)
	}
	return err
}

// Append runs XADD.
func (s *Store) Append(ctx context.Context, stream, id string, fields []string) (string, error) {
	if id == "" {
		id = queue.AutoID
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     id,
		Values: fields,
	}).Result()
}

// ReadGroup runs a non-blocking XREADGROUP.
func (s *Store) ReadGroup(ctx context.Context, stream, group, consumer string, count int, fromID string) ([]queue.Entry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, fromID},
		Count:    int64(count),
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []queue.Entry
	for _, st := range res {
		for _, msg := range st.Messages {
			entries = append(entries, queue.Entry{ID: msg.ID, Fields: pairs(msg.Values)})
		}
	}
	return entries, nil
}

// Ack runs XACK and returns the number of entries removed from the PEL.
func (s *Store) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	return s.client.XAck(ctx, stream, group, ids...).Result()
}

// Pending returns the size of the group's pending entries list.
func (s *Store) Pending(ctx context.Context, stream, group string) (int64, error) {
	p, err := s.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}

// pairs flattens an XMessage payload. go-redis returns values as a map, so
// keys are sorted to keep the sequence deterministic.
func pairs(values map[string]interface{}) []string {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(values)*2)
	for _, k := range keys {
		out = append(out, k, fmt.Sprint(values[k]))
	}
	return out
}
