package controller

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/castpool/internal/pool"
	"github.com/ChuLiYu/castpool/internal/queue"
	"github.com/ChuLiYu/castpool/internal/storage/wal"
	"github.com/ChuLiYu/castpool/internal/worker"
	"github.com/ChuLiYu/castpool/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingMetrics struct {
	mu        sync.Mutex
	pushed    int
	delivered int
	acked     int64
	pending   int64
}

func (m *recordingMetrics) RecordPush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushed++
}

func (m *recordingMetrics) RecordDelivered(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered += n
}

func (m *recordingMetrics) RecordAcked(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked += n
}

func (m *recordingMetrics) SetPending(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = n
}

func (m *recordingMetrics) get() (pushed, delivered int, acked, pending int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushed, m.delivered, m.acked, m.pending
}

// createTestController creates a Controller over a WAL in a temp directory
func createTestController(t *testing.T, mutate func(*Config)) (*Controller, *wal.WAL, *recordingMetrics) {
	t.Helper()

	store, err := wal.NewWAL(filepath.Join(t.TempDir(), "queue.wal"), false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	config := Config{
		Stream:   "stream:download",
		Group:    "default",
		Consumer: "node-1",
	}
	if mutate != nil {
		mutate(&config)
	}

	m := &recordingMetrics{}
	c, err := NewController(config, store, WithLogger(quiet), WithMetrics(m))
	require.NoError(t, err)
	require.NoError(t, c.Setup(context.Background()))
	return c, store, m
}

func pending(t *testing.T, c *Controller) int64 {
	t.Helper()
	n, err := c.consumer.Pending(context.Background())
	require.NoError(t, err)
	return n
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewController(t *testing.T) {
	store, err := wal.NewWAL(filepath.Join(t.TempDir(), "queue.wal"), false)
	require.NoError(t, err)
	defer store.Close()

	_, err = NewController(Config{Stream: "s", Group: "g"}, store)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewController(Config{Stream: "s", Group: "g", Consumer: "c", Ack: "never"}, store)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewController(Config{Stream: "s", Group: "g", Consumer: "c"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	c, err := NewController(Config{Stream: "s", Group: "g", Consumer: "c"}, store)
	require.NoError(t, err)
	assert.Equal(t, AckOnSuccess, c.config.Ack)

	// 重複建立 group 不回傳錯誤
	require.NoError(t, c.Setup(context.Background()))
	require.NoError(t, c.Setup(context.Background()))
}

func TestEnqueueAndFetch(t *testing.T) {
	c, _, m := createTestController(t, nil)
	ctx := context.Background()

	ids, err := c.Enqueue(ctx,
		types.Task{ID: "named", Handler: "download", Args: []any{"http://example/a.mp4", "/tmp"}},
		types.Task{Handler: "sleep", Retry: 2, TimeoutMs: 500},
	)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	tasks, err := c.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, types.TaskID("named"), tasks[0].ID)
	assert.Equal(t, []any{"http://example/a.mp4", "/tmp"}, tasks[0].Args)
	assert.Equal(t, types.TaskID(ids[1]), tasks[1].ID, "missing id falls back to entry id")
	assert.Equal(t, 2, tasks[1].Retry)
	assert.Equal(t, int64(500), tasks[1].TimeoutMs)

	assert.Equal(t, int64(2), pending(t, c))
	pushed, delivered, _, _ := m.get()
	assert.Equal(t, 2, pushed)
	assert.Equal(t, 2, delivered)

	// 沒有新 entry 時不阻塞
	tasks, err = c.Fetch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestEnqueueRejectsInvalidTask(t *testing.T) {
	c, _, _ := createTestController(t, nil)

	ids, err := c.Enqueue(context.Background(), types.Task{Handler: "sleep"}, types.Task{})
	assert.ErrorIs(t, err, types.ErrInvalidTask)
	assert.Len(t, ids, 1)
}

func TestHandleFinishAckPolicy(t *testing.T) {
	tests := []struct {
		name        string
		policy      AckPolicy
		success     bool
		wantPending int64
	}{
		{"success acked", AckOnSuccess, true, 0},
		{"failure left pending", AckOnSuccess, false, 1},
		{"always acks failure", AckAlways, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := createTestController(t, func(cfg *Config) { cfg.Ack = tt.policy })
			ctx := context.Background()

			_, err := c.Enqueue(ctx, types.Task{ID: "t-1", Handler: "sleep"})
			require.NoError(t, err)
			_, err = c.Fetch(ctx, 1)
			require.NoError(t, err)

			c.HandleFinish(types.Finish{ID: "t-1", Retry: 1, Success: tt.success})
			assert.Equal(t, tt.wantPending, pending(t, c))

			stats := c.jobs.Stats()
			assert.Equal(t, 0, stats["in_flight"])

			// 未知任務只記錄
			c.HandleFinish(types.Finish{ID: "t-1", Success: true})
			assert.Equal(t, tt.wantPending, pending(t, c))
		})
	}
}

func TestFetchDropsInvalidTask(t *testing.T) {
	c, store, _ := createTestController(t, nil)
	ctx := context.Background()

	raw := queue.NewProducer[map[string]any](store, "stream:download")
	_, err := raw.Push(ctx, map[string]any{"retry": 1})
	require.NoError(t, err)
	_, err = c.Enqueue(ctx, types.Task{ID: "ok", Handler: "sleep"})
	require.NoError(t, err)

	tasks, err := c.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskID("ok"), tasks[0].ID)

	// 不合法的 entry 已確認，只剩被接受的任務
	assert.Equal(t, int64(1), pending(t, c))
}

// 同 ID 的第二筆 entry 不能被丟掉：保持 pending，原任務結束後才交出
func TestFetchDefersDuplicateUntilFinished(t *testing.T) {
	c, _, _ := createTestController(t, nil)
	ctx := context.Background()

	_, err := c.Enqueue(ctx,
		types.Task{ID: "dup", Handler: "sleep", Args: []any{"first"}},
		types.Task{ID: "dup", Handler: "sleep", Args: []any{"second"}},
		types.Task{ID: "other", Handler: "sleep"},
	)
	require.NoError(t, err)

	tasks, err := c.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, types.TaskID("dup"), tasks[0].ID)
	assert.Equal(t, []any{"first"}, tasks[0].Args)
	assert.Equal(t, types.TaskID("other"), tasks[1].ID)
	assert.Equal(t, int64(3), pending(t, c), "duplicate entry is not acked")

	// 原任務仍在執行中，重複的 entry 繼續等待
	tasks, err = c.Fetch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	c.HandleFinish(types.Finish{ID: "dup", Success: true, Retry: 1})
	assert.Equal(t, int64(2), pending(t, c))

	tasks, err = c.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskID("dup"), tasks[0].ID)
	assert.Equal(t, []any{"second"}, tasks[0].Args)

	// 第二次執行確認的是自己的 entry
	c.HandleFinish(types.Finish{ID: "dup", Success: true, Retry: 1})
	c.HandleFinish(types.Finish{ID: "other", Success: true, Retry: 1})
	assert.Equal(t, int64(0), pending(t, c))
}

func TestGetStatus(t *testing.T) {
	c, _, _ := createTestController(t, func(cfg *Config) { cfg.ReadAhead = 5 })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Enqueue(ctx, types.Task{Handler: "sleep"})
		require.NoError(t, err)
	}
	_, err := c.Fetch(ctx, 1)
	require.NoError(t, err)

	status, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stream:download", status.Stream)
	assert.Equal(t, "node-1", status.Consumer)
	assert.Equal(t, int64(3), status.Pending)
	assert.Equal(t, 2, status.Buffered)
	assert.Equal(t, 1, status.Tasks["in_flight"])
}

func TestRunCompactsAndRefreshesPending(t *testing.T) {
	c, store, m := createTestController(t, func(cfg *Config) {
		cfg.CompactInterval = 20 * time.Millisecond
		cfg.StatsInterval = 10 * time.Millisecond
	})
	ctx := context.Background()

	_, err := c.Enqueue(ctx, types.Task{ID: "a", Handler: "sleep"}, types.Task{ID: "b", Handler: "sleep"})
	require.NoError(t, err)
	_, err = c.Fetch(ctx, 2)
	require.NoError(t, err)
	c.HandleFinish(types.Finish{ID: "a", Success: true})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()

	require.Eventually(t, func() bool { return store.Len("stream:download") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, _, _, p := m.get()
		return p == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

// TestSchedulerIntegration runs the full queue -> scheduler -> worker -> ack path
func TestSchedulerIntegration(t *testing.T) {
	c, _, m := createTestController(t, nil)
	ctx := context.Background()

	registry := worker.NewRegistry()
	registry.MustRegister("echo", func(worker.Emitter) worker.Handler {
		return worker.RunFunc(func(context.Context, ...any) error { return nil })
	})
	sched, err := pool.New(
		pool.Config{MaxProcess: 2, KeepAlive: 50 * time.Millisecond, PullInterval: 5 * time.Millisecond},
		c,
		&pool.InProcSpawner{Registry: registry, Options: []worker.Option{worker.WithLogger(quiet)}},
		pool.WithLogger(quiet),
	)
	require.NoError(t, err)
	c.Attach(sched)

	for i := 0; i < 6; i++ {
		_, err := c.Enqueue(ctx, types.Task{Handler: "echo"})
		require.NoError(t, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- sched.Run(runCtx) }()

	require.Eventually(t, func() bool {
		_, _, acked, _ := m.get()
		return acked == 6
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), pending(t, c))
	assert.Equal(t, 6, c.jobs.Stats()["succeeded"])

	cancel()
	require.NoError(t, <-done)
}
