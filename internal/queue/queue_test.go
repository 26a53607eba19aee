package queue_test

// ============================================================================
// Producer / Consumer Test File
// Purpose: Verify group creation, push/getMessage, read-ahead, backlog cursor, ack
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/castpool/internal/queue"
	"github.com/ChuLiYu/castpool/internal/storage/wal"
	"github.com/ChuLiYu/castpool/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	topic = "stream:download"
	group = "default"
)

func newStore(t *testing.T) *wal.WAL {
	t.Helper()
	w, err := wal.NewWAL(filepath.Join(t.TempDir(), "queue.wal"), false)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func pushN(t *testing.T, p *queue.Producer[types.Task], n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := p.Push(context.Background(), types.Task{ID: types.TaskID(fmt.Sprintf("t-%d", i)), Handler: "sleep"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

// TestCreateGroupIdempotent tests that a second createGroup never fails
func TestCreateGroupIdempotent(t *testing.T) {
	store := newStore(t)
	p := queue.NewProducer[types.Task](store, topic)
	ctx := context.Background()

	require.NoError(t, p.CreateGroup(ctx, group, ""))
	require.NoError(t, p.CreateGroup(ctx, group, ""))
	require.NoError(t, p.CreateGroup(ctx, group, queue.StartBeginning))
}

// TestCreateGroupSurfacesOtherErrors tests that real failures are returned
func TestCreateGroupSurfacesOtherErrors(t *testing.T) {
	store := newStore(t)
	p := queue.NewProducer[types.Task](store, topic)

	err := p.CreateGroup(context.Background(), group, "not-an-id")
	assert.ErrorIs(t, err, wal.ErrInvalidID)
}

// TestPushThenGetMessage tests the single entry round trip with a log assigned id
func TestPushThenGetMessage(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	p := queue.NewProducer[types.Task](store, topic)
	require.NoError(t, p.CreateGroup(ctx, group, ""))

	task := types.Task{ID: "t-1", Handler: "download", Retry: 2, TimeoutMs: 500, Args: []any{"http://x/a.mp4", "/tmp"}}
	id, err := p.Push(ctx, task)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	c := queue.NewConsumer[types.Task](store, topic, group, "dlna")
	msgs, err := c.GetMessage(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, task, msgs[0].Data)

	msgs, err = c.GetMessage(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs, "never blocks, empty when nothing is available")
}

// TestPushWithID tests caller supplied ids
func TestPushWithID(t *testing.T) {
	store := newStore(t)
	p := queue.NewProducer[types.Task](store, topic)

	id, err := p.PushWithID(context.Background(), "100-1", types.Task{Handler: "sleep"})
	require.NoError(t, err)
	assert.Equal(t, "100-1", id)

	_, err = p.PushWithID(context.Background(), "100-1", types.Task{Handler: "sleep"})
	assert.Error(t, err)
}

// TestReadAheadCache tests that surplus entries are buffered and served first
func TestReadAheadCache(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	p := queue.NewProducer[types.Task](store, topic)
	require.NoError(t, p.CreateGroup(ctx, group, ""))
	ids := pushN(t, p, 5)

	c := queue.NewConsumer[types.Task](store, topic, group, "dlna", queue.WithReadAhead(4))

	first, err := c.GetMessage(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, ids[0], first[0].ID)
	assert.Equal(t, 3, c.Buffered())

	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pending, "read-ahead entries are delivered to the group")

	rest, err := c.GetMessage(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 4)
	for i, m := range rest {
		assert.Equal(t, ids[i+1], m.ID, "delivery order is preserved")
	}
	assert.Equal(t, 0, c.Buffered())
}

// TestBacklogDrainsBeforeNew tests that a restarted consumer sees all of its backlog
func TestBacklogDrainsBeforeNew(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	p := queue.NewProducer[types.Task](store, topic)
	require.NoError(t, p.CreateGroup(ctx, group, ""))
	ids := pushN(t, p, 3)

	// 第一個 process 取走三筆但沒有 ack
	crashed := queue.NewConsumer[types.Task](store, topic, group, "dlna")
	got, err := crashed.GetMessage(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	newIDs := pushN(t, p, 1)

	// 同名 consumer 重新啟動，每次只取一筆
	restarted := queue.NewConsumer[types.Task](store, topic, group, "dlna")
	var seen []string
	for i := 0; i < 5; i++ {
		msgs, err := restarted.GetMessage(ctx, 1)
		require.NoError(t, err)
		for _, m := range msgs {
			seen = append(seen, m.ID)
		}
	}
	assert.Equal(t, append(ids, newIDs...), seen)
}

// TestAck tests ack semantics including duplicates
func TestAck(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	p := queue.NewProducer[types.Task](store, topic)
	require.NoError(t, p.CreateGroup(ctx, group, ""))
	pushN(t, p, 2)

	c := queue.NewConsumer[types.Task](store, topic, group, "dlna")
	msgs, err := c.GetMessage(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, c.Ack(ctx, msgs[0].ID))
	require.NoError(t, c.Ack(ctx, msgs[0].ID), "duplicate ack is a no-op")

	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

// TestGetMessageZeroCount tests the degenerate request
func TestGetMessageZeroCount(t *testing.T) {
	c := queue.NewConsumer[types.Task](newStore(t), topic, group, "dlna")
	msgs, err := c.GetMessage(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// flakyStore fails reads on demand
type flakyStore struct {
	queue.LogStore
	failReads bool
}

var errBoom = errors.New("boom")

func (f *flakyStore) ReadGroup(ctx context.Context, stream, group, consumer string, count int, fromID string) ([]queue.Entry, error) {
	if f.failReads {
		return nil, errBoom
	}
	return f.LogStore.ReadGroup(ctx, stream, group, consumer, count, fromID)
}

// TestGetMessageStoreError tests that cached entries are not lost on read errors
func TestGetMessageStoreError(t *testing.T) {
	inner := newStore(t)
	store := &flakyStore{LogStore: inner}
	ctx := context.Background()
	p := queue.NewProducer[types.Task](store, topic)
	require.NoError(t, p.CreateGroup(ctx, group, ""))
	ids := pushN(t, p, 3)

	c := queue.NewConsumer[types.Task](store, topic, group, "dlna", queue.WithReadAhead(2))
	first, err := c.GetMessage(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, c.Buffered())

	store.failReads = true
	_, err = c.GetMessage(ctx, 3)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, c.Buffered(), "cached entry is put back")

	_, err = c.Pending(ctx)
	assert.ErrorIs(t, err, queue.ErrPendingUnsupported)

	store.failReads = false
	rest, err := c.GetMessage(ctx, 3)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, ids[1], rest[0].ID)
	assert.Equal(t, ids[2], rest[1].ID)
}
