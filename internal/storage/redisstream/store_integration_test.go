//go:build integration

package redisstream_test

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ChuLiYu/castpool/internal/queue"
	"github.com/ChuLiYu/castpool/internal/storage/redisstream"
	"github.com/ChuLiYu/castpool/pkg/types"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisStreamQueue(t *testing.T) {
	client := setupRedis(t)
	store := redisstream.New(client)
	ctx := context.Background()

	p := queue.NewProducer[types.Task](store, "stream:download")
	require.NoError(t, p.CreateGroup(ctx, "default", ""))
	require.NoError(t, p.CreateGroup(ctx, "default", ""), "BUSYGROUP is swallowed")

	task := types.Task{ID: "t-1", Handler: "download", Retry: 1, Args: []any{"http://x/a.mp4", map[string]any{"q": "hd"}}}
	id, err := p.Push(ctx, task)
	require.NoError(t, err)

	c := queue.NewConsumer[types.Task](store, "stream:download", "default", "dlna", queue.WithReadAhead(10))
	msgs, err := c.GetMessage(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, task, msgs[0].Data)

	empty, err := c.GetMessage(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, empty)

	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	require.NoError(t, c.Ack(ctx, id))
	require.NoError(t, c.Ack(ctx, id))

	pending, err = c.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestRedisBacklogAfterRestart(t *testing.T) {
	client := setupRedis(t)
	store := redisstream.New(client)
	ctx := context.Background()

	p := queue.NewProducer[types.Task](store, "s")
	require.NoError(t, p.CreateGroup(ctx, "g", ""))
	for i := 0; i < 3; i++ {
		_, err := p.Push(ctx, types.Task{Handler: "sleep"})
		require.NoError(t, err)
	}

	first := queue.NewConsumer[types.Task](store, "s", "g", "c")
	got, err := first.GetMessage(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	restarted := queue.NewConsumer[types.Task](store, "s", "g", "c")
	var seen []string
	for i := 0; i < 4; i++ {
		msgs, err := restarted.GetMessage(ctx, 1)
		require.NoError(t, err)
		for _, m := range msgs {
			seen = append(seen, m.ID)
		}
	}
	require.Len(t, seen, 3)
	for i := range got {
		assert.Equal(t, got[i].ID, seen[i])
	}
}
