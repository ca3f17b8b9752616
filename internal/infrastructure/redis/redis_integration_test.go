//go:build integration

package redis

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"go-groupwatch/internal/domain"
)

var redisContainer *tcredis.RedisContainer

func TestMain(m *testing.M) {
	code := m.Run()

	if redisContainer != nil {
		_ = redisContainer.Terminate(context.Background())
	}

	os.Exit(code)
}

func setupRedis(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	if redisContainer == nil || !redisContainer.IsRunning() {
		var err error
		redisContainer, err = tcredis.Run(ctx, "redis:7-alpine")
		require.NoError(t, err)
	}

	uri, err := redisContainer.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := goredis.ParseURL(uri)
	require.NoError(t, err)

	client, err := NewRedisClient(ctx, Options{Addr: opts.Addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisQueue_PushPop(t *testing.T) {
	ctx := context.Background()
	q := NewRedisQueue(setupRedis(t), 200*time.Millisecond).WithPrefix(t.Name())

	require.NoError(t, q.Push(ctx, "a"))
	require.NoError(t, q.Push(ctx, "b"))

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", got)
	got, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", got)

	// empty list times out without an error
	got, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisQueue_PromoteDue(t *testing.T) {
	ctx := context.Background()
	q := NewRedisQueue(setupRedis(t), 200*time.Millisecond).WithPrefix(t.Name())
	now := time.Now()

	require.NoError(t, q.Schedule(ctx, "due", now.Add(-time.Second)))
	require.NoError(t, q.Schedule(ctx, "later", now.Add(time.Hour)))

	n, err := q.PromoteDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "due", got)

	// promoting again moves nothing
	n, err = q.PromoteDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisEventBus_LeadCaptured(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bus := NewRedisEventBus(setupRedis(t), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	events, err := bus.SubscribeLeadCaptured(ctx)
	require.NoError(t, err)

	sent := domain.LeadCapturedEvent{LeadID: uuid.New(), WorkflowID: uuid.New(), NodeID: uuid.New(), RunID: uuid.New()}
	require.NoError(t, bus.PublishLeadCaptured(ctx, sent))

	select {
	case got := <-events:
		assert.Equal(t, sent, got)
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}
}
