package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBurstThenRefill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewLocal(1, 2)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "10.0.0.1")
	assert.False(t, ok, "burst exhausted")

	ok, _ = l.Allow(ctx, "10.0.0.2")
	assert.True(t, ok, "keys are independent")

	now = now.Add(time.Second)
	ok, _ = l.Allow(ctx, "10.0.0.1")
	assert.True(t, ok, "one token refilled")
}

func TestLocalSweepsIdleBuckets(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewLocal(1, 1)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = l.Allow(ctx, "a")
	_, _ = l.Allow(ctx, "b")
	assert.Equal(t, 2, l.Len())

	now = now.Add(10 * time.Minute)
	_, _ = l.Allow(ctx, "c")
	assert.Equal(t, 1, l.Len())
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisFixedWindow(t *testing.T) {
	mr, client := newRedis(t)
	now := time.Unix(1_700_000_000, 0).Truncate(time.Minute)
	r := NewRedis(client, 3, time.Minute, "test")
	r.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := r.Allow(ctx, "ip:1.2.3.4")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := r.Allow(ctx, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Greater(t, mr.TTL(keys[0]), time.Duration(0))

	now = now.Add(time.Minute)
	ok, err = r.Allow(ctx, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok, "next window starts fresh")
}

func TestRedisFailsOpen(t *testing.T) {
	mr, client := newRedis(t)
	r := NewRedis(client, 1, time.Minute, "")
	require.NoError(t, r.Ping(context.Background()))
	mr.Close()

	ok, err := r.Allow(context.Background(), "k")
	assert.Error(t, err)
	assert.True(t, ok)
}

func TestLimitersSatisfyInterface(t *testing.T) {
	var _ Limiter = NewLocal(1, 1)
	_, client := newRedis(t)
	var _ Limiter = NewRedis(client, 1, time.Second, "")
}
