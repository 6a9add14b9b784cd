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

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return client, mr
}

func TestRateLimiter_AllowWithDetails(t *testing.T) {
	t.Run("allows calls within limit", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		limiter := NewRateLimiter(client)
		ctx := context.Background()

		limit := 5
		for i := 0; i < 5; i++ {
			allowed, remaining, resetAt, err := limiter.AllowWithDetails(ctx, "usage-events", limit)
			require.NoError(t, err)
			assert.True(t, allowed)
			assert.Equal(t, limit-i-1, remaining)
			assert.False(t, resetAt.IsZero())
		}
	})

	t.Run("blocks calls over limit", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		limiter := NewRateLimiter(client)
		ctx := context.Background()

		limit := 3
		for i := 0; i < 3; i++ {
			allowed, _, _, err := limiter.AllowWithDetails(ctx, "usage-events", limit)
			require.NoError(t, err)
			assert.True(t, allowed)
		}

		allowed, remaining, resetAt, err := limiter.AllowWithDetails(ctx, "usage-events", limit)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, 0, remaining)
		assert.False(t, resetAt.IsZero())

		usage, err := client.ZCard(ctx, "ratelimit:usage-events").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(3), usage, "rejected calls are not recorded")
	})

	t.Run("unlimited when limit is 0", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		limiter := NewRateLimiter(client)
		ctx := context.Background()

		for i := 0; i < 100; i++ {
			allowed, remaining, resetAt, err := limiter.AllowWithDetails(ctx, "usage-events", 0)
			require.NoError(t, err)
			assert.True(t, allowed)
			assert.Equal(t, -1, remaining)
			assert.True(t, resetAt.IsZero())
		}
	})

	t.Run("window slides", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		limiter := NewRateLimiter(client)
		ctx := context.Background()

		now := time.Now()
		limiter.now = func() time.Time { return now }

		for i := 0; i < 2; i++ {
			allowed, _, _, err := limiter.AllowWithDetails(ctx, "usage-events", 2)
			require.NoError(t, err)
			assert.True(t, allowed)
		}

		allowed, _, resetAt, err := limiter.AllowWithDetails(ctx, "usage-events", 2)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, now.Add(time.Second).UnixMilli(), resetAt.UnixMilli())

		now = now.Add(1100 * time.Millisecond)
		allowed, remaining, _, err := limiter.AllowWithDetails(ctx, "usage-events", 2)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, 1, remaining)
	})
}

func TestRateLimiter_NamesAreIsolated(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewRateLimiter(client)
	ctx := context.Background()

	allowed, _, _, err := limiter.AllowWithDetails(ctx, "usage-events", 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, _, err = limiter.AllowWithDetails(ctx, "usage-events", 1)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, _, _, err = limiter.AllowWithDetails(ctx, "other-queue", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisLimiter_WaitBlocksAtCeiling(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewRedisLimiter(client, "usage-events", 2, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	require.NoError(t, limiter.Wait(ctx))
	require.NoError(t, limiter.Wait(ctx))

	// third call in the same second waits past the deadline
	err := limiter.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLimiter_FallsBackWhenRedisIsDown(t *testing.T) {
	client, mr := setupTestRedis(t)
	limiter := NewRedisLimiter(client, "usage-events", 100, nil)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, limiter.Wait(ctx))
}

func TestLocalLimiter(t *testing.T) {
	limiter := NewLocalLimiter(5)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Wait(ctx), "burst of one second's worth")
	}
	assert.Error(t, limiter.Wait(ctx), "sixth token is 200ms away")

	unlimited := NewLocalLimiter(0)
	for i := 0; i < 1000; i++ {
		require.NoError(t, unlimited.Wait(context.Background()))
	}
}

func TestNoopLimiter(t *testing.T) {
	limiter := NewNoopLimiter()
	for i := 0; i < 100; i++ {
		assert.NoError(t, limiter.Wait(context.Background()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, limiter.Wait(ctx), context.Canceled)
}
