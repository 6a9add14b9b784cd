package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openmonetize/openmonetize-sub001/internal/utils"
)

const minRetryDelay = 5 * time.Millisecond

// RedisLimiter caps the combined throughput of every worker that shares the
// same Redis key. When Redis is unreachable it degrades to a local bucket at
// the same rate rather than stalling the pool.
type RedisLimiter struct {
	window   *RateLimiter
	name     string
	limit    int
	fallback *LocalLimiter
	logger   *utils.Logger
}

// NewRedisLimiter admits perSecond calls per second across the cluster under
// name. The window counts whole calls, so a fractional perSecond rounds up;
// config rejects fractional cluster rates.
func NewRedisLimiter(client *redis.Client, name string, perSecond float64, logger *utils.Logger) *RedisLimiter {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &RedisLimiter{
		window:   NewRateLimiter(client),
		name:     name,
		limit:    int(math.Ceil(perSecond)),
		fallback: NewLocalLimiter(perSecond),
		logger:   logger,
	}
}

// Wait blocks until the cluster-wide window admits one more call
func (l *RedisLimiter) Wait(ctx context.Context) error {
	for {
		allowed, _, resetAt, err := l.window.AllowWithDetails(ctx, l.name, l.limit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("Cluster rate limit unavailable, using local limit", "error", err)
			return l.fallback.Wait(ctx)
		}
		if allowed {
			return nil
		}

		delay := time.Until(resetAt)
		if delay < minRetryDelay {
			delay = minRetryDelay
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
