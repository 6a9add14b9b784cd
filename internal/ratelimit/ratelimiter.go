// Package ratelimit enforces the global throughput ceiling of the worker pool.
//
// Workers call Wait before each job. LocalLimiter caps one process with a
// token bucket; RedisLimiter caps every process sharing a Redis instance with
// a sliding window, so N worker hosts together stay under the ceiling.
package ratelimit

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// Limiter blocks until the caller may start one more unit of work
type Limiter interface {
	Wait(ctx context.Context) error
}

// NoopLimiter never blocks
type NoopLimiter struct{}

func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

func (l *NoopLimiter) Wait(ctx context.Context) error {
	return ctx.Err()
}

// LocalLimiter is an in-process token bucket
type LocalLimiter struct {
	limiter *rate.Limiter
}

// NewLocalLimiter allows perSecond events per second with bursts of up to
// one second's worth. A non-positive perSecond disables limiting.
func NewLocalLimiter(perSecond float64) *LocalLimiter {
	if perSecond <= 0 {
		return &LocalLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	burst := int(math.Ceil(perSecond))
	return &LocalLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a token is available or ctx is done
func (l *LocalLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}
