package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript trims the window, then admits the call only when the count is
// below the limit. Rejected calls are not recorded, so a burst of denied
// callers does not push the window out.
//
// KEYS[1] window key
// ARGV[1] now (unix ms), ARGV[2] window (ms), ARGV[3] limit, ARGV[4] member
// Returns {allowed, count after, oldest score}
var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window * 2)
	count = count + 1
	allowed = 1
end

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
	oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// RateLimiter is a Redis sorted-set sliding window shared by all processes
type RateLimiter struct {
	client *redis.Client
	window time.Duration
	prefix string
	seq    atomic.Uint64
	now    func() time.Time
}

// NewRateLimiter creates a sliding window limiter over one-second windows
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return NewRateLimiterWithWindow(client, time.Second)
}

// NewRateLimiterWithWindow creates a sliding window limiter with a custom window
func NewRateLimiterWithWindow(client *redis.Client, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		client: client,
		window: window,
		prefix: "ratelimit:",
		now:    time.Now,
	}
}

func (rl *RateLimiter) key(name string) string {
	return rl.prefix + name
}

// AllowWithDetails admits one call when the window holds fewer than limit
// calls. remaining is -1 and resetAt zero when limit is not positive
// (unlimited). resetAt is when the oldest call in the window expires.
func (rl *RateLimiter) AllowWithDetails(ctx context.Context, name string, limit int) (bool, int, time.Time, error) {
	if limit <= 0 {
		return true, -1, time.Time{}, nil
	}

	now := rl.now()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(rl.seq.Add(1), 10)

	res, err := windowScript.Run(ctx, rl.client, []string{rl.key(name)},
		now.UnixMilli(), rl.window.Milliseconds(), limit, member,
	).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed := res[0] == 1
	remaining := limit - int(res[1])
	if remaining < 0 {
		remaining = 0
	}
	resetAt := time.UnixMilli(res[2]).Add(rl.window)

	return allowed, remaining, resetAt, nil
}
