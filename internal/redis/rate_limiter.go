package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter allows or denies dispatches using a sliding-window count in Redis.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

type slidingWindowLimiter struct {
	client redis.Scripter
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter.
// limit is the maximum number of events allowed per window for a given key.
func NewRateLimiter(client redis.Scripter, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window, now: time.Now}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// Allow returns true and records the event when key is under its limit.
// Denied calls are not recorded, so a caller polling while throttled does
// not push its own window forward.
func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}
	now := r.now().UnixNano()
	windowStart := now - r.window.Nanoseconds()

	allowed, err := slidingWindow.Run(ctx, r.client,
		[]string{"ratelimit:" + key},
		strconv.FormatInt(windowStart, 10),
		strconv.FormatInt(now, 10),
		r.limit,
		int64(2*r.window/time.Millisecond),
		uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limiter script for %q: %w", key, err)
	}
	return allowed == 1, nil
}

// slidingWindow evicts old timestamps, then records ARGV[2] only if fewer
// than ARGV[3] events remain in the window.
var slidingWindow = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "0", ARGV[1])
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[5])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1
`)
