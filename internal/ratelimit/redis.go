package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript admits a request when fewer than limit requests were
// admitted for the key in the trailing window.
// KEYS[1] = zset of admitted requests
// ARGV[1] = now (ms), ARGV[2] = window (ms), ARGV[3] = limit, ARGV[4] = member
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - tonumber(ARGV[2]))
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[3]) then
    return 0
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

// RedisLimiter implements Limiter with a sliding window shared by every
// replica through Redis. It does not own the client.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter admits up to limit requests per key in any window.
func NewRedisLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

// Allow records the request if the key's window has room.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + ":ratelimit:" + key},
		l.now().UnixMilli(), l.window.Milliseconds(), l.limit, uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis allow: %w", err)
	}
	return res == 1, nil
}

// Close is a no-op; the caller owns the Redis client.
func (l *RedisLimiter) Close() error { return nil }
