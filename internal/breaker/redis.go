package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisIsOpenScript reports and expires the open state atomically.
// KEYS[1] = state hash, KEYS[2] = failure zset
// ARGV[1] = now (ms), ARGV[2] = open duration (ms)
var redisIsOpenScript = redis.NewScript(`
local opened = redis.call("HGET", KEYS[1], "opened_at")
if not opened then
    return 0
end
if tonumber(ARGV[1]) < tonumber(opened) + tonumber(ARGV[2]) then
    return 1
end
redis.call("DEL", KEYS[1], KEYS[2])
return 0
`)

// redisFailureScript slides the window, adds a failure and opens the breaker
// when the threshold is reached. Returns 1 only for the opening failure.
// KEYS[1] = state hash, KEYS[2] = failure zset
// ARGV[1] = now (ms), ARGV[2] = window (ms), ARGV[3] = threshold,
// ARGV[4] = open duration (ms), ARGV[5] = unique member for this failure
var redisFailureScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local opened = redis.call("HGET", KEYS[1], "opened_at")
if opened then
    if now < tonumber(opened) + tonumber(ARGV[4]) then
        return 0
    end
    redis.call("DEL", KEYS[1], KEYS[2])
end

redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", now - tonumber(ARGV[2]))
redis.call("ZADD", KEYS[2], now, ARGV[5])
redis.call("PEXPIRE", KEYS[2], ARGV[2])

if redis.call("ZCARD", KEYS[2]) >= tonumber(ARGV[3]) then
    redis.call("DEL", KEYS[2])
    redis.call("HSET", KEYS[1], "opened_at", now)
    redis.call("PEXPIRE", KEYS[1], ARGV[4])
    return 1
end
return 0
`)

// redisSuccessScript clears the window unless the breaker is still open.
// KEYS[1] = state hash, KEYS[2] = failure zset
// ARGV[1] = now (ms), ARGV[2] = open duration (ms)
var redisSuccessScript = redis.NewScript(`
local opened = redis.call("HGET", KEYS[1], "opened_at")
if opened and tonumber(ARGV[1]) < tonumber(opened) + tonumber(ARGV[2]) then
    return 0
end
redis.call("DEL", KEYS[1], KEYS[2])
return 1
`)

// RedisStore shares breaker state across replicas through Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store using client. Keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "kobai:breaker"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// keys returns the state and failure keys. The hash tag keeps both in one
// cluster slot so the scripts can touch them together.
func (s *RedisStore) keys(key string) []string {
	return []string{
		fmt.Sprintf("%s:{%s}:state", s.prefix, key),
		fmt.Sprintf("%s:{%s}:failures", s.prefix, key),
	}
}

// IsOpen implements Store.
func (s *RedisStore) IsOpen(ctx context.Context, key string, now time.Time, p Policy) (bool, error) {
	res, err := redisIsOpenScript.Run(ctx, s.client, s.keys(key),
		now.UnixMilli(), p.OpenFor.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("breaker: redis is-open: %w", err)
	}
	return res == 1, nil
}

// RecordFailure implements Store.
func (s *RedisStore) RecordFailure(ctx context.Context, key string, now time.Time, p Policy) (bool, error) {
	res, err := redisFailureScript.Run(ctx, s.client, s.keys(key),
		now.UnixMilli(), p.Window.Milliseconds(), p.Threshold, p.OpenFor.Milliseconds(),
		uuid.NewString()).Int64()
	if err != nil {
		return false, fmt.Errorf("breaker: redis record failure: %w", err)
	}
	return res == 1, nil
}

// RecordSuccess implements Store.
func (s *RedisStore) RecordSuccess(ctx context.Context, key string, now time.Time, p Policy) error {
	err := redisSuccessScript.Run(ctx, s.client, s.keys(key), now.UnixMilli(), p.OpenFor.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("breaker: redis record success: %w", err)
	}
	return nil
}
