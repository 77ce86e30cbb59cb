// Package ratelimit throttles the endpoints that call the AI service.
//
// A single replica uses the in-memory token bucket (MemoryLimiter). When
// REDIS_URL is set every replica shares one sliding window per key through
// RedisLimiter. Limiter is the contract both satisfy.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque;
	// callers construct it (e.g. "tenant:<uuid>:user:<uuid>"). An error
	// signals a limiter malfunction and callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
