// Package breaker implements a sliding-window circuit breaker for calls to the
// AI service.
//
// A breaker opens when Threshold failures land inside Window, and stays open
// for OpenFor. While open, callers skip the remote call entirely. Once OpenFor
// has elapsed the breaker closes with a clean window. A success clears the
// window of a closed breaker; it never shortens an open period.
//
// State lives behind the Store interface: MemoryStore for a single process,
// RedisStore when several replicas must share one breaker.
package breaker

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kobai/internal/telemetry"
)

// Policy is the breaker configuration.
type Policy struct {
	Threshold int
	Window    time.Duration
	OpenFor   time.Duration
}

// Store holds breaker state for a key. Implementations must apply each
// method atomically with respect to concurrent callers on the same key.
type Store interface {
	// IsOpen reports whether key is open at now. An expired open state is
	// cleared as a side effect.
	IsOpen(ctx context.Context, key string, now time.Time, p Policy) (bool, error)

	// RecordFailure adds a failure at now and reports whether this failure
	// moved the breaker from closed to open.
	RecordFailure(ctx context.Context, key string, now time.Time, p Policy) (bool, error)

	// RecordSuccess clears the failure window of a closed breaker. An open
	// breaker whose OpenFor has not elapsed at now is left open.
	RecordSuccess(ctx context.Context, key string, now time.Time, p Policy) error
}

// Breaker guards one or more remote endpoints, identified by key.
type Breaker struct {
	store  Store
	policy Policy
	now    func() time.Time
	logger *slog.Logger

	opened  metric.Int64Counter
	skipped metric.Int64Counter
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now. Used by tests to drive the window.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a Breaker over store.
func New(store Store, policy Policy, logger *slog.Logger, opts ...Option) *Breaker {
	b := &Breaker{
		store:  store,
		policy: policy,
		now:    time.Now,
		logger: logger,
	}
	for _, o := range opts {
		o(b)
	}

	meter := telemetry.Meter("kobai/breaker")
	// Instrument creation only fails on invalid names; a nil counter is never used.
	b.opened, _ = meter.Int64Counter("kobai.breaker.opened",
		metric.WithDescription("Times the AI service breaker opened"))
	b.skipped, _ = meter.Int64Counter("kobai.breaker.skipped",
		metric.WithDescription("Calls short-circuited by an open breaker"))
	return b
}

// Policy returns the configured policy.
func (b *Breaker) Policy() Policy { return b.policy }

// Allow reports whether a call to key may proceed. Store failures fail open:
// losing breaker state must not take the AI features down with it.
func (b *Breaker) Allow(ctx context.Context, key string) bool {
	open, err := b.store.IsOpen(ctx, key, b.now(), b.policy)
	if err != nil {
		b.logger.Warn("breaker: state lookup failed, allowing call", "key", key, "error", err)
		return true
	}
	if open && b.skipped != nil {
		b.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", key)))
	}
	return !open
}

// Failure records a failed call and reports whether it opened the breaker.
func (b *Breaker) Failure(ctx context.Context, key string) bool {
	opened, err := b.store.RecordFailure(ctx, key, b.now(), b.policy)
	if err != nil {
		b.logger.Warn("breaker: record failure failed", "key", key, "error", err)
		return false
	}
	if opened {
		b.logger.Warn("breaker: opened", "key", key,
			"threshold", b.policy.Threshold, "window", b.policy.Window, "open_for", b.policy.OpenFor)
		if b.opened != nil {
			b.opened.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", key)))
		}
	}
	return opened
}

// Success records a successful call, resetting the window. A slow call that
// was admitted before the breaker opened does not close it.
func (b *Breaker) Success(ctx context.Context, key string) {
	if err := b.store.RecordSuccess(ctx, key, b.now(), b.policy); err != nil {
		b.logger.Warn("breaker: record success failed", "key", key, "error", err)
	}
}
