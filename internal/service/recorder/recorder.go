// Package recorder persists InteractionEvents for audit and analytics.
//
// Recording is best effort: a storage failure is logged and swallowed so it
// can never fail the operation being audited.
package recorder

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kobai/internal/model"
	"github.com/ashita-ai/kobai/internal/redact"
	"github.com/ashita-ai/kobai/internal/telemetry"
)

// Store is the persistence the recorder needs.
type Store interface {
	InsertInteractionEvent(ctx context.Context, e model.InteractionEvent) error
	ListInteractionEvents(ctx context.Context, tenantID uuid.UUID, f model.EventFilter) ([]model.InteractionEvent, error)
	SummarizeInteractionEvents(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]model.EventSummary, error)
}

const (
	writeTimeout  = 5 * time.Second
	writeAttempts = 3
)

// Recorder truncates and writes interaction events.
type Recorder struct {
	store  Store
	cap    int
	logger *slog.Logger

	written metric.Int64Counter
	dropped metric.Int64Counter
}

// New creates a Recorder. stringCap bounds every string leaf in the
// request and response maps; values below 1 use redact.DefaultCap.
func New(store Store, stringCap int, logger *slog.Logger) *Recorder {
	if stringCap < 1 {
		stringCap = redact.DefaultCap
	}
	meter := telemetry.Meter("kobai/recorder")
	written, _ := meter.Int64Counter("kobai.ai.events.recorded",
		metric.WithDescription("Interaction events persisted"))
	dropped, _ := meter.Int64Counter("kobai.ai.events.dropped",
		metric.WithDescription("Interaction events lost after retries"))
	return &Recorder{store: store, cap: stringCap, logger: logger, written: written, dropped: dropped}
}

// Record writes e. It never returns an error and never blocks longer than
// writeTimeout. The write uses a context detached from ctx so an aborted
// request still leaves its audit trail.
func (r *Recorder) Record(ctx context.Context, e model.InteractionEvent) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Request = redact.TruncateMap(e.Request, r.cap)
	e.Response = redact.TruncateMap(e.Response, r.cap)
	e.ErrorMessage = redact.TruncateString(redact.Clean(e.ErrorMessage), r.cap)

	attrs := metric.WithAttributes(
		attribute.String("feature", e.Feature),
		attribute.String("kind", string(e.Kind)),
		attribute.String("status", string(e.Status)),
	)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	var lastErr error
retry:
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		if lastErr = r.store.InsertInteractionEvent(writeCtx, e); lastErr == nil {
			if r.written != nil {
				r.written.Add(writeCtx, 1, attrs)
			}
			return
		}
		// A rejected value fails the same way every time.
		if attempt == writeAttempts || errors.Is(lastErr, model.ErrInvalidInput) {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			break retry
		}
	}

	if r.dropped != nil {
		r.dropped.Add(writeCtx, 1, attrs)
	}
	r.logger.Error("recorder: interaction event lost",
		"event_id", e.ID, "tenant_id", e.TenantID, "feature", e.Feature, "kind", e.Kind, "error", lastErr)
}

// List returns a tenant's events, newest first.
func (r *Recorder) List(ctx context.Context, tenantID uuid.UUID, f model.EventFilter) ([]model.InteractionEvent, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return r.store.ListInteractionEvents(ctx, tenantID, f)
}

// Summary aggregates a tenant's events since the given time, per feature.
func (r *Recorder) Summary(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]model.EventSummary, error) {
	return r.store.SummarizeInteractionEvents(ctx, tenantID, since)
}
