package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind distinguishes ordinary AI calls from breaker and draft
// transitions.
type EventKind string

const (
	EventRequest     EventKind = "request"
	EventCircuitOpen EventKind = "circuit_open"
	EventCircuitSkip EventKind = "circuit_skip"
	EventTransition  EventKind = "transition"
)

// EventStatus is the outcome recorded on an InteractionEvent.
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusError   EventStatus = "error"
)

// InteractionEvent is an append-only audit record of one exchange with the
// AI service, or of a draft transition.
type InteractionEvent struct {
	ID           uuid.UUID      `json:"id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	UserID       uuid.UUID      `json:"user_id"`
	Feature      string         `json:"feature"`
	Kind         EventKind      `json:"kind"`
	Request      map[string]any `json:"request"`
	Response     map[string]any `json:"response"`
	LatencyMS    *int64         `json:"latency_ms,omitempty"`
	Status       EventStatus    `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Entity       *EntityRef     `json:"entity,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Feature string
	Kind    EventKind
	Status  EventStatus
	Since   *time.Time
	Until   *time.Time
	Limit   int
	Offset  int
}

// EventSummary aggregates interaction events for one feature.
type EventSummary struct {
	Feature      string  `json:"feature"`
	Total        int     `json:"total"`
	Errors       int     `json:"errors"`
	Skips        int     `json:"skips"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}
