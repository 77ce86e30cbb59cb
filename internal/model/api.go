package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse wraps all successful API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError wraps all error responses.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta carries request metadata on every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an error. Field is set for validation failures that
// can be pinned to a single input.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Standard error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "SERVICE_UNAVAILABLE"
)

// PlanActionRequest is the request body for POST /v1/actions/plan.
type PlanActionRequest struct {
	ActionType    ActionType     `json:"action_type"`
	Query         string         `json:"query"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	UserContext   map[string]any `json:"user_context,omitempty"`
	TopK          *int           `json:"top_k,omitempty"`
	Filters       map[string]any `json:"filters,omitempty"`
	EntityContext *EntityRef     `json:"entity_context,omitempty"`
}

// CreateDraftRequest is the request body for POST /v1/drafts. It stores a
// caller-supplied payload as a pending draft without calling the AI service.
type CreateDraftRequest struct {
	ActionType    ActionType     `json:"action_type"`
	Summary       string         `json:"summary"`
	Payload       map[string]any `json:"payload"`
	Citations     []Citation     `json:"citations,omitempty"`
	EntityContext *EntityRef     `json:"entity_context,omitempty"`
}

// RejectDraftRequest is the request body for POST /v1/drafts/{id}/reject.
type RejectDraftRequest struct {
	Reason string `json:"reason"`
}

// StartWorkflowRequest is the request body for POST /v1/workflows.
type StartWorkflowRequest struct {
	WorkflowType  string         `json:"workflow_type"`
	Goal          string         `json:"goal"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	UserContext   map[string]any `json:"user_context,omitempty"`
	EntityContext *EntityRef     `json:"entity_context,omitempty"`
}

// CompleteStepRequest is the request body for
// POST /v1/workflows/{id}/steps/{index}/complete.
type CompleteStepRequest struct {
	Approval bool           `json:"approval"`
	Output   map[string]any `json:"output,omitempty"`
	Notes    string         `json:"notes,omitempty"`
}

// ResolveToolCallsRequest is the request body for POST /v1/tool-calls.
type ResolveToolCallsRequest struct {
	MessageID string         `json:"message_id,omitempty"`
	Round     int            `json:"round"`
	Context   map[string]any `json:"context,omitempty"`
	ToolCalls []ToolCall     `json:"tool_calls"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage string `json:"storage"`
	AI      string `json:"ai"`
	Uptime  int64  `json:"uptime_seconds"`
}

// TokenRequest is the request body for POST /auth/token in development mode.
type TokenRequest struct {
	UserID      uuid.UUID `json:"user_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	Email       string    `json:"email"`
	Role        Role      `json:"role"`
	Permissions []string  `json:"permissions,omitempty"`
}

// TokenResponse is returned by POST /auth/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
