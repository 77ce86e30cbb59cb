package kobai

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActionType is one of the six mutations the AI layer can propose.
type ActionType string

const (
	ActionRFQDraft                ActionType = "rfq_draft"
	ActionSupplierOnboardingDraft ActionType = "supplier_onboarding_draft"
	ActionItemDraft               ActionType = "item_draft"
	ActionInvoiceDraft            ActionType = "invoice_draft"
	ActionInvoicePaymentDraft     ActionType = "invoice_payment_draft"
	ActionInvoiceDisputeDraft     ActionType = "invoice_dispute_draft"
)

// DraftStatus is the lifecycle state of a draft.
type DraftStatus string

const (
	DraftPending   DraftStatus = "pending"
	DraftApproved  DraftStatus = "approved"
	DraftRejected  DraftStatus = "rejected"
	DraftConverted DraftStatus = "converted"
)

// Role is a caller's tenant role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleApprover Role = "approver"
	RoleBuyer    Role = "buyer"
	RoleViewer   Role = "viewer"
)

// EntityRef points at a procurement record.
type EntityRef struct {
	Type string    `json:"entity_type"`
	ID   uuid.UUID `json:"entity_id"`
}

// Citation is a source the AI service used.
type Citation struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	ChunkID    string `json:"chunk_id,omitempty"`
	Title      string `json:"title,omitempty"`
	Snippet    string `json:"snippet,omitempty"`
}

// DraftInput is what the caller asked for.
type DraftInput struct {
	Query         string         `json:"query"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	UserContext   map[string]any `json:"user_context,omitempty"`
	TopK          *int           `json:"top_k,omitempty"`
	Filters       map[string]any `json:"filters,omitempty"`
	EntityContext *EntityRef     `json:"entity_context,omitempty"`
}

// DraftOutput is the proposed mutation.
type DraftOutput struct {
	Summary   string         `json:"summary"`
	Payload   map[string]any `json:"payload"`
	Citations []Citation     `json:"citations"`
}

// Draft is an AI-proposed mutation awaiting review.
type Draft struct {
	ID              uuid.UUID   `json:"id"`
	TenantID        uuid.UUID   `json:"tenant_id"`
	UserID          uuid.UUID   `json:"user_id"`
	ActionType      ActionType  `json:"action_type"`
	Status          DraftStatus `json:"status"`
	Input           DraftInput  `json:"input"`
	Output          DraftOutput `json:"output"`
	Entity          *EntityRef  `json:"entity,omitempty"`
	ReviewedBy      *uuid.UUID  `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time  `json:"reviewed_at,omitempty"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
	ConvertedBy     *uuid.UUID  `json:"converted_by,omitempty"`
	ConvertedAt     *time.Time  `json:"converted_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// PlanRequest asks the AI service for a proposal.
type PlanRequest struct {
	ActionType    ActionType     `json:"action_type"`
	Query         string         `json:"query"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	UserContext   map[string]any `json:"user_context,omitempty"`
	TopK          *int           `json:"top_k,omitempty"`
	Filters       map[string]any `json:"filters,omitempty"`
	EntityContext *EntityRef     `json:"entity_context,omitempty"`
}

// CreateDraftRequest stores a caller-authored draft.
type CreateDraftRequest struct {
	ActionType    ActionType     `json:"action_type"`
	Summary       string         `json:"summary"`
	Payload       map[string]any `json:"payload"`
	Citations     []Citation     `json:"citations,omitempty"`
	EntityContext *EntityRef     `json:"entity_context,omitempty"`
}

// ListDraftsOptions filters ListDrafts. Zero values are omitted.
type ListDraftsOptions struct {
	Status     DraftStatus
	ActionType ActionType
	Limit      int
	Offset     int
}

// ConvertResult is returned by ConvertDraft.
type ConvertResult struct {
	Draft            Draft     `json:"draft"`
	Entity           EntityRef `json:"entity"`
	AlreadyConverted bool      `json:"already_converted"`
}

// WorkflowStepTemplate is one declared step.
type WorkflowStepTemplate struct {
	ActionType          ActionType `json:"action_type"`
	Name                string     `json:"name"`
	ApprovalPermissions []string   `json:"approval_permissions"`
}

// WorkflowTemplate is an ordered list of steps.
type WorkflowTemplate struct {
	Type  string                 `json:"type"`
	Name  string                 `json:"name"`
	Steps []WorkflowStepTemplate `json:"steps"`
}

// WorkflowStep is the per-step record on a run.
type WorkflowStep struct {
	Index           int            `json:"index"`
	ActionType      ActionType     `json:"action_type"`
	Name            string         `json:"name"`
	Permissions     []string       `json:"approval_permissions"`
	Approved        *bool          `json:"approved,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	CompletedBy     *uuid.UUID     `json:"completed_by,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DraftID         *uuid.UUID     `json:"draft_id,omitempty"`
	Entity          *EntityRef     `json:"entity,omitempty"`
	ConversionError string         `json:"conversion_error,omitempty"`
}

// WorkflowRun is one execution of a template.
type WorkflowRun struct {
	ID           uuid.UUID      `json:"id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	UserID       uuid.UUID      `json:"user_id"`
	WorkflowType string         `json:"workflow_type"`
	Entity       *EntityRef     `json:"entity,omitempty"`
	Goal         string         `json:"goal"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	UserContext  map[string]any `json:"user_context,omitempty"`
	CurrentStep  int            `json:"current_step"`
	Status       string         `json:"status"`
	Steps        []WorkflowStep `json:"steps"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// StartWorkflowRequest starts a run.
type StartWorkflowRequest struct {
	WorkflowType  string         `json:"workflow_type"`
	Goal          string         `json:"goal"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	UserContext   map[string]any `json:"user_context,omitempty"`
	EntityContext *EntityRef     `json:"entity_context,omitempty"`
}

// CompleteStepRequest completes the current step. Approval false abandons the run.
type CompleteStepRequest struct {
	Approval bool           `json:"approval"`
	Output   map[string]any `json:"output,omitempty"`
	Notes    string         `json:"notes,omitempty"`
}

// ToolCall is one tool invocation from a chat model.
type ToolCall struct {
	ToolName  string         `json:"tool_name"`
	CallID    string         `json:"call_id"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCallsRequest is one round of tool calls for one chat message.
type ToolCallsRequest struct {
	MessageID string         `json:"message_id,omitempty"`
	Round     int            `json:"round"`
	Context   map[string]any `json:"context,omitempty"`
	ToolCalls []ToolCall     `json:"tool_calls"`
}

// ToolError describes a failed call.
type ToolError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ToolCallResult is the outcome of one call. Data is left raw because its
// shape depends on the tool.
type ToolCallResult struct {
	CallID   string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	Status   string          `json:"status"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    *ToolError      `json:"error,omitempty"`
}

// OK reports whether the call succeeded.
func (r ToolCallResult) OK() bool { return r.Status == "ok" }

// InteractionEvent is an audit record of one AI exchange or draft transition.
type InteractionEvent struct {
	ID           uuid.UUID      `json:"id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	UserID       uuid.UUID      `json:"user_id"`
	Feature      string         `json:"feature"`
	Kind         string         `json:"kind"`
	Request      map[string]any `json:"request"`
	Response     map[string]any `json:"response"`
	LatencyMS    *int64         `json:"latency_ms,omitempty"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Entity       *EntityRef     `json:"entity,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ListEventsOptions filters ListEvents. Zero values are omitted.
type ListEventsOptions struct {
	Feature string
	Kind    string
	Status  string
	Since   time.Time
	Until   time.Time
	Limit   int
	Offset  int
}

// FeatureSummary aggregates events for one feature.
type FeatureSummary struct {
	Feature      string  `json:"feature"`
	Total        int     `json:"total"`
	Errors       int     `json:"errors"`
	Skips        int     `json:"skips"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// EventSummary is returned by EventSummary.
type EventSummary struct {
	Since    time.Time        `json:"since"`
	Features []FeatureSummary `json:"features"`
}

// HealthResponse is returned by Health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage string `json:"storage"`
	AI      string `json:"ai"`
	Uptime  int64  `json:"uptime_seconds"`
}

// DevIdentity is the identity a development server signs tokens for.
type DevIdentity struct {
	UserID      uuid.UUID `json:"user_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	Email       string    `json:"email,omitempty"`
	Role        Role      `json:"role"`
	Permissions []string  `json:"permissions,omitempty"`
}

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field"`
		Details struct {
			Kind string `json:"kind"`
		} `json:"details"`
	} `json:"error"`
}
