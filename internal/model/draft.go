package model

import (
	"time"

	"github.com/google/uuid"
)

// ActionType is the closed set of mutations the AI layer can propose.
type ActionType string

const (
	ActionRFQDraft                ActionType = "rfq_draft"
	ActionSupplierOnboardingDraft ActionType = "supplier_onboarding_draft"
	ActionItemDraft               ActionType = "item_draft"
	ActionInvoiceDraft            ActionType = "invoice_draft"
	ActionInvoicePaymentDraft     ActionType = "invoice_payment_draft"
	ActionInvoiceDisputeDraft     ActionType = "invoice_dispute_draft"
)

// ActionTypes lists every ActionType in a stable order.
func ActionTypes() []ActionType {
	return []ActionType{
		ActionRFQDraft,
		ActionSupplierOnboardingDraft,
		ActionItemDraft,
		ActionInvoiceDraft,
		ActionInvoicePaymentDraft,
		ActionInvoiceDisputeDraft,
	}
}

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionRFQDraft, ActionSupplierOnboardingDraft, ActionItemDraft,
		ActionInvoiceDraft, ActionInvoicePaymentDraft, ActionInvoiceDisputeDraft:
		return true
	}
	return false
}

// DraftStatus is the lifecycle state of an ActionDraft.
type DraftStatus string

const (
	DraftPending   DraftStatus = "pending"
	DraftApproved  DraftStatus = "approved"
	DraftRejected  DraftStatus = "rejected"
	DraftConverted DraftStatus = "converted"
)

// Terminal reports whether no further transition is possible from s.
func (s DraftStatus) Terminal() bool {
	return s == DraftRejected || s == DraftConverted
}

// EntityRef points at a domain record, e.g. {"rfq", <uuid>}.
type EntityRef struct {
	Type string    `json:"entity_type"`
	ID   uuid.UUID `json:"entity_id"`
}

// Domain entity type names used in EntityRef.Type.
const (
	EntityRFQ      = "rfq"
	EntitySupplier = "supplier"
	EntityItem     = "item"
	EntityInvoice  = "invoice"
	EntityPayment  = "payment"
	EntityDispute  = "dispute"
)

// Citation is a source the AI service used to build a draft.
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

// DraftOutput is what the AI service (or a manual author) proposed.
type DraftOutput struct {
	Summary   string         `json:"summary"`
	Payload   map[string]any `json:"payload"`
	Citations []Citation     `json:"citations"`
}

// ActionDraft is an AI-proposed mutation awaiting human review.
// Entity is set exactly once, when the draft is converted.
type ActionDraft struct {
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

// DraftFilter narrows ListDrafts.
type DraftFilter struct {
	Status     DraftStatus
	ActionType ActionType
	Limit      int
	Offset     int
}

// ConvertResult is returned by convert. AlreadyConverted is true when the
// draft had been converted before and no side effects ran.
type ConvertResult struct {
	Draft            ActionDraft `json:"draft"`
	Entity           EntityRef   `json:"entity"`
	AlreadyConverted bool        `json:"already_converted"`
}
