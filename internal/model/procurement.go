package model

import (
	"time"

	"github.com/google/uuid"
)

// TenantSettings are the per-tenant AI switches. They are resolved server side
// and never accepted from callers.
type TenantSettings struct {
	TenantID     uuid.UUID      `json:"tenant_id"`
	AIEnabled    bool           `json:"ai_enabled"`
	LLMProvider  string         `json:"llm_provider,omitempty"`
	FeatureFlags map[string]any `json:"feature_flags,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Supplier is a vendor the tenant buys from.
type Supplier struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Status     string    `json:"status"`
	Categories []string  `json:"categories,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SupplierDocumentTask is an onboarding document the supplier still owes.
type SupplierDocumentTask struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	SupplierID    uuid.UUID  `json:"supplier_id"`
	DocumentType  string     `json:"document_type"`
	DueAt         *time.Time `json:"due_at,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	SourceDraftID uuid.UUID  `json:"source_draft_id"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Item is a catalog entry keyed by ItemCode within a tenant.
type Item struct {
	ID                   uuid.UUID   `json:"id"`
	TenantID             uuid.UUID   `json:"tenant_id"`
	ItemCode             string      `json:"item_code"`
	Name                 string      `json:"name"`
	Description          string      `json:"description,omitempty"`
	UOM                  string      `json:"uom,omitempty"`
	Category             string      `json:"category,omitempty"`
	UnitPrice            *float64    `json:"unit_price,omitempty"`
	PreferredSupplierIDs []uuid.UUID `json:"preferred_supplier_ids"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// RFQ is a request for quotation.
type RFQ struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	Title         string     `json:"title"`
	Status        string     `json:"status"`
	DueAt         *time.Time `json:"due_at,omitempty"`
	SourceDraftID uuid.UUID  `json:"source_draft_id"`
	CreatedBy     uuid.UUID  `json:"created_by"`
	Lines         []RFQLine  `json:"lines"`
	CreatedAt     time.Time  `json:"created_at"`
}

// RFQLine is one requested item on an RFQ.
type RFQLine struct {
	LineNo      int     `json:"line_no"`
	ItemCode    string  `json:"item_code,omitempty"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UOM         string  `json:"uom,omitempty"`
}

// Invoice statuses.
const (
	InvoiceOpen     = "open"
	InvoicePaid     = "paid"
	InvoiceDisputed = "disputed"
)

// Invoice is a supplier bill, unique by (supplier, invoice number).
type Invoice struct {
	ID            uuid.UUID     `json:"id"`
	TenantID      uuid.UUID     `json:"tenant_id"`
	SupplierID    uuid.UUID     `json:"supplier_id"`
	InvoiceNumber string        `json:"invoice_number"`
	Currency      string        `json:"currency"`
	Total         float64       `json:"total"`
	Status        string        `json:"status"`
	DueDate       *time.Time    `json:"due_date,omitempty"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
	SourceDraftID uuid.UUID     `json:"source_draft_id"`
	Lines         []InvoiceLine `json:"lines"`
	CreatedAt     time.Time     `json:"created_at"`
}

// InvoiceLine is one billed line.
type InvoiceLine struct {
	LineNo      int     `json:"line_no"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount"`
}

// Payment settles an invoice, unique by (invoice, reference).
type Payment struct {
	ID            uuid.UUID `json:"id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	InvoiceID     uuid.UUID `json:"invoice_id"`
	Reference     string    `json:"reference"`
	Amount        float64   `json:"amount"`
	Method        string    `json:"method,omitempty"`
	PaidAt        time.Time `json:"paid_at"`
	SourceDraftID uuid.UUID `json:"source_draft_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Dispute contests an invoice.
type Dispute struct {
	ID            uuid.UUID `json:"id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	InvoiceID     uuid.UUID `json:"invoice_id"`
	Reason        string    `json:"reason"`
	Status        string    `json:"status"`
	SourceDraftID uuid.UUID `json:"source_draft_id"`
	CreatedBy     uuid.UUID `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}
