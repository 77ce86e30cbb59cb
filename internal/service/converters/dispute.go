package converters

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobai/internal/model"
)

// DisputeStore is the storage the dispute converter needs. CreateDispute must
// insert the dispute and mark the invoice disputed atomically.
type DisputeStore interface {
	InvoiceLookup
	FindDisputeBySourceDraft(ctx context.Context, tenantID, draftID uuid.UUID) (model.Dispute, error)
	CreateDispute(ctx context.Context, d model.Dispute) (model.Dispute, error)
}

type disputePayload struct {
	InvoiceID     string `json:"invoice_id"`
	InvoiceNumber string `json:"invoice_number"`
	Reason        string `json:"reason"`
}

// DisputeConverter opens a dispute on an invoice.
type DisputeConverter struct {
	store DisputeStore
}

// NewDisputeConverter creates a DisputeConverter.
func NewDisputeConverter(store DisputeStore) *DisputeConverter {
	return &DisputeConverter{store: store}
}

func (c *DisputeConverter) ActionType() model.ActionType { return model.ActionInvoiceDisputeDraft }

func (c *DisputeConverter) NaturalKey() string { return "source_draft_id" }

func (c *DisputeConverter) Convert(ctx context.Context, draft model.ActionDraft, actor model.Actor) (model.EntityRef, error) {
	existing, err := c.store.FindDisputeBySourceDraft(ctx, draft.TenantID, draft.ID)
	if err == nil {
		return model.EntityRef{Type: model.EntityDispute, ID: existing.ID}, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.EntityRef{}, err
	}

	var p disputePayload
	if err := decode(draft.Output.Payload, &p); err != nil {
		return model.EntityRef{}, err
	}
	inv, err := resolveInvoice(ctx, c.store, draft.TenantID, p.InvoiceID, p.InvoiceNumber)
	if err != nil {
		return model.EntityRef{}, err
	}

	d, err := c.store.CreateDispute(ctx, model.Dispute{
		TenantID:      draft.TenantID,
		InvoiceID:     inv.ID,
		Reason:        p.Reason,
		Status:        "open",
		SourceDraftID: draft.ID,
		CreatedBy:     actor.UserID,
	})
	if err != nil {
		return model.EntityRef{}, err
	}
	return model.EntityRef{Type: model.EntityDispute, ID: d.ID}, nil
}
