package converters

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobai/internal/model"
)

// PaymentStore is the storage the payment converter needs. RecordPayment must
// insert the payment and mark the invoice paid atomically.
type PaymentStore interface {
	InvoiceLookup
	FindPayment(ctx context.Context, tenantID, invoiceID uuid.UUID, reference string) (model.Payment, error)
	RecordPayment(ctx context.Context, p model.Payment) (model.Payment, error)
}

type paymentPayload struct {
	InvoiceID     string     `json:"invoice_id"`
	InvoiceNumber string     `json:"invoice_number"`
	Reference     string     `json:"reference"`
	Amount        float64    `json:"amount"`
	Method        string     `json:"method"`
	PaidAt        *time.Time `json:"paid_at"`
}

// PaymentConverter records a payment against an invoice.
type PaymentConverter struct {
	store PaymentStore
	now   func() time.Time
}

// NewPaymentConverter creates a PaymentConverter.
func NewPaymentConverter(store PaymentStore) *PaymentConverter {
	return &PaymentConverter{store: store, now: time.Now}
}

func (c *PaymentConverter) ActionType() model.ActionType { return model.ActionInvoicePaymentDraft }

func (c *PaymentConverter) NaturalKey() string { return "invoice + reference" }

func (c *PaymentConverter) Convert(ctx context.Context, draft model.ActionDraft, _ model.Actor) (model.EntityRef, error) {
	var p paymentPayload
	if err := decode(draft.Output.Payload, &p); err != nil {
		return model.EntityRef{}, err
	}

	inv, err := resolveInvoice(ctx, c.store, draft.TenantID, p.InvoiceID, p.InvoiceNumber)
	if err != nil {
		return model.EntityRef{}, err
	}

	existing, err := c.store.FindPayment(ctx, draft.TenantID, inv.ID, p.Reference)
	if err == nil {
		return model.EntityRef{Type: model.EntityPayment, ID: existing.ID}, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.EntityRef{}, err
	}

	paidAt := c.now().UTC()
	if p.PaidAt != nil {
		paidAt = p.PaidAt.UTC()
	}
	recorded, err := c.store.RecordPayment(ctx, model.Payment{
		TenantID:      draft.TenantID,
		InvoiceID:     inv.ID,
		Reference:     p.Reference,
		Amount:        p.Amount,
		Method:        p.Method,
		PaidAt:        paidAt,
		SourceDraftID: draft.ID,
	})
	if err != nil {
		return model.EntityRef{}, err
	}
	return model.EntityRef{Type: model.EntityPayment, ID: recorded.ID}, nil
}
