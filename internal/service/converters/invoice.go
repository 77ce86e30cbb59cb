package converters

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobai/internal/model"
)

// InvoiceLookup resolves invoice references.
type InvoiceLookup interface {
	GetInvoice(ctx context.Context, tenantID, id uuid.UUID) (model.Invoice, error)
	FindInvoicesByNumber(ctx context.Context, tenantID uuid.UUID, number string) ([]model.Invoice, error)
}

// InvoiceStore is the storage the invoice converter needs.
type InvoiceStore interface {
	SupplierStore
	InvoiceLookup
	FindInvoiceBySupplierNumber(ctx context.Context, tenantID, supplierID uuid.UUID, number string) (model.Invoice, error)
	CreateInvoice(ctx context.Context, inv model.Invoice) (model.Invoice, error)
}

type invoicePayload struct {
	SupplierID    string     `json:"supplier_id"`
	SupplierName  string     `json:"supplier_name"`
	InvoiceNumber string     `json:"invoice_number"`
	Currency      string     `json:"currency"`
	DueDate       *time.Time `json:"due_date"`
	Total         *float64   `json:"total"`
	Lines         []struct {
		Description string  `json:"description"`
		Quantity    float64 `json:"quantity"`
		UnitPrice   float64 `json:"unit_price"`
	} `json:"lines"`
}

const defaultCurrency = "USD"

// InvoiceConverter records a supplier invoice with its lines.
type InvoiceConverter struct {
	store InvoiceStore
}

// NewInvoiceConverter creates an InvoiceConverter.
func NewInvoiceConverter(store InvoiceStore) *InvoiceConverter {
	return &InvoiceConverter{store: store}
}

func (c *InvoiceConverter) ActionType() model.ActionType { return model.ActionInvoiceDraft }

func (c *InvoiceConverter) NaturalKey() string { return "supplier + invoice_number" }

func (c *InvoiceConverter) Convert(ctx context.Context, draft model.ActionDraft, _ model.Actor) (model.EntityRef, error) {
	var p invoicePayload
	if err := decode(draft.Output.Payload, &p); err != nil {
		return model.EntityRef{}, err
	}

	field, ref := "payload.supplier_id", p.SupplierID
	if ref == "" {
		field, ref = "payload.supplier_name", p.SupplierName
	}
	sup, err := resolveSupplier(ctx, c.store, draft.TenantID, ref)
	if errors.Is(err, model.ErrNotFound) {
		return model.EntityRef{}, model.NewValidationError(field, "supplier %q not found", ref)
	}
	if err != nil {
		return model.EntityRef{}, err
	}

	existing, err := c.store.FindInvoiceBySupplierNumber(ctx, draft.TenantID, sup.ID, p.InvoiceNumber)
	if err == nil {
		return model.EntityRef{Type: model.EntityInvoice, ID: existing.ID}, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.EntityRef{}, err
	}

	inv := model.Invoice{
		TenantID:      draft.TenantID,
		SupplierID:    sup.ID,
		InvoiceNumber: p.InvoiceNumber,
		Currency:      p.Currency,
		DueDate:       p.DueDate,
		Status:        model.InvoiceOpen,
		SourceDraftID: draft.ID,
		Lines:         make([]model.InvoiceLine, len(p.Lines)),
	}
	if inv.Currency == "" {
		inv.Currency = defaultCurrency
	}
	var sum float64
	for i, l := range p.Lines {
		amount := roundCents(l.Quantity * l.UnitPrice)
		sum += amount
		inv.Lines[i] = model.InvoiceLine{
			LineNo:      i + 1,
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			Amount:      amount,
		}
	}
	inv.Total = roundCents(sum)
	if p.Total != nil {
		inv.Total = *p.Total
	}

	created, err := c.store.CreateInvoice(ctx, inv)
	if err != nil {
		return model.EntityRef{}, err
	}
	return model.EntityRef{Type: model.EntityInvoice, ID: created.ID}, nil
}

func roundCents(v float64) float64 { return math.Round(v*100) / 100 }

// resolveInvoice finds the invoice a payment or dispute refers to. An id wins
// over a number; a number shared by several suppliers is ambiguous.
func resolveInvoice(ctx context.Context, store InvoiceLookup, tenantID uuid.UUID, id, number string) (model.Invoice, error) {
	if id != "" {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return model.Invoice{}, model.NewValidationError("payload.invoice_id", "is not a valid UUID")
		}
		inv, err := store.GetInvoice(ctx, tenantID, parsed)
		if errors.Is(err, model.ErrNotFound) {
			return model.Invoice{}, model.NewValidationError("payload.invoice_id", "invoice %s not found", id)
		}
		return inv, err
	}

	matches, err := store.FindInvoicesByNumber(ctx, tenantID, number)
	if err != nil {
		return model.Invoice{}, err
	}
	switch len(matches) {
	case 0:
		return model.Invoice{}, model.NewValidationError("payload.invoice_number", "invoice %q not found", number)
	case 1:
		return matches[0], nil
	default:
		return model.Invoice{}, model.NewValidationError("payload.invoice_number",
			"invoice number %q matches %d invoices; use invoice_id", number, len(matches))
	}
}
