package converters

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobai/internal/model"
)

// RFQStore is the storage the RFQ converter needs.
type RFQStore interface {
	FindRFQBySourceDraft(ctx context.Context, tenantID, draftID uuid.UUID) (model.RFQ, error)
	CreateRFQ(ctx context.Context, rfq model.RFQ) (model.RFQ, error)
}

type rfqPayload struct {
	Title string     `json:"title"`
	DueAt *time.Time `json:"due_at"`
	Lines []struct {
		ItemCode    string  `json:"item_code"`
		Description string  `json:"description"`
		Quantity    float64 `json:"quantity"`
		UOM         string  `json:"uom"`
	} `json:"lines"`
}

// RFQConverter creates a draft-status RFQ with its lines.
type RFQConverter struct {
	store RFQStore
}

// NewRFQConverter creates an RFQConverter.
func NewRFQConverter(store RFQStore) *RFQConverter { return &RFQConverter{store: store} }

func (c *RFQConverter) ActionType() model.ActionType { return model.ActionRFQDraft }

func (c *RFQConverter) NaturalKey() string { return "source_draft_id" }

func (c *RFQConverter) Convert(ctx context.Context, draft model.ActionDraft, actor model.Actor) (model.EntityRef, error) {
	existing, err := c.store.FindRFQBySourceDraft(ctx, draft.TenantID, draft.ID)
	if err == nil {
		return model.EntityRef{Type: model.EntityRFQ, ID: existing.ID}, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.EntityRef{}, err
	}

	var p rfqPayload
	if err := decode(draft.Output.Payload, &p); err != nil {
		return model.EntityRef{}, err
	}

	rfq := model.RFQ{
		TenantID:      draft.TenantID,
		Title:         p.Title,
		Status:        "draft",
		DueAt:         p.DueAt,
		SourceDraftID: draft.ID,
		CreatedBy:     actor.UserID,
		Lines:         make([]model.RFQLine, len(p.Lines)),
	}
	for i, l := range p.Lines {
		rfq.Lines[i] = model.RFQLine{
			LineNo:      i + 1,
			ItemCode:    l.ItemCode,
			Description: l.Description,
			Quantity:    l.Quantity,
			UOM:         l.UOM,
		}
	}
	created, err := c.store.CreateRFQ(ctx, rfq)
	if err != nil {
		return model.EntityRef{}, err
	}
	return model.EntityRef{Type: model.EntityRFQ, ID: created.ID}, nil
}
