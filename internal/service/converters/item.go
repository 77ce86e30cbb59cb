package converters

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobai/internal/model"
)

// ItemStore is the storage the item converter needs.
type ItemStore interface {
	SupplierStore
	GetItemByCode(ctx context.Context, tenantID uuid.UUID, code string) (model.Item, error)
	SaveItem(ctx context.Context, item model.Item) (model.Item, error)
}

type itemPayload struct {
	ItemCode           string    `json:"item_code"`
	Name               *string   `json:"name"`
	Description        *string   `json:"description"`
	UOM                *string   `json:"uom"`
	Category           *string   `json:"category"`
	UnitPrice          *float64  `json:"unit_price"`
	PreferredSuppliers *[]string `json:"preferred_suppliers"`
}

// ItemConverter creates or updates a catalog item. A supplied preferred
// supplier list replaces the stored one.
type ItemConverter struct {
	store ItemStore
}

// NewItemConverter creates an ItemConverter.
func NewItemConverter(store ItemStore) *ItemConverter { return &ItemConverter{store: store} }

func (c *ItemConverter) ActionType() model.ActionType { return model.ActionItemDraft }

func (c *ItemConverter) NaturalKey() string { return "item_code" }

func (c *ItemConverter) Convert(ctx context.Context, draft model.ActionDraft, _ model.Actor) (model.EntityRef, error) {
	var p itemPayload
	if err := decode(draft.Output.Payload, &p); err != nil {
		return model.EntityRef{}, err
	}

	item, err := c.store.GetItemByCode(ctx, draft.TenantID, p.ItemCode)
	switch {
	case errors.Is(err, model.ErrNotFound):
		item = model.Item{TenantID: draft.TenantID, ItemCode: p.ItemCode, Name: p.ItemCode}
	case err != nil:
		return model.EntityRef{}, err
	}

	if p.Name != nil {
		item.Name = *p.Name
	}
	if p.Description != nil {
		item.Description = *p.Description
	}
	if p.UOM != nil {
		item.UOM = *p.UOM
	}
	if p.Category != nil {
		item.Category = *p.Category
	}
	if p.UnitPrice != nil {
		price := *p.UnitPrice
		item.UnitPrice = &price
	}
	if p.PreferredSuppliers != nil {
		ids, err := c.resolvePreferred(ctx, draft.TenantID, *p.PreferredSuppliers)
		if err != nil {
			return model.EntityRef{}, err
		}
		item.PreferredSupplierIDs = ids
	}

	saved, err := c.store.SaveItem(ctx, item)
	if err != nil {
		return model.EntityRef{}, err
	}
	return model.EntityRef{Type: model.EntityItem, ID: saved.ID}, nil
}

// resolvePreferred maps supplier ids or names to ids, keeping first-seen order
// and dropping duplicates.
func (c *ItemConverter) resolvePreferred(ctx context.Context, tenantID uuid.UUID, refs []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(refs))
	for i, ref := range refs {
		sup, err := resolveSupplier(ctx, c.store, tenantID, ref)
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.NewValidationError(fmt.Sprintf("payload.preferred_suppliers.%d", i), "supplier %q not found", ref)
		}
		if err != nil {
			return nil, err
		}
		if !slices.Contains(ids, sup.ID) {
			ids = append(ids, sup.ID)
		}
	}
	return ids, nil
}
