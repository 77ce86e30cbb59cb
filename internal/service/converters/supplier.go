package converters

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobai/internal/model"
)

// SupplierStore is the storage the supplier converter needs.
type SupplierStore interface {
	FindSupplier(ctx context.Context, tenantID uuid.UUID, name, email string) (model.Supplier, error)
	GetSupplier(ctx context.Context, tenantID, id uuid.UUID) (model.Supplier, error)
	SaveSupplier(ctx context.Context, sup model.Supplier, tasks []model.SupplierDocumentTask, replaceTasks bool) (model.Supplier, error)
}

type supplierPayload struct {
	Name                 string    `json:"name"`
	Email                *string   `json:"email"`
	Phone                *string   `json:"phone"`
	Status               *string   `json:"status"`
	Categories           *[]string `json:"categories"`
	DocumentRequirements *[]struct {
		DocumentType string     `json:"document_type"`
		DueAt        *time.Time `json:"due_at"`
		Notes        string     `json:"notes"`
	} `json:"document_requirements"`
}

// SupplierConverter creates or updates a supplier and its outstanding
// onboarding document tasks.
type SupplierConverter struct {
	store SupplierStore
}

// NewSupplierConverter creates a SupplierConverter.
func NewSupplierConverter(store SupplierStore) *SupplierConverter {
	return &SupplierConverter{store: store}
}

func (c *SupplierConverter) ActionType() model.ActionType { return model.ActionSupplierOnboardingDraft }

func (c *SupplierConverter) NaturalKey() string { return "name or email" }

func (c *SupplierConverter) Convert(ctx context.Context, draft model.ActionDraft, _ model.Actor) (model.EntityRef, error) {
	var p supplierPayload
	if err := decode(draft.Output.Payload, &p); err != nil {
		return model.EntityRef{}, err
	}

	email := ""
	if p.Email != nil {
		email = *p.Email
	}
	sup, err := c.store.FindSupplier(ctx, draft.TenantID, p.Name, email)
	switch {
	case errors.Is(err, model.ErrNotFound):
		sup = model.Supplier{ID: uuid.New(), TenantID: draft.TenantID, Status: "onboarding"}
	case err != nil:
		return model.EntityRef{}, err
	}

	// Absent fields keep the stored value.
	sup.Name = p.Name
	if p.Email != nil {
		sup.Email = *p.Email
	}
	if p.Phone != nil {
		sup.Phone = *p.Phone
	}
	if p.Status != nil {
		sup.Status = *p.Status
	}
	if p.Categories != nil {
		sup.Categories = *p.Categories
	}

	var tasks []model.SupplierDocumentTask
	replace := p.DocumentRequirements != nil
	if replace {
		for _, req := range *p.DocumentRequirements {
			tasks = append(tasks, model.SupplierDocumentTask{
				DocumentType:  req.DocumentType,
				DueAt:         req.DueAt,
				Notes:         req.Notes,
				SourceDraftID: draft.ID,
			})
		}
	}

	saved, err := c.store.SaveSupplier(ctx, sup, tasks, replace)
	if err != nil {
		return model.EntityRef{}, err
	}
	return model.EntityRef{Type: model.EntitySupplier, ID: saved.ID}, nil
}

// resolveSupplier finds a supplier by id when ref parses as a UUID, otherwise
// by name.
func resolveSupplier(ctx context.Context, store SupplierStore, tenantID uuid.UUID, ref string) (model.Supplier, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return store.GetSupplier(ctx, tenantID, id)
	}
	return store.FindSupplier(ctx, tenantID, ref, "")
}
