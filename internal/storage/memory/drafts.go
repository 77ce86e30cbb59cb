package memory

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobai/internal/model"
)

// CreateDraft stores a new draft.
func (s *Store) CreateDraft(_ context.Context, d model.ActionDraft) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.drafts[d.ID]; exists {
		return conflict("draft %s already exists", d.ID)
	}
	s.drafts[d.ID] = cloneDraft(d)
	return nil
}

// GetDraft returns a tenant's draft.
func (s *Store) GetDraft(_ context.Context, tenantID, id uuid.UUID) (model.ActionDraft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.drafts[id]
	if !ok || d.TenantID != tenantID {
		return model.ActionDraft{}, notFound("draft", id)
	}
	return cloneDraft(d), nil
}

// ListDrafts returns a tenant's drafts, newest first.
func (s *Store) ListDrafts(_ context.Context, tenantID uuid.UUID, f model.DraftFilter) ([]model.ActionDraft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ActionDraft
	for _, d := range s.drafts {
		if d.TenantID != tenantID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.ActionType != "" && d.ActionType != f.ActionType {
			continue
		}
		out = append(out, cloneDraft(d))
	}
	slices.SortFunc(out, func(a, b model.ActionDraft) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return page(out, f.Offset, f.Limit), nil
}

// UpdateDraft runs fn on the current draft while holding the draft's lock and
// saves the result. If fn fails nothing is saved.
func (s *Store) UpdateDraft(ctx context.Context, tenantID, id uuid.UUID, fn func(*model.ActionDraft) error) (model.ActionDraft, error) {
	unlock := s.lock(id)
	defer unlock()

	d, err := s.GetDraft(ctx, tenantID, id)
	if err != nil {
		return model.ActionDraft{}, err
	}
	if err := fn(&d); err != nil {
		return model.ActionDraft{}, err
	}
	d.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	s.drafts[id] = cloneDraft(d)
	s.mu.Unlock()
	return d, nil
}

// cloneDraft copies everything reachable from d, so stored drafts never share
// maps or pointers with callers.
func cloneDraft(d model.ActionDraft) model.ActionDraft {
	d.Input.Inputs = cloneMap(d.Input.Inputs)
	d.Input.UserContext = cloneMap(d.Input.UserContext)
	d.Input.Filters = cloneMap(d.Input.Filters)
	d.Input.TopK = clonePtr(d.Input.TopK)
	d.Input.EntityContext = clonePtr(d.Input.EntityContext)
	d.Output.Payload = cloneMap(d.Output.Payload)
	d.Output.Citations = slices.Clone(d.Output.Citations)
	d.Entity = clonePtr(d.Entity)
	d.ReviewedBy = clonePtr(d.ReviewedBy)
	d.ReviewedAt = clonePtr(d.ReviewedAt)
	d.ConvertedBy = clonePtr(d.ConvertedBy)
	d.ConvertedAt = clonePtr(d.ConvertedAt)
	return d
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, e := range t {
			out[i] = cloneMap(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	}
	return v
}

func page[T any](items []T, offset, limit int) []T {
	if offset > len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
