package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobai/internal/model"
)

// InsertInteractionEvent appends an event.
func (s *Store) InsertInteractionEvent(_ context.Context, e model.InteractionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, e)
	return nil
}

// ListInteractionEvents returns a tenant's events, newest first.
func (s *Store) ListInteractionEvents(_ context.Context, tenantID uuid.UUID, f model.EventFilter) ([]model.InteractionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.InteractionEvent
	for _, e := range s.events {
		if e.TenantID != tenantID {
			continue
		}
		if f.Feature != "" && e.Feature != f.Feature {
			continue
		}
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Since != nil && e.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && !e.CreatedAt.Before(*f.Until) {
			continue
		}
		out = append(out, e)
	}
	slices.Reverse(out)
	return page(out, f.Offset, f.Limit), nil
}

// SummarizeInteractionEvents aggregates a tenant's events per feature.
func (s *Store) SummarizeInteractionEvents(_ context.Context, tenantID uuid.UUID, since time.Time) ([]model.EventSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type acc struct {
		model.EventSummary
		latencySum   int64
		latencyCount int64
	}
	byFeature := map[string]*acc{}
	for _, e := range s.events {
		if e.TenantID != tenantID || e.CreatedAt.Before(since) {
			continue
		}
		a, ok := byFeature[e.Feature]
		if !ok {
			a = &acc{EventSummary: model.EventSummary{Feature: e.Feature}}
			byFeature[e.Feature] = a
		}
		a.Total++
		if e.Status == model.StatusError {
			a.Errors++
		}
		if e.Kind == model.EventCircuitSkip {
			a.Skips++
		}
		if e.LatencyMS != nil {
			a.latencySum += *e.LatencyMS
			a.latencyCount++
		}
	}

	out := make([]model.EventSummary, 0, len(byFeature))
	for _, a := range byFeature {
		if a.latencyCount > 0 {
			a.AvgLatencyMS = float64(a.latencySum) / float64(a.latencyCount)
		}
		out = append(out, a.EventSummary)
	}
	slices.SortFunc(out, func(a, b model.EventSummary) int { return cmp.Compare(a.Feature, b.Feature) })
	return out, nil
}

// Events returns a copy of every recorded event. Test helper.
func (s *Store) Events() []model.InteractionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}

// GetTenantSettings returns a tenant's AI settings.
func (s *Store) GetTenantSettings(_ context.Context, tenantID uuid.UUID) (model.TenantSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.settings[tenantID]
	if !ok {
		return model.TenantSettings{}, notFound("tenant settings", tenantID)
	}
	return ts, nil
}

// UpsertTenantSettings replaces a tenant's AI settings.
func (s *Store) UpsertTenantSettings(_ context.Context, ts model.TenantSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts.UpdatedAt = time.Now().UTC()
	s.settings[ts.TenantID] = ts
	return nil
}
