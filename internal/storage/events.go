package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kobai/internal/model"
)

const eventColumns = `id, tenant_id, user_id, feature, kind, request, response, latency_ms,
	status, error_message, entity_type, entity_id, created_at`

// InsertInteractionEvent appends one interaction event.
func (db *DB) InsertInteractionEvent(ctx context.Context, e model.InteractionEvent) error {
	entityType, entityID := entityCols(e.Entity)
	_, err := db.pool.Exec(ctx,
		`INSERT INTO ai_interaction_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.TenantID, e.UserID, e.Feature, string(e.Kind), jsonMap(e.Request), jsonMap(e.Response),
		e.LatencyMS, string(e.Status), e.ErrorMessage, entityType, entityID, e.CreatedAt,
	)
	if err != nil {
		return mapErr("insert interaction event", "interaction event", e.ID, err)
	}
	return nil
}

// ListInteractionEvents returns a tenant's events, newest first.
func (db *DB) ListInteractionEvents(ctx context.Context, tenantID uuid.UUID, f model.EventFilter) ([]model.InteractionEvent, error) {
	var (
		where = []string{"tenant_id = $1"}
		args  = []any{tenantID}
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Feature != "" {
		add("feature = $%d", f.Feature)
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("created_at < $%d", *f.Until)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, max(f.Offset, 0))

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM ai_interaction_events WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		eventColumns, strings.Join(where, " AND "), len(args)-1, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list interaction events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.InteractionEvent, error) {
		var (
			e          model.InteractionEvent
			entityType *string
			entityID   *uuid.UUID
		)
		err := row.Scan(
			&e.ID, &e.TenantID, &e.UserID, &e.Feature, &e.Kind, &e.Request, &e.Response, &e.LatencyMS,
			&e.Status, &e.ErrorMessage, &entityType, &entityID, &e.CreatedAt,
		)
		e.Entity = entityRef(entityType, entityID)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan interaction events: %w", err)
	}
	return events, nil
}

// SummarizeInteractionEvents aggregates a tenant's events since the given
// time, one row per feature.
func (db *DB) SummarizeInteractionEvents(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]model.EventSummary, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT feature,
		        COUNT(*)::int,
		        COUNT(*) FILTER (WHERE status = 'error')::int,
		        COUNT(*) FILTER (WHERE kind = 'circuit_skip')::int,
		        COALESCE(AVG(latency_ms), 0)::float8
		 FROM ai_interaction_events
		 WHERE tenant_id = $1 AND created_at >= $2
		 GROUP BY feature
		 ORDER BY feature`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("storage: summarize interaction events: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.EventSummary, error) {
		var s model.EventSummary
		err := row.Scan(&s.Feature, &s.Total, &s.Errors, &s.Skips, &s.AvgLatencyMS)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan event summary: %w", err)
	}
	return out, nil
}

// GetTenantSettings returns a tenant's AI settings.
func (db *DB) GetTenantSettings(ctx context.Context, tenantID uuid.UUID) (model.TenantSettings, error) {
	var ts model.TenantSettings
	err := db.pool.QueryRow(ctx,
		`SELECT tenant_id, ai_enabled, llm_provider, feature_flags, updated_at
		 FROM tenant_ai_settings WHERE tenant_id = $1`, tenantID,
	).Scan(&ts.TenantID, &ts.AIEnabled, &ts.LLMProvider, &ts.FeatureFlags, &ts.UpdatedAt)
	if err != nil {
		return model.TenantSettings{}, mapErr("get tenant settings", "tenant settings", tenantID, err)
	}
	return ts, nil
}

// UpsertTenantSettings replaces a tenant's AI settings.
func (db *DB) UpsertTenantSettings(ctx context.Context, ts model.TenantSettings) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tenant_ai_settings (tenant_id, ai_enabled, llm_provider, feature_flags, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (tenant_id) DO UPDATE
		 SET ai_enabled = EXCLUDED.ai_enabled, llm_provider = EXCLUDED.llm_provider,
		     feature_flags = EXCLUDED.feature_flags, updated_at = now()`,
		ts.TenantID, ts.AIEnabled, ts.LLMProvider, jsonMap(ts.FeatureFlags),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert tenant settings: %w", err)
	}
	return nil
}
