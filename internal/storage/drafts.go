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

const draftColumns = `id, tenant_id, user_id, action_type, status, input, output,
	entity_type, entity_id, reviewed_by, reviewed_at, rejection_reason,
	converted_by, converted_at, created_at, updated_at`

func scanDraft(row pgx.CollectableRow) (model.ActionDraft, error) {
	var (
		d          model.ActionDraft
		entityType *string
		entityID   *uuid.UUID
	)
	err := row.Scan(
		&d.ID, &d.TenantID, &d.UserID, &d.ActionType, &d.Status, &d.Input, &d.Output,
		&entityType, &entityID, &d.ReviewedBy, &d.ReviewedAt, &d.RejectionReason,
		&d.ConvertedBy, &d.ConvertedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	d.Entity = entityRef(entityType, entityID)
	return d, err
}

// CreateDraft inserts a new draft.
func (db *DB) CreateDraft(ctx context.Context, d model.ActionDraft) error {
	entityType, entityID := entityCols(d.Entity)
	_, err := db.pool.Exec(ctx,
		`INSERT INTO action_drafts (`+draftColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		d.ID, d.TenantID, d.UserID, string(d.ActionType), string(d.Status), d.Input, d.Output,
		entityType, entityID, d.ReviewedBy, d.ReviewedAt, d.RejectionReason,
		d.ConvertedBy, d.ConvertedAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return mapErr("create draft", "draft", d.ID, err)
	}
	return nil
}

// GetDraft returns a draft scoped to tenantID.
func (db *DB) GetDraft(ctx context.Context, tenantID, id uuid.UUID) (model.ActionDraft, error) {
	rows, _ := db.pool.Query(ctx,
		`SELECT `+draftColumns+` FROM action_drafts WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	d, err := pgx.CollectExactlyOneRow(rows, scanDraft)
	if err != nil {
		return model.ActionDraft{}, mapErr("get draft", "draft", id, err)
	}
	return d, nil
}

// ListDrafts returns a tenant's drafts, newest first.
func (db *DB) ListDrafts(ctx context.Context, tenantID uuid.UUID, f model.DraftFilter) ([]model.ActionDraft, error) {
	var (
		where = []string{"tenant_id = $1"}
		args  = []any{tenantID}
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.ActionType != "" {
		args = append(args, string(f.ActionType))
		where = append(where, fmt.Sprintf("action_type = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, max(f.Offset, 0))

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM action_drafts WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		draftColumns, strings.Join(where, " AND "), len(args)-1, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list drafts: %w", err)
	}
	drafts, err := pgx.CollectRows(rows, scanDraft)
	if err != nil {
		return nil, fmt.Errorf("storage: scan drafts: %w", err)
	}
	return drafts, nil
}

// UpdateDraft locks the draft row, runs fn on it and saves the result in the
// same transaction. Concurrent updates of one draft are serialized by the row
// lock. If fn fails the transaction is rolled back and fn's error returned.
func (db *DB) UpdateDraft(ctx context.Context, tenantID, id uuid.UUID, fn func(*model.ActionDraft) error) (model.ActionDraft, error) {
	var out model.ActionDraft
	err := WithRetry(ctx, db.retries, db.baseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		rows, _ := tx.Query(ctx,
			`SELECT `+draftColumns+` FROM action_drafts WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID)
		d, err := pgx.CollectExactlyOneRow(rows, scanDraft)
		if err != nil {
			return mapErr("lock draft", "draft", id, err)
		}
		if err := fn(&d); err != nil {
			return err
		}
		d.UpdatedAt = time.Now().UTC()

		entityType, entityID := entityCols(d.Entity)
		if _, err := tx.Exec(ctx,
			`UPDATE action_drafts SET status = $1, input = $2, output = $3, entity_type = $4, entity_id = $5,
			        reviewed_by = $6, reviewed_at = $7, rejection_reason = $8,
			        converted_by = $9, converted_at = $10, updated_at = $11
			 WHERE id = $12 AND tenant_id = $13`,
			string(d.Status), d.Input, d.Output, entityType, entityID,
			d.ReviewedBy, d.ReviewedAt, d.RejectionReason,
			d.ConvertedBy, d.ConvertedAt, d.UpdatedAt, id, tenantID,
		); err != nil {
			return fmt.Errorf("storage: update draft: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit draft: %w", err)
		}
		out = d
		return nil
	})
	return out, err
}

func entityCols(e *model.EntityRef) (*string, *uuid.UUID) {
	if e == nil {
		return nil, nil
	}
	return &e.Type, &e.ID
}

func entityRef(typ *string, id *uuid.UUID) *model.EntityRef {
	if typ == nil || id == nil {
		return nil
	}
	return &model.EntityRef{Type: *typ, ID: *id}
}
