package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kobai/internal/model"
)

const runColumns = `id, tenant_id, user_id, workflow_type, entity_type, entity_id, goal,
	inputs, user_context, current_step, status, steps, created_at, updated_at`

func scanRun(row pgx.CollectableRow) (model.WorkflowRun, error) {
	var (
		r          model.WorkflowRun
		entityType *string
		entityID   *uuid.UUID
	)
	err := row.Scan(
		&r.ID, &r.TenantID, &r.UserID, &r.WorkflowType, &entityType, &entityID, &r.Goal,
		&r.Inputs, &r.UserContext, &r.CurrentStep, &r.Status, &r.Steps, &r.CreatedAt, &r.UpdatedAt,
	)
	r.Entity = entityRef(entityType, entityID)
	return r, err
}

// CreateWorkflowRun inserts a new run. Steps are stored as one JSONB array.
func (db *DB) CreateWorkflowRun(ctx context.Context, run model.WorkflowRun) error {
	entityType, entityID := entityCols(run.Entity)
	_, err := db.pool.Exec(ctx,
		`INSERT INTO workflow_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		run.ID, run.TenantID, run.UserID, run.WorkflowType, entityType, entityID, run.Goal,
		jsonMap(run.Inputs), jsonMap(run.UserContext), run.CurrentStep, string(run.Status), run.Steps,
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return mapErr("create workflow run", "workflow run", run.ID, err)
	}
	return nil
}

// GetWorkflowRun returns a run scoped to tenantID.
func (db *DB) GetWorkflowRun(ctx context.Context, tenantID, id uuid.UUID) (model.WorkflowRun, error) {
	rows, _ := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	run, err := pgx.CollectExactlyOneRow(rows, scanRun)
	if err != nil {
		return model.WorkflowRun{}, mapErr("get workflow run", "workflow run", id, err)
	}
	return run, nil
}

// UpdateWorkflowRun locks the run row, runs fn on it and saves the result in
// the same transaction. If fn fails nothing is saved.
func (db *DB) UpdateWorkflowRun(ctx context.Context, tenantID, id uuid.UUID, fn func(*model.WorkflowRun) error) (model.WorkflowRun, error) {
	var out model.WorkflowRun
	err := WithRetry(ctx, db.retries, db.baseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		rows, _ := tx.Query(ctx,
			`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID)
		run, err := pgx.CollectExactlyOneRow(rows, scanRun)
		if err != nil {
			return mapErr("lock workflow run", "workflow run", id, err)
		}
		if err := fn(&run); err != nil {
			return err
		}
		run.UpdatedAt = time.Now().UTC()

		if _, err := tx.Exec(ctx,
			`UPDATE workflow_runs SET current_step = $1, status = $2, steps = $3, updated_at = $4
			 WHERE id = $5 AND tenant_id = $6`,
			run.CurrentStep, string(run.Status), run.Steps, run.UpdatedAt, id, tenantID,
		); err != nil {
			return fmt.Errorf("storage: update workflow run: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit workflow run: %w", err)
		}
		out = run
		return nil
	})
	return out, err
}

// jsonMap turns a nil map into an empty one so NOT NULL JSONB columns get {}.
func jsonMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
