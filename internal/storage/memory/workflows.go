package memory

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobai/internal/model"
)

// CreateWorkflowRun stores a new run.
func (s *Store) CreateWorkflowRun(_ context.Context, run model.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return conflict("workflow run %s already exists", run.ID)
	}
	run.Steps = slices.Clone(run.Steps)
	s.runs[run.ID] = run
	return nil
}

// GetWorkflowRun returns a tenant's run.
func (s *Store) GetWorkflowRun(_ context.Context, tenantID, id uuid.UUID) (model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok || run.TenantID != tenantID {
		return model.WorkflowRun{}, notFound("workflow run", id)
	}
	run.Steps = slices.Clone(run.Steps)
	return run, nil
}

// UpdateWorkflowRun runs fn on the current run while holding the run's lock.
func (s *Store) UpdateWorkflowRun(ctx context.Context, tenantID, id uuid.UUID, fn func(*model.WorkflowRun) error) (model.WorkflowRun, error) {
	unlock := s.lock(id)
	defer unlock()

	run, err := s.GetWorkflowRun(ctx, tenantID, id)
	if err != nil {
		return model.WorkflowRun{}, err
	}
	if err := fn(&run); err != nil {
		return model.WorkflowRun{}, err
	}
	run.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	s.runs[id] = run
	s.mu.Unlock()

	run.Steps = slices.Clone(run.Steps)
	return run, nil
}
