// Package workflows chains action drafts into multi-step approval workflows.
//
// A run walks its template's steps in order. Only the step at the cursor can
// be completed, and only by an actor holding every permission the step
// declares. Declining a step abandons the run where it stands. Approving a
// step with a payload validates it, creates an approved draft, attaches it to
// the step as the cursor moves, and converts it.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobai/internal/authz"
	"github.com/ashita-ai/kobai/internal/model"
)

// Store persists workflow runs. UpdateWorkflowRun must serialize concurrent
// updates of the same run and must not save anything when fn fails.
type Store interface {
	CreateWorkflowRun(ctx context.Context, run model.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, tenantID, id uuid.UUID) (model.WorkflowRun, error)
	UpdateWorkflowRun(ctx context.Context, tenantID, id uuid.UUID, fn func(*model.WorkflowRun) error) (model.WorkflowRun, error)
}

// Drafts validates, creates and converts the drafts produced by approved
// steps. CreateApproved and ConvertApproved trust the caller to have
// authorized the step.
type Drafts interface {
	Validate(t model.ActionType, payload map[string]any) error
	CreateApproved(ctx context.Context, actor model.Actor, req model.CreateDraftRequest) (model.ActionDraft, error)
	ConvertApproved(ctx context.Context, actor model.Actor, id uuid.UUID) (model.ConvertResult, error)
}

// Service runs workflows.
type Service struct {
	store   Store
	catalog *Catalog
	drafts  Drafts
	checker authz.Checker
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a workflow Service.
func New(store Store, catalog *Catalog, drafts Drafts, checker authz.Checker, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		catalog: catalog,
		drafts:  drafts,
		checker: checker,
		logger:  logger,
		now:     time.Now,
	}
}

// Templates lists the available workflow types.
func (s *Service) Templates() []model.WorkflowTemplate {
	return s.catalog.List()
}

// Start creates a run of req.WorkflowType with the cursor on step 0.
func (s *Service) Start(ctx context.Context, actor model.Actor, req model.StartWorkflowRequest) (model.WorkflowRun, error) {
	if err := authz.Require(ctx, s.checker, actor, model.PermWorkflowsStart); err != nil {
		return model.WorkflowRun{}, err
	}
	tmpl, ok := s.catalog.Get(req.WorkflowType)
	if !ok {
		return model.WorkflowRun{}, model.NewValidationError("workflow_type", "unknown workflow type %q", req.WorkflowType)
	}
	if strings.TrimSpace(req.Goal) == "" {
		return model.WorkflowRun{}, model.NewValidationError("goal", "is required")
	}

	now := s.now().UTC()
	run := model.WorkflowRun{
		ID:           uuid.New(),
		TenantID:     actor.TenantID,
		UserID:       actor.UserID,
		WorkflowType: tmpl.Type,
		Entity:       req.EntityContext,
		Goal:         req.Goal,
		Inputs:       req.Inputs,
		UserContext:  req.UserContext,
		CurrentStep:  0,
		Status:       model.WorkflowRunning,
		Steps:        make([]model.WorkflowStep, len(tmpl.Steps)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, st := range tmpl.Steps {
		run.Steps[i] = model.WorkflowStep{
			Index:       i,
			ActionType:  st.ActionType,
			Name:        st.Name,
			Permissions: slices.Clone(st.ApprovalPermissions),
		}
	}
	if err := s.store.CreateWorkflowRun(ctx, run); err != nil {
		return model.WorkflowRun{}, fmt.Errorf("workflows: start: %w", err)
	}
	s.logger.Info("workflow started", "run_id", run.ID, "workflow_type", run.WorkflowType, "tenant_id", actor.TenantID)
	return run, nil
}

// Get returns one of the actor's tenant's runs.
func (s *Service) Get(ctx context.Context, actor model.Actor, id uuid.UUID) (model.WorkflowRun, error) {
	run, err := s.store.GetWorkflowRun(ctx, actor.TenantID, id)
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("workflows: get: %w", err)
	}
	return run, nil
}

// CompleteStep records the outcome of the step at index. It fails with
// model.ErrConflict unless the run is running and index is the cursor, and
// with model.ErrForbidden unless actor holds every permission of the step.
//
// An approved step whose output carries a "payload" object gets an approved
// draft of the step's action type. The payload is validated first: a bad one
// fails the call with a *model.ValidationError and changes nothing. The draft
// is stamped on the step in the same update that moves the cursor, then
// converted. A conversion failure does not fail the call: it is recorded on
// the step and the draft stays approved for a later Convert.
func (s *Service) CompleteStep(ctx context.Context, actor model.Actor, runID uuid.UUID, index int, req model.CompleteStepRequest) (model.WorkflowRun, error) {
	current, err := s.store.GetWorkflowRun(ctx, actor.TenantID, runID)
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("workflows: complete step: %w", err)
	}
	if err := s.checkStep(ctx, actor, &current, index); err != nil {
		return model.WorkflowRun{}, stepErr(err)
	}

	var draft *model.ActionDraft
	if req.Approval {
		if draft, err = s.stepDraft(ctx, actor, current, current.Steps[index], req.Output); err != nil {
			return model.WorkflowRun{}, err
		}
	}

	run, err := s.store.UpdateWorkflowRun(ctx, actor.TenantID, runID, func(r *model.WorkflowRun) error {
		if err := s.checkStep(ctx, actor, r, index); err != nil {
			return err
		}
		st := &r.Steps[index]
		now := s.now().UTC()
		approval := req.Approval
		st.Approved = &approval
		st.Output = req.Output
		st.Notes = req.Notes
		st.CompletedBy = &actor.UserID
		st.CompletedAt = &now
		if draft != nil {
			id := draft.ID
			st.DraftID = &id
		}

		if !approval {
			r.Status = model.WorkflowAbandoned
		} else {
			r.CurrentStep++
			if r.CurrentStep == len(r.Steps) {
				r.Status = model.WorkflowCompleted
			}
		}
		return nil
	})
	if err != nil {
		if draft != nil {
			// Lost a race with another completion of the same step.
			s.logger.Warn("workflow step draft left unattached", "run_id", runID, "step", index,
				"draft_id", draft.ID, "error", err)
		}
		return model.WorkflowRun{}, stepErr(err)
	}

	s.logger.Info("workflow step completed", "run_id", run.ID, "step", index,
		"approved", req.Approval, "status", run.Status)

	if draft == nil {
		return run, nil
	}
	return s.convertStep(ctx, actor, run, index, draft.ID)
}

// checkStep reports whether actor may complete step index of r now.
func (s *Service) checkStep(ctx context.Context, actor model.Actor, r *model.WorkflowRun, index int) error {
	if r.Status != model.WorkflowRunning {
		return fmt.Errorf("workflows: run is %s: %w", r.Status, model.ErrConflict)
	}
	if index < 0 || index >= len(r.Steps) {
		return model.NewValidationError("step_index", "must be between 0 and %d", len(r.Steps)-1)
	}
	if index != r.CurrentStep {
		return fmt.Errorf("workflows: step %d is not the current step %d: %w", index, r.CurrentStep, model.ErrConflict)
	}
	return authz.Require(ctx, s.checker, actor, r.Steps[index].Permissions...)
}

// stepDraft validates the payload in output, if any, and stores it as an
// approved draft. It returns nil when output has no payload.
func (s *Service) stepDraft(ctx context.Context, actor model.Actor, run model.WorkflowRun, step model.WorkflowStep, output map[string]any) (*model.ActionDraft, error) {
	raw, ok := output["payload"]
	if !ok || raw == nil {
		return nil, nil
	}
	payload, ok := raw.(map[string]any)
	if !ok {
		return nil, model.NewValidationError("output.payload", "must be an object")
	}
	if err := s.drafts.Validate(step.ActionType, payload); err != nil {
		return nil, err
	}

	summary, _ := output["summary"].(string)
	if summary == "" {
		summary = step.Name
	}
	d, err := s.drafts.CreateApproved(ctx, actor, model.CreateDraftRequest{
		ActionType:    step.ActionType,
		Summary:       summary,
		Payload:       payload,
		EntityContext: run.Entity,
	})
	if err != nil {
		return nil, stepErr(err)
	}
	return &d, nil
}

// convertStep converts the step's draft and records the outcome on the step.
func (s *Service) convertStep(ctx context.Context, actor model.Actor, run model.WorkflowRun, index int, draftID uuid.UUID) (model.WorkflowRun, error) {
	var (
		entity  *model.EntityRef
		failure string
	)
	res, err := s.drafts.ConvertApproved(ctx, actor, draftID)
	if err != nil {
		failure = err.Error()
		s.logger.Warn("workflow step conversion failed", "run_id", run.ID, "step", index,
			"action_type", run.Steps[index].ActionType, "draft_id", draftID, "error", failure)
	} else {
		entity = &res.Entity
	}

	updated, err := s.store.UpdateWorkflowRun(ctx, actor.TenantID, run.ID, func(r *model.WorkflowRun) error {
		st := &r.Steps[index]
		st.Entity = entity
		st.ConversionError = failure
		return nil
	})
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("workflows: record conversion: %w", err)
	}
	return updated, nil
}

func stepErr(err error) error {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return fmt.Errorf("workflows: complete step: %w", err)
}
