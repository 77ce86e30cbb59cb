// Package drafts implements the ActionDraft lifecycle.
//
// A draft is created pending, from an AI proposal or a manually supplied
// payload. Reviewers approve or reject it. Converting an approved draft runs
// its action type's converter exactly once and stamps the created entity on
// the draft. Every transition is recorded as an interaction event.
//
// Both the HTTP API and the MCP server delegate to this service.
package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kobai/internal/authz"
	"github.com/ashita-ai/kobai/internal/model"
	"github.com/ashita-ai/kobai/internal/service/aiclient"
	"github.com/ashita-ai/kobai/internal/telemetry"
)

// PlanEndpoint is the AI service path used by Plan.
const PlanEndpoint = "/v1/actions/plan"

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Store persists drafts. UpdateDraft must serialize concurrent updates of the
// same draft and must not save anything when fn returns an error.
type Store interface {
	CreateDraft(ctx context.Context, d model.ActionDraft) error
	GetDraft(ctx context.Context, tenantID, id uuid.UUID) (model.ActionDraft, error)
	ListDrafts(ctx context.Context, tenantID uuid.UUID, f model.DraftFilter) ([]model.ActionDraft, error)
	UpdateDraft(ctx context.Context, tenantID, id uuid.UUID, fn func(*model.ActionDraft) error) (model.ActionDraft, error)
}

// Planner calls the AI service.
type Planner interface {
	Call(ctx context.Context, req aiclient.Request) aiclient.Result
}

// Registry validates payloads and dispatches conversion by action type.
type Registry interface {
	Has(t model.ActionType) bool
	Validate(t model.ActionType, payload map[string]any) error
	Convert(ctx context.Context, draft model.ActionDraft, actor model.Actor) (model.EntityRef, error)
}

// Recorder persists interaction events.
type Recorder interface {
	Record(ctx context.Context, e model.InteractionEvent)
}

// Service encapsulates draft business logic.
type Service struct {
	store    Store
	planner  Planner
	registry Registry
	checker  authz.Checker
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	converts    singleflight.Group
	transitions metric.Int64Counter
}

// New creates a draft Service.
func New(store Store, planner Planner, registry Registry, checker authz.Checker, rec Recorder, logger *slog.Logger) *Service {
	transitions, _ := telemetry.Meter("kobai/drafts").Int64Counter("kobai.drafts.transitions",
		metric.WithDescription("Draft state transitions"))
	return &Service{
		store:       store,
		planner:     planner,
		registry:    registry,
		checker:     checker,
		recorder:    rec,
		logger:      logger,
		now:         time.Now,
		transitions: transitions,
	}
}

// Plan asks the AI service for a proposal and stores it as a pending draft.
func (s *Service) Plan(ctx context.Context, actor model.Actor, req model.PlanActionRequest) (model.ActionDraft, error) {
	if err := authz.Require(ctx, s.checker, actor, model.PermDraftsCreate); err != nil {
		return model.ActionDraft{}, err
	}
	if err := s.checkActionType(req.ActionType); err != nil {
		return model.ActionDraft{}, err
	}
	if strings.TrimSpace(req.Query) == "" {
		return model.ActionDraft{}, model.NewValidationError("query", "is required")
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("kobai.action_type", string(req.ActionType)))

	payload := map[string]any{
		"action_type": string(req.ActionType),
		"query":       req.Query,
	}
	if req.Inputs != nil {
		payload["inputs"] = req.Inputs
	}
	if req.UserContext != nil {
		payload["user_context"] = req.UserContext
	}
	if req.TopK != nil {
		payload["top_k"] = *req.TopK
	}
	if req.Filters != nil {
		payload["filters"] = req.Filters
	}
	if req.EntityContext != nil {
		payload["entity_context"] = req.EntityContext
	}

	res := s.planner.Call(ctx, aiclient.Request{
		Actor:    actor,
		Feature:  "plan_action",
		Endpoint: PlanEndpoint,
		Payload:  payload,
		Entity:   req.EntityContext,
	})
	if !res.OK() {
		return model.ActionDraft{}, res.Err()
	}

	out, err := parseProposal(res.Data)
	if err != nil {
		s.logger.Warn("drafts: unusable AI proposal", "action_type", req.ActionType, "error", err)
		return model.ActionDraft{}, &model.RemoteError{Kind: model.RemoteErrorRemote, Message: aiclient.MsgMalformed}
	}

	return s.create(ctx, actor, model.ActionDraft{
		ActionType: req.ActionType,
		Status:     model.DraftPending,
		Input: model.DraftInput{
			Query:         req.Query,
			Inputs:        req.Inputs,
			UserContext:   req.UserContext,
			TopK:          req.TopK,
			Filters:       req.Filters,
			EntityContext: req.EntityContext,
		},
		Output: out,
	})
}

// Create stores a caller-supplied payload as a pending draft. The payload
// must already satisfy the action type's schema.
func (s *Service) Create(ctx context.Context, actor model.Actor, req model.CreateDraftRequest) (model.ActionDraft, error) {
	if err := authz.Require(ctx, s.checker, actor, model.PermDraftsCreate); err != nil {
		return model.ActionDraft{}, err
	}
	d, err := s.manualDraft(req)
	if err != nil {
		return model.ActionDraft{}, err
	}
	d.Status = model.DraftPending
	return s.create(ctx, actor, d)
}

// CreateApproved stores a caller-supplied payload as an already approved
// draft. It skips the permission check: the caller must have authorized the
// approval itself, as the workflow orchestrator does per step.
func (s *Service) CreateApproved(ctx context.Context, actor model.Actor, req model.CreateDraftRequest) (model.ActionDraft, error) {
	d, err := s.manualDraft(req)
	if err != nil {
		return model.ActionDraft{}, err
	}
	now := s.now().UTC()
	d.Status = model.DraftApproved
	d.ReviewedBy = &actor.UserID
	d.ReviewedAt = &now
	return s.create(ctx, actor, d)
}

// Validate checks payload against t's schema without storing anything.
func (s *Service) Validate(t model.ActionType, payload map[string]any) error {
	if err := s.checkActionType(t); err != nil {
		return err
	}
	return s.registry.Validate(t, payload)
}

func (s *Service) manualDraft(req model.CreateDraftRequest) (model.ActionDraft, error) {
	if err := s.Validate(req.ActionType, req.Payload); err != nil {
		return model.ActionDraft{}, err
	}
	citations := req.Citations
	if citations == nil {
		citations = []model.Citation{}
	}
	return model.ActionDraft{
		ActionType: req.ActionType,
		Input:      model.DraftInput{EntityContext: req.EntityContext},
		Output: model.DraftOutput{
			Summary:   req.Summary,
			Payload:   req.Payload,
			Citations: citations,
		},
	}, nil
}

func (s *Service) create(ctx context.Context, actor model.Actor, d model.ActionDraft) (model.ActionDraft, error) {
	now := s.now().UTC()
	d.ID = uuid.New()
	d.TenantID = actor.TenantID
	d.UserID = actor.UserID
	d.CreatedAt = now
	d.UpdatedAt = now
	if err := s.store.CreateDraft(ctx, d); err != nil {
		return model.ActionDraft{}, fmt.Errorf("drafts: create: %w", err)
	}
	s.recordTransition(ctx, actor, d, "draft_created", nil, nil)
	return d, nil
}

// Get returns one of the actor's tenant's drafts.
func (s *Service) Get(ctx context.Context, actor model.Actor, id uuid.UUID) (model.ActionDraft, error) {
	d, err := s.store.GetDraft(ctx, actor.TenantID, id)
	if err != nil {
		return model.ActionDraft{}, fmt.Errorf("drafts: get: %w", err)
	}
	return d, nil
}

// List returns the actor's tenant's drafts, newest first.
func (s *Service) List(ctx context.Context, actor model.Actor, f model.DraftFilter) ([]model.ActionDraft, error) {
	if f.ActionType != "" && !f.ActionType.Valid() {
		return nil, model.NewValidationError("action_type", "unknown action type %q", f.ActionType)
	}
	switch f.Status {
	case "", model.DraftPending, model.DraftApproved, model.DraftRejected, model.DraftConverted:
	default:
		return nil, model.NewValidationError("status", "unknown status %q", f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	f.Limit = min(f.Limit, maxListLimit)
	f.Offset = max(f.Offset, 0)

	out, err := s.store.ListDrafts(ctx, actor.TenantID, f)
	if err != nil {
		return nil, fmt.Errorf("drafts: list: %w", err)
	}
	return out, nil
}

// Approve moves a pending draft to approved.
func (s *Service) Approve(ctx context.Context, actor model.Actor, id uuid.UUID) (model.ActionDraft, error) {
	if err := authz.Require(ctx, s.checker, actor, model.PermDraftsApprove); err != nil {
		return model.ActionDraft{}, err
	}
	d, err := s.store.UpdateDraft(ctx, actor.TenantID, id, func(d *model.ActionDraft) error {
		if d.Status != model.DraftPending {
			return fmt.Errorf("drafts: cannot approve a %s draft: %w", d.Status, model.ErrConflict)
		}
		now := s.now().UTC()
		d.Status = model.DraftApproved
		d.ReviewedBy = &actor.UserID
		d.ReviewedAt = &now
		return nil
	})
	if err != nil {
		return model.ActionDraft{}, wrap("approve", err)
	}
	s.recordTransition(ctx, actor, d, "draft_approved", nil, nil)
	return d, nil
}

// Reject moves a pending draft to rejected. reason is required.
func (s *Service) Reject(ctx context.Context, actor model.Actor, id uuid.UUID, reason string) (model.ActionDraft, error) {
	if err := authz.Require(ctx, s.checker, actor, model.PermDraftsApprove); err != nil {
		return model.ActionDraft{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.ActionDraft{}, model.NewValidationError("reason", "is required")
	}
	d, err := s.store.UpdateDraft(ctx, actor.TenantID, id, func(d *model.ActionDraft) error {
		if d.Status != model.DraftPending {
			return fmt.Errorf("drafts: cannot reject a %s draft: %w", d.Status, model.ErrConflict)
		}
		now := s.now().UTC()
		d.Status = model.DraftRejected
		d.RejectionReason = reason
		d.ReviewedBy = &actor.UserID
		d.ReviewedAt = &now
		return nil
	})
	if err != nil {
		return model.ActionDraft{}, wrap("reject", err)
	}
	s.recordTransition(ctx, actor, d, "draft_rejected", map[string]any{"reason": reason}, nil)
	return d, nil
}

// Convert runs an approved draft's converter and marks it converted. A draft
// that is already converted returns its entity without side effects.
func (s *Service) Convert(ctx context.Context, actor model.Actor, id uuid.UUID) (model.ConvertResult, error) {
	if err := authz.Require(ctx, s.checker, actor, model.PermDraftsConvert); err != nil {
		return model.ConvertResult{}, err
	}
	return s.ConvertApproved(ctx, actor, id)
}

// ConvertApproved is Convert without the permission check. Concurrent calls
// for one draft within this process share a single conversion.
func (s *Service) ConvertApproved(ctx context.Context, actor model.Actor, id uuid.UUID) (model.ConvertResult, error) {
	key := actor.TenantID.String() + "/" + id.String()
	v, err, shared := s.converts.Do(key, func() (any, error) {
		return s.convert(ctx, actor, id)
	})
	if err != nil {
		return model.ConvertResult{}, err
	}
	res := v.(model.ConvertResult)
	if shared {
		res.Draft = cloneDraft(res.Draft)
	}
	return res, nil
}

var errAlreadyConverted = errors.New("already converted")

func (s *Service) convert(ctx context.Context, actor model.Actor, id uuid.UUID) (model.ConvertResult, error) {
	var (
		snapshot model.ActionDraft
		ref      model.EntityRef
		convErr  error
	)
	d, err := s.store.UpdateDraft(ctx, actor.TenantID, id, func(d *model.ActionDraft) error {
		switch d.Status {
		case model.DraftConverted:
			snapshot = *d
			return errAlreadyConverted
		case model.DraftApproved:
		default:
			return model.NewValidationError("status", "draft is %s; only approved drafts can be converted", d.Status)
		}

		ref, convErr = s.registry.Convert(ctx, *d, actor)
		if convErr != nil {
			snapshot = *d
			return convErr
		}
		now := s.now().UTC()
		d.Status = model.DraftConverted
		d.Entity = &ref
		d.ConvertedBy = &actor.UserID
		d.ConvertedAt = &now
		return nil
	})

	switch {
	case errors.Is(err, errAlreadyConverted):
		var entity model.EntityRef
		if snapshot.Entity != nil {
			entity = *snapshot.Entity
		}
		return model.ConvertResult{Draft: snapshot, Entity: entity, AlreadyConverted: true}, nil
	case err != nil && convErr != nil:
		s.logger.Warn("drafts: conversion failed", "draft_id", id, "action_type", snapshot.ActionType, "error", convErr)
		s.recordTransition(ctx, actor, snapshot, "draft_convert_failed", nil, convErr)
		return model.ConvertResult{}, wrap("convert", convErr)
	case err != nil:
		return model.ConvertResult{}, wrap("convert", err)
	}

	s.recordTransition(ctx, actor, d, "draft_converted", nil, nil)
	return model.ConvertResult{Draft: d, Entity: ref}, nil
}

func (s *Service) checkActionType(t model.ActionType) error {
	if !t.Valid() || !s.registry.Has(t) {
		return model.NewValidationError("action_type", "unknown action type %q", t)
	}
	return nil
}

func (s *Service) recordTransition(ctx context.Context, actor model.Actor, d model.ActionDraft, feature string, extra map[string]any, failure error) {
	status := model.StatusSuccess
	errMsg := ""
	if failure != nil {
		status = model.StatusError
		errMsg = failure.Error()
	}
	if s.transitions != nil {
		s.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("transition", feature),
			attribute.String("action_type", string(d.ActionType)),
		))
	}
	if s.recorder == nil {
		return
	}
	request := map[string]any{
		"draft_id":    d.ID.String(),
		"action_type": string(d.ActionType),
	}
	for k, v := range extra {
		request[k] = v
	}
	response := map[string]any{"status": string(d.Status)}
	entity := d.Input.EntityContext
	if d.Entity != nil {
		entity = d.Entity
		response["entity_type"] = d.Entity.Type
		response["entity_id"] = d.Entity.ID.String()
	}
	s.recorder.Record(ctx, model.InteractionEvent{
		TenantID:     actor.TenantID,
		UserID:       actor.UserID,
		Feature:      feature,
		Kind:         model.EventTransition,
		Request:      request,
		Response:     response,
		Status:       status,
		ErrorMessage: errMsg,
		Entity:       entity,
	})
}

// parseProposal extracts {summary, payload, citations} from an AI response.
// The proposal may be at the top level or under "draft".
func parseProposal(data map[string]any) (model.DraftOutput, error) {
	if inner, ok := data["draft"].(map[string]any); ok {
		data = inner
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return model.DraftOutput{}, err
	}
	var out model.DraftOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return model.DraftOutput{}, err
	}
	if out.Payload == nil {
		return model.DraftOutput{}, errors.New("proposal has no payload")
	}
	if out.Citations == nil {
		out.Citations = []model.Citation{}
	}
	return out, nil
}

func cloneDraft(d model.ActionDraft) model.ActionDraft {
	if d.Entity != nil {
		e := *d.Entity
		d.Entity = &e
	}
	return d
}

func wrap(op string, err error) error {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return fmt.Errorf("drafts: %s: %w", op, err)
}
