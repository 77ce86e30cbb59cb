// Package tools resolves batches of chat tool calls into draft operations.
//
// A batch is checked as a whole first: too many calls, too many rounds for one
// message, or any unknown tool name rejects it before anything runs. Valid
// batches dispatch every call concurrently and return one result per call, in
// input order. A failing call never affects its siblings.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kobai/internal/authz"
	"github.com/ashita-ai/kobai/internal/model"
	"github.com/ashita-ai/kobai/internal/telemetry"
)

// Definition describes one tool for dispatch and for MCP registration.
type Definition struct {
	Name        model.ToolName
	Description string
	// ActionType is the draft type a build tool creates; empty for read tools.
	ActionType model.ActionType
	// Permission is required to call the tool; empty means tenant members only.
	Permission string
	// Required lists argument keys that must be present and non-empty.
	Required []string
}

var definitions = []Definition{
	{
		Name:        model.ToolBuildRFQDraft,
		Description: "Create a pending RFQ draft with a title and requested lines.",
		ActionType:  model.ActionRFQDraft,
		Permission:  model.PermDraftsCreate,
		Required:    []string{"title", "lines"},
	},
	{
		Name:        model.ToolBuildSupplierOnboardingDraft,
		Description: "Create a pending supplier onboarding draft.",
		ActionType:  model.ActionSupplierOnboardingDraft,
		Permission:  model.PermDraftsCreate,
		Required:    []string{"name"},
	},
	{
		Name:        model.ToolBuildItemDraft,
		Description: "Create a pending catalog item draft keyed by item code.",
		ActionType:  model.ActionItemDraft,
		Permission:  model.PermDraftsCreate,
		Required:    []string{"item_code"},
	},
	{
		Name:        model.ToolBuildInvoiceDraft,
		Description: "Create a pending supplier invoice draft with lines.",
		ActionType:  model.ActionInvoiceDraft,
		Permission:  model.PermDraftsCreate,
		Required:    []string{"invoice_number", "lines"},
	},
	{
		Name:        model.ToolCreateDisputeDraft,
		Description: "Create a pending dispute draft against an invoice.",
		ActionType:  model.ActionInvoiceDisputeDraft,
		Permission:  model.PermDraftsCreate,
		Required:    []string{"reason"},
	},
	{
		Name:        model.ToolGetDraftStatus,
		Description: "Look up the status of a draft by id.",
		Required:    []string{"draft_id"},
	},
}

// Definitions returns every tool in a stable order.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	for i, d := range definitions {
		d.Required = slices.Clone(d.Required)
		out[i] = d
	}
	return out
}

// Lookup returns the definition for name.
func Lookup(name string) (Definition, bool) {
	for _, d := range definitions {
		if string(d.Name) == name {
			return d, true
		}
	}
	return Definition{}, false
}

// Drafts is the draft service surface the tools call.
type Drafts interface {
	Create(ctx context.Context, actor model.Actor, req model.CreateDraftRequest) (model.ActionDraft, error)
	Get(ctx context.Context, actor model.Actor, id uuid.UUID) (model.ActionDraft, error)
}

// Config bounds a batch.
type Config struct {
	MaxCallsPerRequest  int
	MaxRoundsPerMessage int
	Concurrency         int
}

// Resolver dispatches tool call batches.
type Resolver struct {
	cfg     Config
	drafts  Drafts
	checker authz.Checker
	logger  *slog.Logger

	calls metric.Int64Counter
}

// New creates a Resolver.
func New(cfg Config, drafts Drafts, checker authz.Checker, logger *slog.Logger) *Resolver {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	calls, _ := telemetry.Meter("kobai/tools").Int64Counter("kobai.tools.calls",
		metric.WithDescription("Resolved tool calls"))
	return &Resolver{cfg: cfg, drafts: drafts, checker: checker, logger: logger, calls: calls}
}

// Resolve validates batch as a whole and then dispatches every call. The
// returned error is non-nil only when the whole batch was rejected.
func (r *Resolver) Resolve(ctx context.Context, actor model.Actor, batch model.ToolBatch) ([]model.ToolCallResult, error) {
	if err := r.checkBatch(batch); err != nil {
		return nil, err
	}

	results := make([]model.ToolCallResult, len(batch.Calls))
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, call := range batch.Calls {
		g.Go(func() error {
			results[i] = r.resolveOne(ctx, actor, batch.Context, call)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if r.calls != nil {
			r.calls.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", res.ToolName),
				attribute.String("status", string(res.Status)),
			))
		}
	}
	return results, nil
}

func (r *Resolver) checkBatch(batch model.ToolBatch) error {
	if len(batch.Calls) == 0 {
		return model.NewValidationError("tool_calls", "at least one tool call is required")
	}
	if r.cfg.MaxCallsPerRequest > 0 && len(batch.Calls) > r.cfg.MaxCallsPerRequest {
		return model.NewValidationError("tool_calls", "at most %d tool calls per request, got %d",
			r.cfg.MaxCallsPerRequest, len(batch.Calls))
	}
	if batch.Round < 0 {
		return model.NewValidationError("round", "must not be negative")
	}
	if r.cfg.MaxRoundsPerMessage > 0 && batch.Round > r.cfg.MaxRoundsPerMessage {
		return model.NewValidationError("round", "at most %d tool rounds per message, got round %d",
			r.cfg.MaxRoundsPerMessage, batch.Round)
	}
	seen := make(map[string]bool, len(batch.Calls))
	for i, c := range batch.Calls {
		if _, ok := Lookup(c.ToolName); !ok {
			return model.NewValidationError(fmt.Sprintf("tool_calls.%d.tool_name", i), "unknown tool %q", c.ToolName)
		}
		if c.CallID == "" {
			return model.NewValidationError(fmt.Sprintf("tool_calls.%d.call_id", i), "is required")
		}
		if seen[c.CallID] {
			return model.NewValidationError(fmt.Sprintf("tool_calls.%d.call_id", i), "duplicate call id %q", c.CallID)
		}
		seen[c.CallID] = true
	}
	return nil
}

func (r *Resolver) resolveOne(ctx context.Context, actor model.Actor, batchCtx map[string]any, call model.ToolCall) (res model.ToolCallResult) {
	res = model.ToolCallResult{CallID: call.CallID, ToolName: call.ToolName}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tools: call panicked", "tool", call.ToolName, "call_id", call.CallID, "panic", p)
			res.Status = model.ToolCallError
			res.Data = nil
			res.Error = &model.ToolError{Code: model.ErrCodeInternalError, Message: "internal error"}
		}
	}()

	def, _ := Lookup(call.ToolName)
	data, err := r.dispatch(ctx, actor, def, batchCtx, call.Arguments)
	if err != nil {
		res.Status = model.ToolCallError
		res.Error = r.toolError(call, err)
		return res
	}
	res.Status = model.ToolCallOK
	res.Data = data
	return res
}

func (r *Resolver) dispatch(ctx context.Context, actor model.Actor, def Definition, batchCtx, args map[string]any) (any, error) {
	if def.Permission != "" {
		if err := authz.Require(ctx, r.checker, actor, def.Permission); err != nil {
			return nil, err
		}
	}
	for _, key := range def.Required {
		if isEmpty(args[key]) {
			return nil, model.NewValidationError(key, "is required")
		}
	}

	switch def.Name {
	case model.ToolGetDraftStatus:
		return r.draftStatus(ctx, actor, args)
	case model.ToolCreateDisputeDraft:
		return r.disputeDraft(ctx, actor, batchCtx, args)
	default:
		return r.buildDraft(ctx, actor, def, args)
	}
}

// reservedArgs are tool arguments that steer the call rather than form part
// of the draft payload.
var reservedArgs = []string{"summary", "context", "dispute_reference", "reference"}

func (r *Resolver) buildDraft(ctx context.Context, actor model.Actor, def Definition, args map[string]any) (any, error) {
	payload := make(map[string]any, len(args))
	for k, v := range args {
		if !slices.Contains(reservedArgs, k) {
			payload[k] = v
		}
	}
	summary, _ := args["summary"].(string)
	if summary == "" {
		summary = def.Description
	}
	d, err := r.drafts.Create(ctx, actor, model.CreateDraftRequest{
		ActionType: def.ActionType,
		Summary:    summary,
		Payload:    payload,
	})
	if err != nil {
		return nil, err
	}
	return draftData(d), nil
}

func (r *Resolver) disputeDraft(ctx context.Context, actor model.Actor, batchCtx, args map[string]any) (any, error) {
	ref, ok := FindInvoiceRef(batchCtx, args)
	if !ok {
		return nil, model.NewValidationError("invoice_id", "an invoice reference is required")
	}
	reason, _ := args["reason"].(string)
	payload := map[string]any{"reason": reason}
	var entity *model.EntityRef
	if ref.ID != "" {
		id, err := uuid.Parse(ref.ID)
		if err != nil {
			return nil, model.NewValidationError("invoice_id", "is not a valid UUID")
		}
		payload["invoice_id"] = ref.ID
		entity = &model.EntityRef{Type: model.EntityInvoice, ID: id}
	} else {
		payload["invoice_number"] = ref.Number
	}

	summary, _ := args["summary"].(string)
	if summary == "" {
		summary = "Dispute invoice " + ref.String()
	}
	d, err := r.drafts.Create(ctx, actor, model.CreateDraftRequest{
		ActionType:    model.ActionInvoiceDisputeDraft,
		Summary:       summary,
		Payload:       payload,
		EntityContext: entity,
	})
	if err != nil {
		return nil, err
	}
	return draftData(d), nil
}

func (r *Resolver) draftStatus(ctx context.Context, actor model.Actor, args map[string]any) (any, error) {
	raw, _ := args["draft_id"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, model.NewValidationError("draft_id", "is not a valid UUID")
	}
	d, err := r.drafts.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return draftData(d), nil
}

func draftData(d model.ActionDraft) map[string]any {
	out := map[string]any{
		"draft_id":    d.ID.String(),
		"action_type": string(d.ActionType),
		"status":      string(d.Status),
		"summary":     d.Output.Summary,
	}
	if d.Entity != nil {
		out["entity_type"] = d.Entity.Type
		out["entity_id"] = d.Entity.ID.String()
	}
	return out
}

func (r *Resolver) toolError(call model.ToolCall, err error) *model.ToolError {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		return &model.ToolError{Code: model.ErrCodeInvalidInput, Field: ve.Field, Message: ve.Message}
	case errors.Is(err, model.ErrForbidden):
		return &model.ToolError{Code: model.ErrCodeForbidden, Message: "missing permission for this tool"}
	case errors.Is(err, model.ErrNotFound):
		return &model.ToolError{Code: model.ErrCodeNotFound, Message: "not found"}
	case errors.Is(err, model.ErrConflict):
		return &model.ToolError{Code: model.ErrCodeConflict, Message: err.Error()}
	case errors.Is(err, model.ErrUnavailable):
		var re *model.RemoteError
		msg := "temporarily unavailable"
		if errors.As(err, &re) {
			msg = re.Message
		}
		return &model.ToolError{Code: model.ErrCodeUnavailable, Message: msg}
	default:
		r.logger.Error("tools: call failed", "tool", call.ToolName, "call_id", call.CallID, "error", err)
		return &model.ToolError{Code: model.ErrCodeInternalError, Message: "internal error"}
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
