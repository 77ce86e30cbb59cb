package workflows_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kobai/internal/authz"
	"github.com/ashita-ai/kobai/internal/model"
	"github.com/ashita-ai/kobai/internal/service/aiclient"
	"github.com/ashita-ai/kobai/internal/service/converters"
	"github.com/ashita-ai/kobai/internal/service/drafts"
	"github.com/ashita-ai/kobai/internal/service/recorder"
	"github.com/ashita-ai/kobai/internal/service/workflows"
	"github.com/ashita-ai/kobai/internal/storage/memory"
)

var (
	testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	_ workflows.Store  = (*memory.Store)(nil)
	_ workflows.Drafts = (*drafts.Service)(nil)
)

type noPlanner struct{}

func (noPlanner) Call(context.Context, aiclient.Request) aiclient.Result {
	return aiclient.Result{Status: model.StatusError, Kind: model.RemoteErrorDisabled, Message: aiclient.MsgUnavailable}
}

type fixture struct {
	svc      *workflows.Service
	drafts   *drafts.Service
	store    *memory.Store
	buyer    model.Actor
	approver model.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	reg, err := converters.NewRegistry(store)
	require.NoError(t, err)
	catalog, err := workflows.NewCatalog(workflows.BuiltinTemplates())
	require.NoError(t, err)

	checker := authz.NewRoleChecker(nil)
	draftSvc := drafts.New(store, noPlanner{}, reg, checker, recorder.New(store, 0, testLogger), testLogger)
	tenant := uuid.New()
	return &fixture{
		svc:      workflows.New(store, catalog, draftSvc, checker, testLogger),
		drafts:   draftSvc,
		store:    store,
		buyer:    model.Actor{UserID: uuid.New(), TenantID: tenant, Role: model.RoleBuyer},
		approver: model.Actor{UserID: uuid.New(), TenantID: tenant, Role: model.RoleApprover},
	}
}

func (f *fixture) start(t *testing.T, typ string) model.WorkflowRun {
	t.Helper()
	run, err := f.svc.Start(context.Background(), f.buyer, model.StartWorkflowRequest{
		WorkflowType: typ,
		Goal:         "replace the pumps on line 3",
		Inputs:       map[string]any{"budget": 12000},
	})
	require.NoError(t, err)
	return run
}

func rfqOutput() map[string]any {
	return map[string]any{
		"summary": "RFQ for pumps",
		"payload": map[string]any{
			"title": "Pumps",
			"lines": []any{map[string]any{"description": "Pump", "quantity": 2}},
		},
	}
}

func TestStart(t *testing.T) {
	f := newFixture(t)
	run := f.start(t, "procure_to_pay")

	assert.Equal(t, model.WorkflowRunning, run.Status)
	assert.Equal(t, 0, run.CurrentStep)
	require.Len(t, run.Steps, 3)
	assert.Equal(t, model.ActionRFQDraft, run.Steps[0].ActionType)
	assert.Equal(t, []string{model.PermRFQApprove}, run.Steps[0].Permissions)

	_, err := f.svc.Start(context.Background(), f.buyer, model.StartWorkflowRequest{WorkflowType: "nope", Goal: "x"})
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "workflow_type", ve.Field)

	viewer := model.Actor{UserID: uuid.New(), TenantID: f.buyer.TenantID, Role: model.RoleViewer}
	_, err = f.svc.Start(context.Background(), viewer, model.StartWorkflowRequest{WorkflowType: "procure_to_pay", Goal: "x"})
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestStepsCompleteInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.start(t, "procure_to_pay")

	_, err := f.svc.CompleteStep(ctx, f.approver, run.ID, 1, model.CompleteStepRequest{Approval: true})
	assert.ErrorIs(t, err, model.ErrConflict, "step 1 before step 0")

	run, err = f.svc.CompleteStep(ctx, f.approver, run.ID, 0, model.CompleteStepRequest{Approval: true, Output: rfqOutput(), Notes: "ok"})
	require.NoError(t, err)
	assert.Equal(t, 1, run.CurrentStep)
	assert.Equal(t, model.WorkflowRunning, run.Status)

	step := run.Steps[0]
	require.NotNil(t, step.Approved)
	assert.True(t, *step.Approved)
	assert.Equal(t, "ok", step.Notes)
	assert.Empty(t, step.ConversionError)
	require.NotNil(t, step.Entity)
	assert.Equal(t, model.EntityRFQ, step.Entity.Type)
	require.NotNil(t, step.DraftID)

	d, err := f.drafts.Get(ctx, f.approver, *step.DraftID)
	require.NoError(t, err)
	assert.Equal(t, model.DraftConverted, d.Status)

	_, err = f.svc.CompleteStep(ctx, f.approver, run.ID, 0, model.CompleteStepRequest{Approval: true})
	assert.ErrorIs(t, err, model.ErrConflict, "a completed step cannot be completed again")

	_, err = f.svc.CompleteStep(ctx, f.approver, run.ID, 7, model.CompleteStepRequest{Approval: true})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestInvalidStepPayloadChangesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.start(t, "procure_to_pay")

	_, err := f.svc.CompleteStep(ctx, f.approver, run.ID, 0, model.CompleteStepRequest{
		Approval: true,
		Output:   map[string]any{"payload": map[string]any{"lines": []any{}}},
	})
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Field, "payload")

	_, err = f.svc.CompleteStep(ctx, f.approver, run.ID, 0, model.CompleteStepRequest{
		Approval: true,
		Output:   map[string]any{"payload": "not an object"},
	})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "output.payload", ve.Field)

	got, err := f.svc.Get(ctx, f.approver, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentStep)
	assert.Equal(t, model.WorkflowRunning, got.Status)
	assert.Nil(t, got.Steps[0].Approved)
	assert.Nil(t, got.Steps[0].DraftID)

	list, err := f.drafts.List(ctx, f.approver, model.DraftFilter{})
	require.NoError(t, err)
	assert.Empty(t, list, "no draft is created for a rejected payload")

	got, err = f.svc.CompleteStep(ctx, f.approver, run.ID, 0, model.CompleteStepRequest{Approval: true, Output: rfqOutput()})
	require.NoError(t, err, "the step can be completed once the payload is fixed")
	assert.Equal(t, 1, got.CurrentStep)
}

func TestCompleteRequiresStepPermissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.start(t, "procure_to_pay")

	_, err := f.svc.CompleteStep(ctx, f.buyer, run.ID, 0, model.CompleteStepRequest{Approval: true, Output: rfqOutput()})
	assert.ErrorIs(t, err, model.ErrForbidden)

	got, err := f.svc.Get(ctx, f.buyer, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentStep)
	assert.Nil(t, got.Steps[0].Approved)

	granted := f.buyer
	granted.Permissions = []string{model.PermRFQApprove}
	got, err = f.svc.CompleteStep(ctx, granted, run.ID, 0, model.CompleteStepRequest{Approval: true})
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
}

func TestDeclinedStepAbandonsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.start(t, "procure_to_pay")

	_, err := f.svc.CompleteStep(ctx, f.approver, run.ID, 0, model.CompleteStepRequest{Approval: true})
	require.NoError(t, err)

	run, err = f.svc.CompleteStep(ctx, f.approver, run.ID, 1, model.CompleteStepRequest{
		Approval: false,
		Output:   map[string]any{"payload": map[string]any{"invoice_number": "INV-1"}},
		Notes:    "supplier overbilled",
	})
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowAbandoned, run.Status)
	assert.Equal(t, 1, run.CurrentStep, "cursor stays on the declined step")
	require.NotNil(t, run.Steps[1].Approved)
	assert.False(t, *run.Steps[1].Approved)
	assert.Nil(t, run.Steps[1].DraftID, "declined steps never convert")

	_, err = f.svc.CompleteStep(ctx, f.approver, run.ID, 1, model.CompleteStepRequest{Approval: true})
	assert.ErrorIs(t, err, model.ErrConflict)
	_, err = f.svc.CompleteStep(ctx, f.approver, run.ID, 2, model.CompleteStepRequest{Approval: true})
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestConversionFailureIsRecordedOnStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.start(t, "procure_to_pay")

	_, err := f.svc.CompleteStep(ctx, f.approver, run.ID, 0, model.CompleteStepRequest{Approval: true})
	require.NoError(t, err)
	run, err = f.svc.CompleteStep(ctx, f.approver, run.ID, 1, model.CompleteStepRequest{
		Approval: true,
		Output: map[string]any{"payload": map[string]any{
			"supplier_name":  "Ghost Supply",
			"invoice_number": "INV-9",
			"lines":          []any{map[string]any{"description": "x", "quantity": 1, "unit_price": 5}},
		}},
	})
	require.NoError(t, err, "conversion failures do not fail the step")
	assert.Equal(t, 2, run.CurrentStep)

	step := run.Steps[1]
	assert.Contains(t, step.ConversionError, "supplier")
	assert.Nil(t, step.Entity)
	require.NotNil(t, step.DraftID)

	d, err := f.drafts.Get(ctx, f.approver, *step.DraftID)
	require.NoError(t, err)
	assert.Equal(t, model.DraftApproved, d.Status, "draft stays approved for retry")

	_, err = f.drafts.Convert(ctx, f.approver, d.ID)
	assert.Error(t, err, "still no such supplier")
	_, err = f.store.SaveSupplier(ctx, model.Supplier{
		ID: uuid.New(), TenantID: f.approver.TenantID, Name: "Ghost Supply", Status: "active",
	}, nil, false)
	require.NoError(t, err)
	res, err := f.drafts.Convert(ctx, f.approver, d.ID)
	require.NoError(t, err, "the step's draft converts once the supplier exists")
	assert.Equal(t, model.EntityInvoice, res.Entity.Type)
}

func TestRunCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run := f.start(t, "supplier_onboarding")

	for i := range run.Steps {
		var err error
		run, err = f.svc.CompleteStep(ctx, f.approver, run.ID, i, model.CompleteStepRequest{Approval: true})
		require.NoError(t, err)
	}
	assert.Equal(t, model.WorkflowCompleted, run.Status)
	assert.Equal(t, len(run.Steps), run.CurrentStep)

	_, err := f.svc.CompleteStep(ctx, f.approver, run.ID, 0, model.CompleteStepRequest{Approval: true})
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestGetIsTenantScoped(t *testing.T) {
	f := newFixture(t)
	run := f.start(t, "invoice_exception")

	stranger := model.Actor{UserID: uuid.New(), TenantID: uuid.New(), Role: model.RoleAdmin}
	_, err := f.svc.Get(context.Background(), stranger, run.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestTemplatesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workflows:
  - type: catalog_refresh
    name: Catalog refresh
    steps:
      - action_type: item_draft
        name: Update item
        approval_permissions: [items.approve]
`), 0o600))

	templates, err := workflows.LoadTemplates(path)
	require.NoError(t, err)
	catalog, err := workflows.NewCatalog(templates)
	require.NoError(t, err)

	tmpl, ok := catalog.Get("catalog_refresh")
	require.True(t, ok)
	require.Len(t, tmpl.Steps, 1)
	assert.Equal(t, model.ActionItemDraft, tmpl.Steps[0].ActionType)
	assert.Equal(t, []string{"items.approve"}, tmpl.Steps[0].ApprovalPermissions)
}

func TestTemplatesRejectBadInput(t *testing.T) {
	_, err := workflows.ParseTemplates([]byte("workflows:\n  - type: x\n    stepz: []\n"))
	assert.Error(t, err, "unknown keys are rejected")

	_, err = workflows.ParseTemplates([]byte("workflows: []\n"))
	assert.Error(t, err)

	_, err = workflows.NewCatalog([]model.WorkflowTemplate{
		{Type: "a", Steps: []model.WorkflowStepTemplate{{ActionType: "po_draft", Name: "x"}}},
		{Type: "a", Steps: []model.WorkflowStepTemplate{{ActionType: model.ActionItemDraft, Name: "y"}}},
		{Type: "b"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action type")
	assert.Contains(t, err.Error(), "duplicate type")
	assert.Contains(t, err.Error(), "at least one step")
}
