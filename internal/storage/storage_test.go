package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

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
	"github.com/ashita-ai/kobai/internal/storage"
	"github.com/ashita-ai/kobai/internal/testutil"
	"github.com/ashita-ai/kobai/migrations"
)

var (
	_ converters.Domain    = (*storage.DB)(nil)
	_ drafts.Store         = (*storage.DB)(nil)
	_ workflows.Store      = (*storage.DB)(nil)
	_ recorder.Store       = (*storage.DB)(nil)
	_ authz.SettingsSource = (*storage.DB)(nil)
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func newDraft(tenant uuid.UUID, at model.ActionType, payload map[string]any) model.ActionDraft {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return model.ActionDraft{
		ID:         uuid.New(),
		TenantID:   tenant,
		UserID:     uuid.New(),
		ActionType: at,
		Status:     model.DraftPending,
		Input:      model.DraftInput{Query: "make it so"},
		Output:     model.DraftOutput{Summary: "summary", Payload: payload, Citations: []model.Citation{}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestDraftRoundTrip(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	d := newDraft(tenant, model.ActionRFQDraft, map[string]any{"title": "Pumps"})
	require.NoError(t, testDB.CreateDraft(ctx, d))

	got, err := testDB.GetDraft(ctx, tenant, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, model.DraftPending, got.Status)
	assert.Equal(t, "Pumps", got.Output.Payload["title"])
	assert.Equal(t, "make it so", got.Input.Query)
	assert.Nil(t, got.Entity)

	_, err = testDB.GetDraft(ctx, uuid.New(), d.ID)
	assert.ErrorIs(t, err, model.ErrNotFound, "drafts are tenant scoped")

	assert.ErrorIs(t, testDB.CreateDraft(ctx, d), model.ErrConflict)
}

func TestUpdateDraftRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	d := newDraft(tenant, model.ActionItemDraft, map[string]any{"item_code": "X"})
	require.NoError(t, testDB.CreateDraft(ctx, d))

	boom := fmt.Errorf("boom")
	_, err := testDB.UpdateDraft(ctx, tenant, d.ID, func(d *model.ActionDraft) error {
		d.Status = model.DraftApproved
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := testDB.GetDraft(ctx, tenant, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DraftPending, got.Status)

	entity := model.EntityRef{Type: model.EntityItem, ID: uuid.New()}
	updated, err := testDB.UpdateDraft(ctx, tenant, d.ID, func(d *model.ActionDraft) error {
		d.Status = model.DraftConverted
		d.Entity = &entity
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, &entity, updated.Entity)

	got, err = testDB.GetDraft(ctx, tenant, d.ID)
	require.NoError(t, err)
	assert.Equal(t, &entity, got.Entity)
}

func TestUpdateDraftSerializesWriters(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	d := newDraft(tenant, model.ActionRFQDraft, map[string]any{"n": 0})
	require.NoError(t, testDB.CreateDraft(ctx, d))

	const writers = 12
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := testDB.UpdateDraft(ctx, tenant, d.ID, func(d *model.ActionDraft) error {
				n, _ := d.Output.Payload["n"].(float64)
				d.Output.Payload["n"] = n + 1
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := testDB.GetDraft(ctx, tenant, d.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(writers), got.Output.Payload["n"])
}

func TestListDraftsFilters(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	for i, at := range []model.ActionType{model.ActionRFQDraft, model.ActionItemDraft, model.ActionRFQDraft} {
		d := newDraft(tenant, at, map[string]any{})
		d.CreatedAt = d.CreatedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, testDB.CreateDraft(ctx, d))
	}
	require.NoError(t, testDB.CreateDraft(ctx, newDraft(uuid.New(), model.ActionRFQDraft, nil)))

	all, err := testDB.ListDrafts(ctx, tenant, model.DraftFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CreatedAt.After(all[2].CreatedAt), "newest first")

	rfqs, err := testDB.ListDrafts(ctx, tenant, model.DraftFilter{ActionType: model.ActionRFQDraft, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, rfqs, 1)

	none, err := testDB.ListDrafts(ctx, tenant, model.DraftFilter{Status: model.DraftConverted})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestWorkflowRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)
	run := model.WorkflowRun{
		ID: uuid.New(), TenantID: tenant, UserID: uuid.New(), WorkflowType: "procure_to_pay",
		Goal: "buy pumps", Status: model.WorkflowRunning, CreatedAt: now, UpdatedAt: now,
		Steps: []model.WorkflowStep{
			{Index: 0, ActionType: model.ActionRFQDraft, Name: "RFQ", Permissions: []string{model.PermRFQApprove}},
			{Index: 1, ActionType: model.ActionInvoiceDraft, Name: "Invoice", Permissions: []string{model.PermInvoiceApprove}},
		},
	}
	require.NoError(t, testDB.CreateWorkflowRun(ctx, run))

	approved := true
	updated, err := testDB.UpdateWorkflowRun(ctx, tenant, run.ID, func(r *model.WorkflowRun) error {
		r.Steps[0].Approved = &approved
		r.Steps[0].Notes = "fine"
		r.CurrentStep = 1
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CurrentStep)

	got, err := testDB.GetWorkflowRun(ctx, tenant, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	require.Len(t, got.Steps, 2)
	require.NotNil(t, got.Steps[0].Approved)
	assert.True(t, *got.Steps[0].Approved)
	assert.Equal(t, "fine", got.Steps[0].Notes)
	assert.Equal(t, []string{model.PermInvoiceApprove}, got.Steps[1].Permissions)

	_, err = testDB.GetWorkflowRun(ctx, uuid.New(), run.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestInteractionEvents(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	latency := int64(40)
	base := time.Now().UTC().Add(-time.Minute)
	events := []model.InteractionEvent{
		{Feature: "plan_action", Kind: model.EventRequest, Status: model.StatusSuccess, LatencyMS: &latency},
		{Feature: "plan_action", Kind: model.EventRequest, Status: model.StatusError, ErrorMessage: "boom"},
		{Feature: "plan_action", Kind: model.EventCircuitSkip, Status: model.StatusError},
		{Feature: "draft_converted", Kind: model.EventTransition, Status: model.StatusSuccess,
			Entity: &model.EntityRef{Type: model.EntityRFQ, ID: uuid.New()}},
	}
	for i, e := range events {
		e.ID = uuid.New()
		e.TenantID = tenant
		e.UserID = uuid.New()
		e.Request = map[string]any{"i": i}
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, testDB.InsertInteractionEvent(ctx, e))
	}

	list, err := testDB.ListInteractionEvents(ctx, tenant, model.EventFilter{Feature: "plan_action"})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, model.EventCircuitSkip, list[0].Kind, "newest first")

	conv, err := testDB.ListInteractionEvents(ctx, tenant, model.EventFilter{Kind: model.EventTransition})
	require.NoError(t, err)
	require.Len(t, conv, 1)
	require.NotNil(t, conv[0].Entity)
	assert.Equal(t, model.EntityRFQ, conv[0].Entity.Type)

	summary, err := testDB.SummarizeInteractionEvents(ctx, tenant, base.Add(-time.Second))
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, "draft_converted", summary[0].Feature)
	plan := summary[1]
	assert.Equal(t, 3, plan.Total)
	assert.Equal(t, 2, plan.Errors)
	assert.Equal(t, 1, plan.Skips)
	assert.InDelta(t, 40.0, plan.AvgLatencyMS, 0.001)
}

func TestInteractionEventWithBinaryBody(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	e := model.InteractionEvent{
		ID: uuid.New(), TenantID: tenant, UserID: uuid.New(),
		Feature: "plan_action", Kind: model.EventRequest, Status: model.StatusError,
		Response:  map[string]any{"body": "\x1f\x8b\x00"},
		CreatedAt: time.Now().UTC(),
	}

	err := testDB.InsertInteractionEvent(ctx, e)
	require.Error(t, err, "jsonb rejects NUL")
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	recorder.New(testDB, 0, testutil.TestLogger()).Record(ctx, e)
	list, err := testDB.ListInteractionEvents(ctx, tenant, model.EventFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "\x1f\uFFFD\uFFFD", list[0].Response["body"])
}

func TestTenantSettings(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()

	_, err := testDB.GetTenantSettings(ctx, tenant)
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, testDB.UpsertTenantSettings(ctx, model.TenantSettings{
		TenantID: tenant, AIEnabled: false, LLMProvider: "anthropic",
		FeatureFlags: map[string]any{"plan_action": true},
	}))
	ts, err := testDB.GetTenantSettings(ctx, tenant)
	require.NoError(t, err)
	assert.False(t, ts.AIEnabled)
	assert.Equal(t, "anthropic", ts.LLMProvider)
	assert.Equal(t, true, ts.FeatureFlags["plan_action"])

	require.NoError(t, testDB.UpsertTenantSettings(ctx, model.TenantSettings{TenantID: tenant, AIEnabled: true}))
	ts, err = testDB.GetTenantSettings(ctx, tenant)
	require.NoError(t, err)
	assert.True(t, ts.AIEnabled)
	assert.Empty(t, ts.LLMProvider)
}

func TestSaveItemReplacesPreferredSuppliers(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	mk := func(name string) model.Supplier {
		s, err := testDB.SaveSupplier(ctx, model.Supplier{ID: uuid.New(), TenantID: tenant, Name: name, Status: "active"}, nil, false)
		require.NoError(t, err)
		return s
	}
	acme, crane := mk("Acme"), mk("Crane")

	price := 12.5
	first, err := testDB.SaveItem(ctx, model.Item{
		TenantID: tenant, ItemCode: "ROTAR-100", Name: "Rotor", UnitPrice: &price,
		PreferredSupplierIDs: []uuid.UUID{acme.ID, crane.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{acme.ID, crane.ID}, first.PreferredSupplierIDs)

	second, err := testDB.SaveItem(ctx, model.Item{
		TenantID: tenant, ItemCode: "rotar-100", Name: "Rotor", UnitPrice: &price,
		PreferredSupplierIDs: []uuid.UUID{crane.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "item code is case-insensitive")
	assert.Equal(t, []uuid.UUID{crane.ID}, second.PreferredSupplierIDs)

	got, err := testDB.GetItemByCode(ctx, tenant, "ROTAR-100")
	require.NoError(t, err)
	require.NotNil(t, got.UnitPrice)
	assert.InDelta(t, 12.5, *got.UnitPrice, 0.0001)
	assert.Equal(t, []uuid.UUID{crane.ID}, got.PreferredSupplierIDs)

	found, err := testDB.FindSupplier(ctx, tenant, "acme", "")
	require.NoError(t, err)
	assert.Equal(t, acme.ID, found.ID)
}

func TestSupplierTasksReplace(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	draft := uuid.New()
	sup := model.Supplier{ID: uuid.New(), TenantID: tenant, Name: "Delta", Status: "onboarding"}

	_, err := testDB.SaveSupplier(ctx, sup, []model.SupplierDocumentTask{
		{DocumentType: "w9", SourceDraftID: draft}, {DocumentType: "insurance", SourceDraftID: draft},
	}, true)
	require.NoError(t, err)
	_, err = testDB.SaveSupplier(ctx, sup, []model.SupplierDocumentTask{{DocumentType: "nda", SourceDraftID: draft}}, true)
	require.NoError(t, err)

	tasks, err := testDB.ListSupplierDocumentTasks(ctx, tenant, sup.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "nda", tasks[0].DocumentType)
}

func TestInvoicePaymentAndDispute(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	sup, err := testDB.SaveSupplier(ctx, model.Supplier{ID: uuid.New(), TenantID: tenant, Name: "Acme", Status: "active"}, nil, false)
	require.NoError(t, err)

	inv := model.Invoice{
		TenantID: tenant, SupplierID: sup.ID, InvoiceNumber: "INV-1", Currency: "USD", Total: 220.51,
		SourceDraftID: uuid.New(),
		Lines:         []model.InvoiceLine{{LineNo: 1, Description: "x", Quantity: 1, UnitPrice: 220.51, Amount: 220.51}},
	}
	created, err := testDB.CreateInvoice(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceOpen, created.Status)

	_, err = testDB.CreateInvoice(ctx, inv)
	assert.ErrorIs(t, err, model.ErrConflict, "supplier and number are unique")

	byNumber, err := testDB.FindInvoicesByNumber(ctx, tenant, "INV-1")
	require.NoError(t, err)
	require.Len(t, byNumber, 1)
	assert.InDelta(t, 220.51, byNumber[0].Total, 0.001)
	require.Len(t, byNumber[0].Lines, 1)

	p := model.Payment{TenantID: tenant, InvoiceID: created.ID, Reference: "WIRE-1", Amount: 220.51,
		PaidAt: time.Now().UTC().Truncate(time.Second), SourceDraftID: uuid.New()}
	_, err = testDB.RecordPayment(ctx, p)
	require.NoError(t, err)
	_, err = testDB.RecordPayment(ctx, p)
	assert.ErrorIs(t, err, model.ErrConflict)

	paid, err := testDB.GetInvoice(ctx, tenant, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InvoicePaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	_, err = testDB.CreateDispute(ctx, model.Dispute{TenantID: tenant, InvoiceID: uuid.New(), Reason: "x",
		SourceDraftID: uuid.New(), CreatedBy: uuid.New()})
	assert.ErrorIs(t, err, model.ErrNotFound)

	dispute, err := testDB.CreateDispute(ctx, model.Dispute{TenantID: tenant, InvoiceID: created.ID, Reason: "overbilled",
		SourceDraftID: uuid.New(), CreatedBy: uuid.New()})
	require.NoError(t, err)
	found, err := testDB.FindDisputeBySourceDraft(ctx, tenant, dispute.SourceDraftID)
	require.NoError(t, err)
	assert.Equal(t, "open", found.Status)
}

type noPlanner struct{}

func (noPlanner) Call(context.Context, aiclient.Request) aiclient.Result {
	return aiclient.Result{Status: model.StatusError, Kind: model.RemoteErrorDisabled, Message: aiclient.MsgUnavailable}
}

func TestConcurrentConvertAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	reg, err := converters.NewRegistry(testDB)
	require.NoError(t, err)
	logger := testutil.TestLogger()
	svc := drafts.New(testDB, noPlanner{}, reg, authz.NewRoleChecker(nil), recorder.New(testDB, 0, logger), logger)

	approver := model.Actor{UserID: uuid.New(), TenantID: uuid.New(), Role: model.RoleApprover}
	d, err := svc.Create(ctx, approver, model.CreateDraftRequest{
		ActionType: model.ActionRFQDraft,
		Payload: map[string]any{
			"title": "Valves",
			"lines": []any{map[string]any{"description": "Valve", "quantity": 10}},
		},
	})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, approver, d.ID)
	require.NoError(t, err)

	const callers = 8
	results := make([]model.ConvertResult, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Convert(ctx, approver, d.ID)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0].Entity, r.Entity)
		assert.Equal(t, model.DraftConverted, r.Draft.Status)
	}

	rfq, err := testDB.FindRFQBySourceDraft(ctx, approver.TenantID, d.ID)
	require.NoError(t, err)
	assert.Equal(t, results[0].Entity.ID, rfq.ID)
	assert.Len(t, rfq.Lines, 1)
}
