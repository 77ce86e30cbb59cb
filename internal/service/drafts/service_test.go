package drafts_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
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
	"github.com/ashita-ai/kobai/internal/storage/memory"
)

var (
	testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	_ drafts.Store    = (*memory.Store)(nil)
	_ drafts.Planner  = (*aiclient.Client)(nil)
	_ drafts.Registry = (*converters.Registry)(nil)
	_ drafts.Recorder = (*recorder.Recorder)(nil)
)

// fakePlanner returns a canned Result and counts calls.
type fakePlanner struct {
	calls  atomic.Int32
	result aiclient.Result
	last   aiclient.Request
	mu     sync.Mutex
}

func (p *fakePlanner) Call(_ context.Context, req aiclient.Request) aiclient.Result {
	p.calls.Add(1)
	p.mu.Lock()
	p.last = req
	p.mu.Unlock()
	return p.result
}

type fixture struct {
	svc      *drafts.Service
	store    *memory.Store
	planner  *fakePlanner
	buyer    model.Actor
	approver model.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	reg, err := converters.NewRegistry(store)
	require.NoError(t, err)
	planner := &fakePlanner{result: aiclient.Result{
		Status: model.StatusSuccess,
		Data: map[string]any{
			"summary": "RFQ for 4 pumps",
			"payload": map[string]any{
				"title": "Pumps",
				"lines": []any{map[string]any{"description": "Pump", "quantity": 4}},
			},
			"citations": []any{map[string]any{"source_type": "document", "source_id": "doc-1", "chunk_id": "c-3"}},
		},
	}}
	tenant := uuid.New()
	return &fixture{
		svc:      drafts.New(store, planner, reg, authz.NewRoleChecker(nil), recorder.New(store, 0, testLogger), testLogger),
		store:    store,
		planner:  planner,
		buyer:    model.Actor{UserID: uuid.New(), TenantID: tenant, Role: model.RoleBuyer, Email: "b@example.com"},
		approver: model.Actor{UserID: uuid.New(), TenantID: tenant, Role: model.RoleApprover},
	}
}

func (f *fixture) features() []string {
	var out []string
	for _, e := range f.store.Events() {
		out = append(out, e.Feature)
	}
	return out
}

func (f *fixture) rfqDraft(t *testing.T) model.ActionDraft {
	t.Helper()
	d, err := f.svc.Create(context.Background(), f.buyer, model.CreateDraftRequest{
		ActionType: model.ActionRFQDraft,
		Summary:    "manual",
		Payload: map[string]any{
			"title": "Valves",
			"lines": []any{map[string]any{"description": "Gate valve", "quantity": 2}},
		},
	})
	require.NoError(t, err)
	return d
}

func TestPlanStoresPendingDraft(t *testing.T) {
	f := newFixture(t)
	entity := &model.EntityRef{Type: model.EntitySupplier, ID: uuid.New()}

	d, err := f.svc.Plan(context.Background(), f.buyer, model.PlanActionRequest{
		ActionType:    model.ActionRFQDraft,
		Query:         "we need four pumps by May",
		EntityContext: entity,
	})
	require.NoError(t, err)
	assert.Equal(t, model.DraftPending, d.Status)
	assert.Equal(t, f.buyer.TenantID, d.TenantID)
	assert.Equal(t, "RFQ for 4 pumps", d.Output.Summary)
	assert.Equal(t, "Pumps", d.Output.Payload["title"])
	require.Len(t, d.Output.Citations, 1)
	assert.Equal(t, "c-3", d.Output.Citations[0].ChunkID)
	assert.Equal(t, entity, d.Input.EntityContext)
	assert.Nil(t, d.Entity)

	assert.Equal(t, drafts.PlanEndpoint, f.planner.last.Endpoint)
	assert.Equal(t, "rfq_draft", f.planner.last.Payload["action_type"])

	stored, err := f.svc.Get(context.Background(), f.buyer, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, stored.ID)
	assert.Contains(t, f.features(), "draft_created")
}

func TestPlanRejectsUnknownActionTypeBeforeCallingAI(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Plan(context.Background(), f.buyer, model.PlanActionRequest{ActionType: "purchase_order", Query: "x"})

	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "action_type", ve.Field)
	assert.Zero(t, f.planner.calls.Load())
}

func TestPlanRemoteFailure(t *testing.T) {
	f := newFixture(t)
	f.planner.result = aiclient.Result{
		Status:  model.StatusError,
		Kind:    model.RemoteErrorCircuitOpen,
		Message: aiclient.MsgUnavailable,
	}

	_, err := f.svc.Plan(context.Background(), f.buyer, model.PlanActionRequest{ActionType: model.ActionRFQDraft, Query: "pumps"})
	require.ErrorIs(t, err, model.ErrUnavailable)
	var re *model.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, model.RemoteErrorCircuitOpen, re.Kind)

	list, err := f.svc.List(context.Background(), f.buyer, model.DraftFilter{})
	require.NoError(t, err)
	assert.Empty(t, list, "no draft on remote failure")
}

func TestPlanProposalWithoutPayload(t *testing.T) {
	f := newFixture(t)
	f.planner.result = aiclient.Result{Status: model.StatusSuccess, Data: map[string]any{"summary": "hmm"}}

	_, err := f.svc.Plan(context.Background(), f.buyer, model.PlanActionRequest{ActionType: model.ActionRFQDraft, Query: "pumps"})
	var re *model.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, aiclient.MsgMalformed, re.Message)
}

func TestPlanRequiresPermission(t *testing.T) {
	f := newFixture(t)
	viewer := model.Actor{UserID: uuid.New(), TenantID: f.buyer.TenantID, Role: model.RoleViewer}
	_, err := f.svc.Plan(context.Background(), viewer, model.PlanActionRequest{ActionType: model.ActionRFQDraft, Query: "x"})
	assert.ErrorIs(t, err, model.ErrForbidden)
	assert.Zero(t, f.planner.calls.Load())
}

func TestCreateValidatesPayload(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), f.buyer, model.CreateDraftRequest{
		ActionType: model.ActionItemDraft,
		Payload:    map[string]any{"name": "no code"},
	})
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "payload.item_code", ve.Field)
}

func TestApproveAndRejectOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	d := f.rfqDraft(t)
	_, err := f.svc.Approve(ctx, f.buyer, d.ID)
	assert.ErrorIs(t, err, model.ErrForbidden, "buyers cannot approve")

	approved, err := f.svc.Approve(ctx, f.approver, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DraftApproved, approved.Status)
	require.NotNil(t, approved.ReviewedBy)
	assert.Equal(t, f.approver.UserID, *approved.ReviewedBy)

	_, err = f.svc.Approve(ctx, f.approver, d.ID)
	assert.ErrorIs(t, err, model.ErrConflict)
	_, err = f.svc.Reject(ctx, f.approver, d.ID, "changed my mind")
	assert.ErrorIs(t, err, model.ErrConflict)

	other := f.rfqDraft(t)
	_, err = f.svc.Reject(ctx, f.approver, other.ID, "   ")
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "reason", ve.Field)

	rejected, err := f.svc.Reject(ctx, f.approver, other.ID, "duplicate of RFQ-12")
	require.NoError(t, err)
	assert.Equal(t, model.DraftRejected, rejected.Status)
	assert.Equal(t, "duplicate of RFQ-12", rejected.RejectionReason)

	_, err = f.svc.Convert(ctx, f.approver, other.ID)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "status", ve.Field)

	assert.Subset(t, f.features(), []string{"draft_created", "draft_approved", "draft_rejected"})
}

func TestConvertRequiresApproved(t *testing.T) {
	f := newFixture(t)
	d := f.rfqDraft(t)

	_, err := f.svc.Convert(context.Background(), f.approver, d.ID)
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "status", ve.Field)

	got, err := f.svc.Get(context.Background(), f.buyer, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DraftPending, got.Status)
}

func TestConvertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.rfqDraft(t)
	_, err := f.svc.Approve(ctx, f.approver, d.ID)
	require.NoError(t, err)

	first, err := f.svc.Convert(ctx, f.approver, d.ID)
	require.NoError(t, err)
	assert.False(t, first.AlreadyConverted)
	assert.Equal(t, model.DraftConverted, first.Draft.Status)
	assert.Equal(t, model.EntityRFQ, first.Entity.Type)
	require.NotNil(t, first.Draft.Entity)
	assert.Equal(t, first.Entity, *first.Draft.Entity)
	require.NotNil(t, first.Draft.ConvertedAt)

	second, err := f.svc.Convert(ctx, f.approver, d.ID)
	require.NoError(t, err)
	assert.True(t, second.AlreadyConverted)
	assert.Equal(t, first.Entity, second.Entity)

	converted := 0
	for _, e := range f.store.Events() {
		if e.Feature == "draft_converted" {
			converted++
		}
	}
	assert.Equal(t, 1, converted, "second convert has no side effects")
}

func TestConcurrentConvertCreatesOneEntity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.rfqDraft(t)
	_, err := f.svc.Approve(ctx, f.approver, d.ID)
	require.NoError(t, err)

	const n = 16
	refs := make([]model.EntityRef, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Convert(ctx, f.approver, d.ID)
			assert.NoError(t, err)
			refs[i] = res.Entity
		}()
	}
	wg.Wait()

	for _, r := range refs {
		assert.Equal(t, refs[0], r)
	}
	rfq, err := f.store.FindRFQBySourceDraft(ctx, f.buyer.TenantID, d.ID)
	require.NoError(t, err)
	assert.Equal(t, refs[0].ID, rfq.ID)
}

func TestConvertFailureLeavesDraftApproved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	d, err := f.svc.Create(ctx, f.buyer, model.CreateDraftRequest{
		ActionType: model.ActionInvoiceDisputeDraft,
		Payload:    map[string]any{"invoice_number": "INV-404", "reason": "short shipment"},
	})
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, f.approver, d.ID)
	require.NoError(t, err)

	_, err = f.svc.Convert(ctx, f.approver, d.ID)
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "payload.invoice_number", ve.Field)

	got, err := f.svc.Get(ctx, f.buyer, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DraftApproved, got.Status)
	assert.Nil(t, got.Entity)
	assert.Contains(t, f.features(), "draft_convert_failed")

	// The referenced invoice shows up; a retry succeeds.
	sup, err := f.store.SaveSupplier(ctx, model.Supplier{ID: uuid.New(), TenantID: f.buyer.TenantID, Name: "Acme"}, nil, false)
	require.NoError(t, err)
	_, err = f.store.CreateInvoice(ctx, model.Invoice{TenantID: f.buyer.TenantID, SupplierID: sup.ID, InvoiceNumber: "INV-404"})
	require.NoError(t, err)

	res, err := f.svc.Convert(ctx, f.approver, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EntityDispute, res.Entity.Type)
}

func TestListFiltersAndTenantScope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.rfqDraft(t)
	f.rfqDraft(t)
	_, err := f.svc.Approve(ctx, f.approver, a.ID)
	require.NoError(t, err)

	approved, err := f.svc.List(ctx, f.buyer, model.DraftFilter{Status: model.DraftApproved})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, a.ID, approved[0].ID)

	all, err := f.svc.List(ctx, f.buyer, model.DraftFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	stranger := model.Actor{UserID: uuid.New(), TenantID: uuid.New(), Role: model.RoleAdmin}
	none, err := f.svc.List(ctx, stranger, model.DraftFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
	_, err = f.svc.Get(ctx, stranger, a.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.svc.List(ctx, f.buyer, model.DraftFilter{Status: "archived"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}
