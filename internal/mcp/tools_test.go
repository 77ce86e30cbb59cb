package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kobai/internal/auth"
	"github.com/ashita-ai/kobai/internal/authz"
	"github.com/ashita-ai/kobai/internal/ctxutil"
	"github.com/ashita-ai/kobai/internal/model"
	"github.com/ashita-ai/kobai/internal/service/aiclient"
	"github.com/ashita-ai/kobai/internal/service/converters"
	"github.com/ashita-ai/kobai/internal/service/drafts"
	"github.com/ashita-ai/kobai/internal/service/tools"
	"github.com/ashita-ai/kobai/internal/service/workflows"
	"github.com/ashita-ai/kobai/internal/storage/memory"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

type offlinePlanner struct{}

func (offlinePlanner) Call(context.Context, aiclient.Request) aiclient.Result {
	return aiclient.Result{Status: model.StatusError, Kind: model.RemoteErrorDisabled, Message: aiclient.MsgUnavailable}
}

type fixture struct {
	srv   *Server
	store *memory.Store
	buyer model.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	reg, err := converters.NewRegistry(store)
	require.NoError(t, err)
	checker := authz.NewRoleChecker(nil)
	draftSvc := drafts.New(store, offlinePlanner{}, reg, checker, nil, testLogger)
	catalog, err := workflows.NewCatalog(workflows.BuiltinTemplates())
	require.NoError(t, err)
	workflowSvc := workflows.New(store, catalog, draftSvc, checker, testLogger)
	resolver := tools.New(tools.Config{MaxCallsPerRequest: 5, MaxRoundsPerMessage: 3, Concurrency: 2}, draftSvc, checker, testLogger)

	srv, err := New(resolver, draftSvc, workflowSvc, testLogger, "test")
	require.NoError(t, err)
	return &fixture{
		srv:   srv,
		store: store,
		buyer: model.Actor{UserID: uuid.New(), TenantID: uuid.New(), Email: "buyer@example.com", Role: model.RoleBuyer},
	}
}

var testJWT = func() *auth.JWTManager {
	m, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		panic(err)
	}
	return m
}()

// withActor returns a context carrying the claims the HTTP auth middleware
// would have stored for a.
func withActor(t *testing.T, a model.Actor) context.Context {
	t.Helper()
	token, _, err := testJWT.IssueToken(a)
	require.NoError(t, err)
	claims, err := testJWT.ValidateToken(token)
	require.NoError(t, err)
	return ctxutil.WithClaims(context.Background(), claims)
}

func callTool(t *testing.T, f *fixture, ctx context.Context, name model.ToolName, args map[string]any) *mcplib.CallToolResult {
	t.Helper()
	var req mcplib.CallToolRequest
	req.Params.Name = string(name)
	req.Params.Arguments = args
	res, err := f.srv.callHandler(name)(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func resultText(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func TestBuildToolCreatesPendingDraft(t *testing.T) {
	f := newFixture(t)
	res := callTool(t, f, withActor(t, f.buyer), model.ToolBuildItemDraft, map[string]any{
		"item_code": "ROTAR-100",
		"name":      "Rotary actuator",
		"summary":   "Add the rotary actuator",
	})
	require.False(t, res.IsError, resultText(t, res))

	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &data))
	assert.Equal(t, string(model.DraftPending), data["status"])
	assert.Equal(t, string(model.ActionItemDraft), data["action_type"])

	id, err := uuid.Parse(data["draft_id"].(string))
	require.NoError(t, err)
	d, err := f.store.GetDraft(context.Background(), f.buyer.TenantID, id)
	require.NoError(t, err)
	assert.Equal(t, "ROTAR-100", d.Output.Payload["item_code"])
	assert.NotContains(t, d.Output.Payload, "summary")
}

func TestToolCallRequiresAuthenticatedCaller(t *testing.T) {
	f := newFixture(t)
	res := callTool(t, f, context.Background(), model.ToolGetDraftStatus, map[string]any{"draft_id": uuid.NewString()})
	assert.True(t, res.IsError)
	assert.Equal(t, "authentication required", resultText(t, res))
}

func TestToolCallReportsFieldError(t *testing.T) {
	f := newFixture(t)
	res := callTool(t, f, withActor(t, f.buyer), model.ToolCreateDisputeDraft, map[string]any{"reason": "short shipped"})
	require.True(t, res.IsError)

	var te model.ToolError
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &te))
	assert.Equal(t, model.ErrCodeInvalidInput, te.Code)
	assert.Equal(t, "invoice_id", te.Field)
}

func TestDisputeToolReadsContextArgument(t *testing.T) {
	f := newFixture(t)
	invoiceID := uuid.New()
	res := callTool(t, f, withActor(t, f.buyer), model.ToolCreateDisputeDraft, map[string]any{
		"reason":  "price mismatch",
		"context": map[string]any{"invoice_id": invoiceID.String()},
	})
	require.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), string(model.ActionInvoiceDisputeDraft))
}

func TestViewerCannotBuildDrafts(t *testing.T) {
	f := newFixture(t)
	viewer := f.buyer
	viewer.Role = model.RoleViewer
	res := callTool(t, f, withActor(t, viewer), model.ToolBuildRFQDraft, map[string]any{
		"title": "Pumps",
		"lines": []any{map[string]any{"description": "Pump", "quantity": 2}},
	})
	require.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), model.ErrCodeForbidden)
}

func TestEveryToolHasADeclaration(t *testing.T) {
	for _, def := range tools.Definitions() {
		t.Run(string(def.Name), func(t *testing.T) {
			tool, err := toolFor(def)
			require.NoError(t, err)
			assert.Equal(t, string(def.Name), tool.Name)

			raw, err := json.Marshal(tool)
			require.NoError(t, err)
			var decoded struct {
				InputSchema struct {
					Type       string         `json:"type"`
					Properties map[string]any `json:"properties"`
					Required   []string       `json:"required"`
				} `json:"inputSchema"`
			}
			require.NoError(t, json.Unmarshal(raw, &decoded))
			assert.Equal(t, "object", decoded.InputSchema.Type)
			for _, key := range def.Required {
				assert.Contains(t, decoded.InputSchema.Properties, key)
				assert.Contains(t, decoded.InputSchema.Required, key)
			}
		})
	}
}

func TestInputSchemaAddsSummary(t *testing.T) {
	raw, err := inputSchema(model.ActionRFQDraft)
	require.NoError(t, err)
	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.NotContains(t, schema, "$schema")
	assert.Contains(t, schema["properties"], "summary")
	assert.Contains(t, schema["properties"], "lines")
}
