package kobai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kobai server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is a bearer token issued by your identity provider.
	Token string

	// DevIdentity makes the client fetch tokens from POST /auth/token.
	// Only servers started with KOBAI_DEV_TOKENS=true serve that route.
	// Ignored when Token is set.
	DevIdentity *DevIdentity

	// HTTPClient is an optional custom HTTP client. If nil, a client with
	// Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Kobai API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	tokens  tokenSource
}

// NewClient creates a Client from cfg. BaseURL and one of Token or
// DevIdentity are required.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("kobai: BaseURL is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	var tokens tokenSource
	switch {
	case cfg.Token != "":
		tokens = staticToken(cfg.Token)
	case cfg.DevIdentity != nil:
		tokens = newDevTokenManager(baseURL, *cfg.DevIdentity, httpClient)
	default:
		return nil, errors.New("kobai: Token or DevIdentity is required")
	}

	return &Client{baseURL: baseURL, client: httpClient, tokens: tokens}, nil
}

// PlanAction asks the AI service for a proposal and stores it as a pending
// draft. IsUnavailable reports AI failures.
func (c *Client) PlanAction(ctx context.Context, req PlanRequest) (*Draft, error) {
	var d Draft
	if err := c.post(ctx, "/v1/actions/plan", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDraft stores a caller-authored pending draft.
func (c *Client) CreateDraft(ctx context.Context, req CreateDraftRequest) (*Draft, error) {
	var d Draft
	if err := c.post(ctx, "/v1/drafts", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDraft fetches one draft.
func (c *Client) GetDraft(ctx context.Context, id uuid.UUID) (*Draft, error) {
	var d Draft
	if err := c.get(ctx, "/v1/drafts/"+id.String(), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDrafts lists the caller's tenant drafts, newest first.
func (c *Client) ListDrafts(ctx context.Context, opts *ListDraftsOptions) ([]Draft, error) {
	q := url.Values{}
	if opts != nil {
		setNonEmpty(q, "status", string(opts.Status))
		setNonEmpty(q, "action_type", string(opts.ActionType))
		setPage(q, opts.Limit, opts.Offset)
	}
	var out []Draft
	if err := c.get(ctx, "/v1/drafts", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ApproveDraft approves a pending draft.
func (c *Client) ApproveDraft(ctx context.Context, id uuid.UUID) (*Draft, error) {
	var d Draft
	if err := c.post(ctx, "/v1/drafts/"+id.String()+"/approve", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// RejectDraft rejects a pending draft. reason is required.
func (c *Client) RejectDraft(ctx context.Context, id uuid.UUID, reason string) (*Draft, error) {
	var d Draft
	body := map[string]string{"reason": reason}
	if err := c.post(ctx, "/v1/drafts/"+id.String()+"/reject", body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ConvertDraft creates the record an approved draft describes. Repeating it
// returns the same entity with AlreadyConverted set.
func (c *Client) ConvertDraft(ctx context.Context, id uuid.UUID) (*ConvertResult, error) {
	var res ConvertResult
	if err := c.post(ctx, "/v1/drafts/"+id.String()+"/convert", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// StartWorkflow starts a run of a configured workflow template.
func (c *Client) StartWorkflow(ctx context.Context, req StartWorkflowRequest) (*WorkflowRun, error) {
	var run WorkflowRun
	if err := c.post(ctx, "/v1/workflows", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetWorkflow fetches a run.
func (c *Client) GetWorkflow(ctx context.Context, id uuid.UUID) (*WorkflowRun, error) {
	var run WorkflowRun
	if err := c.get(ctx, "/v1/workflows/"+id.String(), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// CompleteStep completes step index of a running workflow. index must be the
// run's current step.
func (c *Client) CompleteStep(ctx context.Context, id uuid.UUID, index int, req CompleteStepRequest) (*WorkflowRun, error) {
	var run WorkflowRun
	path := fmt.Sprintf("/v1/workflows/%s/steps/%d/complete", id, index)
	if err := c.post(ctx, path, req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListWorkflowTemplates lists the server's workflow templates.
func (c *Client) ListWorkflowTemplates(ctx context.Context) ([]WorkflowTemplate, error) {
	var out []WorkflowTemplate
	if err := c.get(ctx, "/v1/workflow-templates", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveToolCalls resolves one round of chat tool calls. Results come back in
// input order; individual failures are reported per result, not as an error.
func (c *Client) ResolveToolCalls(ctx context.Context, req ToolCallsRequest) ([]ToolCallResult, error) {
	var out struct {
		Results []ToolCallResult `json:"results"`
	}
	if err := c.post(ctx, "/v1/tool-calls", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// ListEvents lists interaction events, newest first.
func (c *Client) ListEvents(ctx context.Context, opts *ListEventsOptions) ([]InteractionEvent, error) {
	q := url.Values{}
	if opts != nil {
		setNonEmpty(q, "feature", opts.Feature)
		setNonEmpty(q, "kind", opts.Kind)
		setNonEmpty(q, "status", opts.Status)
		setTime(q, "since", opts.Since)
		setTime(q, "until", opts.Until)
		setPage(q, opts.Limit, opts.Offset)
	}
	var out []InteractionEvent
	if err := c.get(ctx, "/v1/events", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EventSummary aggregates events per feature since the given time. A zero
// since uses the server default of seven days.
func (c *Client) EventSummary(ctx context.Context, since time.Time) (*EventSummary, error) {
	q := url.Values{}
	setTime(q, "since", since)
	var out EventSummary
	if err := c.get(ctx, "/v1/events/summary", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks server health. It does not need a token.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("kobai: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kobai: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var h HealthResponse
	if err := handleResponse(resp, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func setNonEmpty(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setTime(q url.Values, key string, t time.Time) {
	if !t.IsZero() {
		q.Set(key, t.UTC().Format(time.RFC3339))
	}
}

func setPage(q url.Values, limit, offset int) {
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("kobai: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("kobai: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, dest any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("kobai: create request: %w", err)
	}
	return c.do(ctx, req, dest)
}

func (c *Client) do(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokens.token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kobai: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kobai: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, raw)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("kobai: decode response envelope: %w", err)
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return fmt.Errorf("kobai: decode response data: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var env apiErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Field = env.Error.Field
		apiErr.Kind = env.Error.Details.Kind
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
