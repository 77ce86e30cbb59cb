// Package aiclient calls the external AI microservice defensively.
//
// Every call is bounded by a timeout, authenticated with a shared secret,
// gated by global and per-tenant switches and by a circuit breaker, and
// recorded as an InteractionEvent. Call never returns a Go error: transport,
// configuration and breaker failures all come back as an error Result with a
// message that is safe to show to end users.
package aiclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/crypto/blake2b"

	"github.com/ashita-ai/kobai/internal/breaker"
	"github.com/ashita-ai/kobai/internal/model"
	"github.com/ashita-ai/kobai/internal/telemetry"
)

// SecretHeader carries the shared secret on every outbound request.
const SecretHeader = "X-Kobai-Secret"

// User-facing messages. Raw failure detail only goes to the event log.
const (
	MsgUnavailable   = "AI assistance is temporarily unavailable"
	MsgRequestFailed = "AI service request failed"
	MsgMalformed     = "AI service returned an unreadable response"
	MsgNotConfigured = "AI service is not configured"
)

const maxResponseBytes = 8 << 20

// Config configures a Client.
type Config struct {
	Enabled      bool
	BaseURL      string
	Timeout      time.Duration
	SharedSecret string
	SafetySecret string
}

// SettingsSource resolves per-tenant AI settings.
type SettingsSource interface {
	GetTenantSettings(ctx context.Context, tenantID uuid.UUID) (model.TenantSettings, error)
}

// Recorder persists interaction events.
type Recorder interface {
	Record(ctx context.Context, e model.InteractionEvent)
}

// Request describes one call.
type Request struct {
	Actor    model.Actor
	Feature  string // e.g. "plan_action"; used for auditing and metrics
	Endpoint string // path on the AI service, e.g. "/v1/actions/plan"
	Payload  map[string]any
	Entity   *model.EntityRef
}

// Result is the outcome of a call. Kind is empty on success.
type Result struct {
	Status    model.EventStatus
	Kind      model.RemoteErrorKind
	Data      map[string]any
	Message   string
	LatencyMS int64
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Status == model.StatusSuccess }

// Err converts a failed Result into a *model.RemoteError; nil on success.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &model.RemoteError{Kind: r.Kind, Message: r.Message}
}

// Client is the resilient AI service client.
type Client struct {
	cfg      Config
	http     *http.Client
	breaker  *breaker.Breaker
	settings SettingsSource
	recorder Recorder
	logger   *slog.Logger

	latency metric.Float64Histogram
}

// New creates a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, b *breaker.Breaker, settings SettingsSource, rec Recorder, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	// The per-call context deadline is the primary bound; the client timeout
	// also covers body reads on misbehaving servers.
	hc := *httpClient
	hc.Timeout = cfg.Timeout
	latency, _ := telemetry.Meter("kobai/aiclient").Float64Histogram("kobai.ai.request.duration",
		metric.WithUnit("ms"), metric.WithDescription("AI service call latency"))
	return &Client{
		cfg:      cfg,
		http:     &hc,
		breaker:  b,
		settings: settings,
		recorder: rec,
		logger:   logger,
		latency:  latency,
	}
}

// Enabled reports whether AI calls are globally enabled.
func (c *Client) Enabled() bool { return c.cfg.Enabled }

// Call performs one request. See the package doc for the failure contract.
func (c *Client) Call(ctx context.Context, req Request) Result {
	settings := c.tenantSettings(ctx, req.Actor.TenantID)

	if !c.cfg.Enabled || !settings.AIEnabled {
		reason := "feature_disabled"
		if c.cfg.Enabled {
			reason = "tenant_disabled"
		}
		c.record(ctx, req, model.EventCircuitSkip, map[string]any{"endpoint": req.Endpoint},
			map[string]any{"reason": reason}, nil, model.StatusError, MsgUnavailable)
		return Result{Status: model.StatusError, Kind: model.RemoteErrorDisabled, Message: MsgUnavailable}
	}

	if c.cfg.BaseURL == "" || c.cfg.SharedSecret == "" {
		c.logger.Error("aiclient: base URL or shared secret missing", "feature", req.Feature)
		c.record(ctx, req, model.EventRequest, map[string]any{"endpoint": req.Endpoint},
			map[string]any{"reason": "configuration"}, nil, model.StatusError, MsgNotConfigured)
		return Result{Status: model.StatusError, Kind: model.RemoteErrorConfig, Message: MsgNotConfigured}
	}

	if !c.breaker.Allow(ctx, req.Endpoint) {
		c.record(ctx, req, model.EventCircuitSkip, map[string]any{"endpoint": req.Endpoint},
			map[string]any{"reason": "circuit_open"}, nil, model.StatusError, MsgUnavailable)
		return Result{Status: model.StatusError, Kind: model.RemoteErrorCircuitOpen, Message: MsgUnavailable}
	}

	body := c.buildBody(req, settings)
	start := time.Now()
	status, raw, err := c.post(ctx, req.Endpoint, body)
	latency := time.Since(start).Milliseconds()
	c.observe(ctx, req.Feature, latency, err == nil && status/100 == 2)

	requestLog := maps.Clone(body)
	requestLog["endpoint"] = req.Endpoint

	var failure string
	var data map[string]any
	switch {
	case err != nil:
		failure = err.Error()
	case status/100 != 2:
		failure = fmt.Sprintf("unexpected status %d", status)
	default:
		if derr := json.Unmarshal(raw, &data); derr != nil || data == nil {
			failure = "malformed response body"
		}
	}

	if failure != "" {
		response := map[string]any{"status_code": status, "body": string(raw)}
		// Only failures the AI service caused count against the breaker.
		opened := false
		if ctx.Err() != nil {
			response["caller_canceled"] = true
		} else {
			opened = c.breaker.Failure(ctx, req.Endpoint)
		}
		msg := MsgRequestFailed
		if err == nil && status/100 == 2 {
			msg = MsgMalformed
		}
		c.record(ctx, req, model.EventRequest, requestLog, response, &latency, model.StatusError, failure)
		if opened {
			c.record(ctx, req, model.EventCircuitOpen, map[string]any{"endpoint": req.Endpoint},
				map[string]any{
					"threshold":    c.breaker.Policy().Threshold,
					"window_ms":    c.breaker.Policy().Window.Milliseconds(),
					"open_for_ms":  c.breaker.Policy().OpenFor.Milliseconds(),
					"last_failure": failure,
				}, nil, model.StatusError, "circuit opened")
		}
		c.logger.Warn("aiclient: call failed", "feature", req.Feature, "endpoint", req.Endpoint,
			"tenant_id", req.Actor.TenantID, "error", failure, "latency_ms", latency)
		return Result{Status: model.StatusError, Kind: model.RemoteErrorRemote, Message: msg, LatencyMS: latency}
	}

	c.breaker.Success(ctx, req.Endpoint)
	c.record(ctx, req, model.EventRequest, requestLog, data, &latency, model.StatusSuccess, "")
	msg, _ := data["message"].(string)
	return Result{Status: model.StatusSuccess, Data: data, Message: msg, LatencyMS: latency}
}

// buildBody merges caller payload with server-side fields. Server-side keys
// always win over caller-supplied ones.
func (c *Client) buildBody(req Request, settings model.TenantSettings) map[string]any {
	body := make(map[string]any, len(req.Payload)+4)
	maps.Copy(body, req.Payload)

	flags := settings.FeatureFlags
	if flags == nil {
		flags = map[string]any{}
	}
	body["feature_flags"] = flags
	if settings.LLMProvider != "" {
		body["llm_provider"] = settings.LLMProvider
	} else {
		delete(body, "llm_provider")
	}
	body["audit"] = map[string]any{
		"tenant_id": req.Actor.TenantID.String(),
		"user_id":   req.Actor.UserID.String(),
		"role":      string(req.Actor.Role),
	}
	delete(body, "safety_identifier")
	if id := SafetyIdentifier(c.cfg.SafetySecret, req.Actor.Email); id != "" {
		body["safety_identifier"] = id
	}
	return body
}

func (c *Client) post(ctx context.Context, endpoint string, body map[string]any) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+endpoint, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(SecretHeader, c.cfg.SharedSecret)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, fmt.Errorf("timeout after %s", c.cfg.Timeout)
		}
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, raw, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

func (c *Client) tenantSettings(ctx context.Context, tenantID uuid.UUID) model.TenantSettings {
	defaults := model.TenantSettings{TenantID: tenantID, AIEnabled: true}
	if c.settings == nil {
		return defaults
	}
	ts, err := c.settings.GetTenantSettings(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			c.logger.Warn("aiclient: tenant settings lookup failed, using defaults", "tenant_id", tenantID, "error", err)
		}
		return defaults
	}
	return ts
}

func (c *Client) record(ctx context.Context, req Request, kind model.EventKind, request, response map[string]any,
	latency *int64, status model.EventStatus, errMsg string) {
	if c.recorder == nil {
		return
	}
	c.recorder.Record(ctx, model.InteractionEvent{
		TenantID:     req.Actor.TenantID,
		UserID:       req.Actor.UserID,
		Feature:      req.Feature,
		Kind:         kind,
		Request:      request,
		Response:     response,
		LatencyMS:    latency,
		Status:       status,
		ErrorMessage: errMsg,
		Entity:       req.Entity,
	})
}

func (c *Client) observe(ctx context.Context, feature string, latencyMS int64, ok bool) {
	if c.latency == nil {
		return
	}
	c.latency.Record(ctx, float64(latencyMS), metric.WithAttributes(
		attribute.String("feature", feature),
		attribute.Bool("success", ok),
	))
}

// SafetyIdentifier derives a stable pseudonymous user identifier from an email
// address with keyed BLAKE2b-256. It returns "" when either input is empty.
func SafetyIdentifier(secret, email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if secret == "" || email == "" {
		return ""
	}
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		return ""
	}
	h.Write([]byte(email))
	return hex.EncodeToString(h.Sum(nil))
}
