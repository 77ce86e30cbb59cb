package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kobai/internal/auth"
	"github.com/ashita-ai/kobai/internal/ctxutil"
	"github.com/ashita-ai/kobai/internal/model"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
		field  string
	}{
		{
			name:   "validation",
			err:    fmt.Errorf("drafts: create: %w", model.NewValidationError("payload.title", "is required")),
			status: http.StatusBadRequest, code: model.ErrCodeInvalidInput, field: "payload.title",
		},
		{name: "invalid input", err: model.ErrInvalidInput, status: http.StatusBadRequest, code: model.ErrCodeInvalidInput},
		{name: "forbidden", err: fmt.Errorf("authz: %w", model.ErrForbidden), status: http.StatusForbidden, code: model.ErrCodeForbidden},
		{name: "not found", err: fmt.Errorf("drafts: get: %w", model.ErrNotFound), status: http.StatusNotFound, code: model.ErrCodeNotFound},
		{name: "conflict", err: fmt.Errorf("draft is rejected: %w", model.ErrConflict), status: http.StatusConflict, code: model.ErrCodeConflict},
		{
			name:   "remote",
			err:    &model.RemoteError{Kind: model.RemoteErrorCircuitOpen, Message: "AI assistance is temporarily unavailable"},
			status: http.StatusServiceUnavailable, code: model.ErrCodeUnavailable,
		},
		{name: "unavailable", err: model.ErrUnavailable, status: http.StatusServiceUnavailable, code: model.ErrCodeUnavailable},
		{name: "unknown", err: errors.New("disk on fire"), status: http.StatusInternalServerError, code: model.ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/v1/drafts", nil)
			writeServiceError(rec, req, testLogger, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			detail := decodeErrorBody(t, rec)
			assert.Equal(t, tt.code, detail.Code)
			assert.Equal(t, tt.field, detail.Field)
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "internal error", detail.Message, "internal errors are not leaked")
			}
		})
	}
}

func TestWriteServiceErrorRemoteKind(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, httptest.NewRequest(http.MethodPost, "/v1/actions/plan", nil), testLogger,
		fmt.Errorf("plan: %w", &model.RemoteError{Kind: model.RemoteErrorDisabled, Message: "off"}))

	detail := decodeErrorBody(t, rec)
	assert.Equal(t, "off", detail.Message)
	assert.Equal(t, map[string]any{"kind": "disabled"}, detail.Details)
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}
	tests := []struct {
		name    string
		payload string
		status  int
	}{
		{name: "ok", payload: `{"name":"acme"}`, status: http.StatusOK},
		{name: "empty", payload: ``, status: http.StatusBadRequest},
		{name: "unknown field", payload: `{"name":"acme","extra":true}`, status: http.StatusBadRequest},
		{name: "trailing value", payload: `{"name":"a"}{"name":"b"}`, status: http.StatusBadRequest},
		{name: "too large", payload: `{"name":"` + strings.Repeat("a", 100) + `"}`, status: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.payload))
			var b body
			if err := decodeJSON(rec, req, &b, 64); err != nil {
				handleDecodeError(rec, req, err)
			} else {
				rec.WriteHeader(http.StatusOK)
			}
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := requestIDMiddleware(recoveryMiddleware(testLogger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/drafts", nil)
	req.Header.Set("X-Request-ID", "req-1")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var env model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, model.ErrCodeInternalError, env.Error.Code)
	assert.Equal(t, "req-1", env.Meta.RequestID)
}

func TestRecoveryMiddlewareRepanicsAbort(t *testing.T) {
	handler := recoveryMiddleware(testLogger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = ctxutil.RequestIDFromContext(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{name: "client supplied", header: "abc-123", keep: true},
		{name: "missing", header: ""},
		{name: "oversized", header: strings.Repeat("x", 129)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("X-Request-ID", tt.header)
			}
			handler.ServeHTTP(rec, req)

			assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
			if tt.keep {
				assert.Equal(t, tt.header, seen)
			} else {
				assert.Len(t, seen, 36)
			}
		})
	}
}

func TestActorKeyFunc(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	withRole := func(role model.Role) *http.Request {
		a := model.Actor{UserID: uuid.New(), TenantID: uuid.New(), Role: role}
		token, _, err := jwtMgr.IssueToken(a)
		require.NoError(t, err)
		claims, err := jwtMgr.ValidateToken(token)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/v1/actions/plan", nil)
		return req.WithContext(ctxutil.WithClaims(req.Context(), claims))
	}

	assert.Empty(t, actorKeyFunc(httptest.NewRequest(http.MethodPost, "/v1/actions/plan", nil)), "anonymous requests are not keyed")
	assert.Empty(t, actorKeyFunc(withRole(model.RoleAdmin)), "admins are exempt")

	key := actorKeyFunc(withRole(model.RoleBuyer))
	assert.True(t, strings.HasPrefix(key, "tenant:"), key)
	assert.Contains(t, key, ":user:")
}
