package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobai/internal/auth"
	"github.com/ashita-ai/kobai/internal/authz"
	"github.com/ashita-ai/kobai/internal/ctxutil"
	"github.com/ashita-ai/kobai/internal/model"
	"github.com/ashita-ai/kobai/internal/service/drafts"
	"github.com/ashita-ai/kobai/internal/service/recorder"
	"github.com/ashita-ai/kobai/internal/service/tools"
	"github.com/ashita-ai/kobai/internal/service/workflows"
)

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	jwtMgr              *auth.JWTManager
	drafts              *drafts.Service
	workflows           *workflows.Service
	tools               *tools.Resolver
	events              *recorder.Recorder
	checker             authz.Checker
	storage             Pinger
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	aiEnabled           bool
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// OpenAPISpec is optional.
type HandlersDeps struct {
	JWTMgr              *auth.JWTManager
	Drafts              *drafts.Service
	Workflows           *workflows.Service
	Tools               *tools.Resolver
	Events              *recorder.Recorder
	Checker             authz.Checker
	Storage             Pinger
	Logger              *slog.Logger
	Version             string
	AIEnabled           bool
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		jwtMgr:              d.JWTMgr,
		drafts:              d.Drafts,
		workflows:           d.Workflows,
		tools:               d.Tools,
		events:              d.Events,
		checker:             d.Checker,
		storage:             d.Storage,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		aiEnabled:           d.AIEnabled,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Storage: "connected",
		AI:      "enabled",
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if err := h.storage.Ping(r.Context()); err != nil {
		h.logger.Warn("health: storage ping failed", "error", err)
		resp.Storage = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	if !h.aiEnabled {
		resp.AI = "disabled"
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleAuthToken handles POST /auth/token. It is only routed when
// development tokens are enabled: it signs whatever identity it is given.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.TokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if model.RoleRank(req.Role) == 0 {
		writeErrorDetail(w, r, http.StatusBadRequest, model.ErrorDetail{
			Code: model.ErrCodeInvalidInput, Message: "unknown role", Field: "role",
		})
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(model.Actor{
		UserID:      req.UserID,
		TenantID:    req.TenantID,
		Email:       req.Email,
		Role:        req.Role,
		Permissions: req.Permissions,
	})
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, model.TokenResponse{Token: token, ExpiresAt: expiresAt})
}

// --- Shared helpers ---

// requireActor returns the authenticated actor or writes a 401.
func requireActor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor, ok := ctxutil.ActorFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "authentication required")
	}
	return actor, ok
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, model.NewValidationError(name, "is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, model.NewValidationError(name, "invalid UUID %q", raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 500

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a limit clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	return min(max(queryInt(r, "limit", defaultVal), 1), maxQueryLimit)
}

// queryOffset returns a non-negative offset.
func queryOffset(r *http.Request) int {
	return max(queryInt(r, "offset", 0), 0)
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, model.NewValidationError(key, "expected RFC3339 format (e.g. %s)", "2026-01-01T00:00:00Z")
	}
	return &t, nil
}
