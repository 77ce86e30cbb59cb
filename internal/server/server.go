package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kobai/internal/auth"
	"github.com/ashita-ai/kobai/internal/authz"
	"github.com/ashita-ai/kobai/internal/ctxutil"
	"github.com/ashita-ai/kobai/internal/model"
	"github.com/ashita-ai/kobai/internal/ratelimit"
	"github.com/ashita-ai/kobai/internal/service/drafts"
	"github.com/ashita-ai/kobai/internal/service/recorder"
	"github.com/ashita-ai/kobai/internal/service/tools"
	"github.com/ashita-ai/kobai/internal/service/workflows"
)

// Server is the Kobai HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	JWTMgr    *auth.JWTManager
	Drafts    *drafts.Service
	Workflows *workflows.Service
	Tools     *tools.Resolver
	Events    *recorder.Recorder
	Checker   authz.Checker
	Storage   Pinger
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// DevTokens routes POST /auth/token, which signs any identity.
	DevTokens bool
	AIEnabled bool

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		JWTMgr:              cfg.JWTMgr,
		Drafts:              cfg.Drafts,
		Workflows:           cfg.Workflows,
		Tools:               cfg.Tools,
		Events:              cfg.Events,
		Checker:             cfg.Checker,
		Storage:             cfg.Storage,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		AIEnabled:           cfg.AIEnabled,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Endpoints that reach the AI service or fan out tool calls share one
	// per-user budget; the dev token endpoint is limited per IP.
	aiRL := ratelimit.Middleware(cfg.Limiter, actorKeyFunc, writeRateLimited, 1, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, writeRateLimited, 1, cfg.Logger)

	mux := http.NewServeMux()

	if cfg.DevTokens {
		mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))
	}

	// Drafts.
	mux.Handle("POST /v1/actions/plan", aiRL(http.HandlerFunc(h.HandlePlanAction)))
	mux.HandleFunc("POST /v1/drafts", h.HandleCreateDraft)
	mux.HandleFunc("GET /v1/drafts", h.HandleListDrafts)
	mux.HandleFunc("GET /v1/drafts/{id}", h.HandleGetDraft)
	mux.HandleFunc("POST /v1/drafts/{id}/approve", h.HandleApproveDraft)
	mux.HandleFunc("POST /v1/drafts/{id}/reject", h.HandleRejectDraft)
	mux.HandleFunc("POST /v1/drafts/{id}/convert", h.HandleConvertDraft)

	// Workflows.
	mux.HandleFunc("POST /v1/workflows", h.HandleStartWorkflow)
	mux.HandleFunc("GET /v1/workflows/{id}", h.HandleGetWorkflow)
	mux.HandleFunc("POST /v1/workflows/{id}/steps/{index}/complete", h.HandleCompleteWorkflowStep)
	mux.HandleFunc("GET /v1/workflow-templates", h.HandleListWorkflowTemplates)

	// Chat tool calls.
	mux.Handle("POST /v1/tool-calls", aiRL(http.HandlerFunc(h.HandleResolveToolCalls)))

	// Interaction audit.
	mux.HandleFunc("GET /v1/events", h.HandleListEvents)
	mux.HandleFunc("GET /v1/events/summary", h.HandleEventSummary)

	// MCP StreamableHTTP transport. Auth middleware has already put the
	// caller's claims on the request context the tool handlers read.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", aiRL(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(mux, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// actorKeyFunc keys rate limits by tenant and user. Admins are exempt.
func actorKeyFunc(r *http.Request) string {
	actor, ok := ctxutil.ActorFromContext(r.Context())
	if !ok || actor.Role == model.RoleAdmin {
		return ""
	}
	return "tenant:" + actor.TenantID.String() + ":user:" + actor.UserID.String()
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
