// Package kobai is the public API for embedding the Kobai orchestration
// server.
//
// Consumers construct and run the server without forking it:
//
//	app, err := kobai.New(ctx,
//	    kobai.WithVersion(version),
//	    kobai.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*; internal/* never imports the root.
package kobai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/kobai/api"
	"github.com/ashita-ai/kobai/internal/auth"
	"github.com/ashita-ai/kobai/internal/authz"
	"github.com/ashita-ai/kobai/internal/breaker"
	"github.com/ashita-ai/kobai/internal/config"
	"github.com/ashita-ai/kobai/internal/mcp"
	"github.com/ashita-ai/kobai/internal/model"
	"github.com/ashita-ai/kobai/internal/ratelimit"
	"github.com/ashita-ai/kobai/internal/server"
	"github.com/ashita-ai/kobai/internal/service/aiclient"
	"github.com/ashita-ai/kobai/internal/service/converters"
	"github.com/ashita-ai/kobai/internal/service/drafts"
	"github.com/ashita-ai/kobai/internal/service/recorder"
	"github.com/ashita-ai/kobai/internal/service/tools"
	"github.com/ashita-ai/kobai/internal/service/workflows"
	"github.com/ashita-ai/kobai/internal/storage"
	"github.com/ashita-ai/kobai/internal/storage/memory"
	"github.com/ashita-ai/kobai/internal/telemetry"
	"github.com/ashita-ai/kobai/migrations"
)

// redisPrefix namespaces every key Kobai writes to a shared Redis.
const redisPrefix = "kobai"

// settingsTTL bounds how stale a tenant's AI settings may be.
const settingsTTL = 30 * time.Second

// backend is the persistence surface both storage implementations provide.
type backend interface {
	drafts.Store
	workflows.Store
	recorder.Store
	converters.Domain
	authz.SettingsSource
	server.Pinger
}

var (
	_ backend = (*storage.DB)(nil)
	_ backend = (*memory.Store)(nil)
)

// App is the Kobai server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg           config.Config
	srv           *server.Server
	db            *storage.DB // nil with in-memory storage
	redis         *redis.Client
	settingsCache *authz.SettingsCache
	limiter       ratelimit.Limiter
	otelShutdown  telemetry.Shutdown
	logger        *slog.Logger
	version       string
}

// New loads configuration, connects storage, runs migrations and wires every
// subsystem. It does not accept HTTP connections; call Run.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.Storage = "postgres"
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.workflowsFile != "" {
		cfg.WorkflowsFile = o.workflowsFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kobai starting", "version", version, "port", cfg.Port, "storage", cfg.Storage)

	a := &App{cfg: cfg, logger: logger, version: version}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	a.otelShutdown, err = telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := a.openStorage(ctx, o)
	if err != nil {
		return nil, err
	}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(redisOpts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: ping: %w", err)
		}
		logger.Info("redis: enabled (shared breaker and rate limit state)", "addr", redisOpts.Addr)
	} else {
		logger.Info("redis: disabled (no REDIS_URL), breaker and rate limits are per replica")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if cfg.DevTokens {
		logger.Warn("development tokens enabled: POST /auth/token signs any identity")
	}

	// AI client: breaker, tenant settings and the event recorder.
	var breakerStore breaker.Store = breaker.NewMemoryStore()
	if a.redis != nil {
		breakerStore = breaker.NewRedisStore(a.redis, redisPrefix+":breaker")
	}
	aiBreaker := breaker.New(breakerStore, breaker.Policy{
		Threshold: cfg.AI.BreakerFailureThreshold,
		Window:    cfg.AI.BreakerWindow,
		OpenFor:   cfg.AI.BreakerOpenDuration,
	}, logger)
	a.settingsCache = authz.NewSettingsCache(store, settingsTTL)
	rec := recorder.New(store, cfg.AI.EventStringCap, logger)
	aiClient := aiclient.New(aiclient.Config{
		Enabled:      cfg.AI.Enabled,
		BaseURL:      cfg.AI.BaseURL,
		Timeout:      cfg.AI.Timeout,
		SharedSecret: cfg.AI.SharedSecret,
		SafetySecret: cfg.AI.SafetySecret,
	}, o.httpClient, aiBreaker, a.settingsCache, rec, logger)
	if !cfg.AI.Enabled {
		logger.Info("ai: disabled (KOBAI_AI_ENABLED=false), AI endpoints answer 503")
	} else if cfg.AI.BaseURL == "" || cfg.AI.SharedSecret == "" {
		logger.Warn("ai: KOBAI_AI_BASE_URL or KOBAI_AI_SHARED_SECRET missing, AI calls will fail as not configured")
	}

	registry, err := converters.NewRegistry(store)
	if err != nil {
		return nil, fmt.Errorf("converters: %w", err)
	}
	checker := authz.NewRoleChecker(rolePermissions(o.rolePermissions))
	draftSvc := drafts.New(store, aiClient, registry, checker, rec, logger)

	templates := workflows.BuiltinTemplates()
	if cfg.WorkflowsFile != "" {
		templates, err = workflows.LoadTemplates(cfg.WorkflowsFile)
		if err != nil {
			return nil, fmt.Errorf("workflows: %w", err)
		}
		logger.Info("workflows: templates loaded", "file", cfg.WorkflowsFile, "count", len(templates))
	}
	catalog, err := workflows.NewCatalog(templates)
	if err != nil {
		return nil, fmt.Errorf("workflows: %w", err)
	}
	workflowSvc := workflows.New(store, catalog, draftSvc, checker, logger)

	resolver := tools.New(tools.Config{
		MaxCallsPerRequest:  cfg.AI.ToolMaxCallsPerRequest,
		MaxRoundsPerMessage: cfg.AI.ToolMaxRoundsPerMessage,
		Concurrency:         cfg.AI.ToolConcurrency,
	}, draftSvc, checker, logger)

	mcpSrv, err := mcp.New(resolver, draftSvc, workflowSvc, logger, version)
	if err != nil {
		return nil, fmt.Errorf("mcp: %w", err)
	}

	a.limiter = a.newLimiter()

	a.srv = server.New(server.ServerConfig{
		JWTMgr:              jwtMgr,
		Drafts:              draftSvc,
		Workflows:           workflowSvc,
		Tools:               resolver,
		Events:              rec,
		Checker:             checker,
		Storage:             store,
		Logger:              logger,
		Limiter:             a.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		DevTokens:           cfg.DevTokens,
		AIEnabled:           cfg.AI.Enabled,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	ok = true
	return a, nil
}

// openStorage connects the configured backend. Postgres runs the embedded
// migrations, then any extra ones, in order.
func (a *App) openStorage(ctx context.Context, o resolvedOptions) (backend, error) {
	if a.cfg.Storage == "memory" {
		a.logger.Warn("storage: in-memory, all state is lost on restart")
		return memory.New(), nil
	}

	db, err := storage.New(ctx, a.cfg.DatabaseURL, a.logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.db = db
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}
	return db, nil
}

// newLimiter picks the rate limiter for AI-backed endpoints. With Redis the
// token bucket becomes a sliding window of burst requests per burst/rps.
func (a *App) newLimiter() ratelimit.Limiter {
	cfg := a.cfg
	switch {
	case !cfg.RateLimitEnabled:
		a.logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}
	case a.redis != nil:
		window := time.Duration(float64(cfg.RateLimitBurst) / cfg.RateLimitRPS * float64(time.Second))
		a.logger.Info("rate limiting: redis (sliding window)",
			"limit", cfg.RateLimitBurst, "window", window)
		return ratelimit.NewRedisLimiter(a.redis, redisPrefix, cfg.RateLimitBurst, window)
	default:
		a.logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
		return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. Shutdown runs on return; callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then releases storage, Redis and
// telemetry. Interaction events are written synchronously, so there is no
// buffer to flush.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kobai shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	err := a.srv.Shutdown(httpCtx)
	httpCancel()
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.closeResources()
	a.logger.Info("kobai stopped")
	return err
}

func (a *App) closeResources() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.settingsCache != nil {
		a.settingsCache.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

// rolePermissions overlays per-role overrides on the built-in grant sets.
func rolePermissions(overrides map[string][]string) map[model.Role][]string {
	if overrides == nil {
		return nil
	}
	perms := authz.DefaultRolePermissions()
	for role, keys := range overrides {
		perms[model.Role(role)] = keys
	}
	return perms
}
