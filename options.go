package kobai

import (
	"io/fs"
	"log/slog"
	"net/http"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds every override after applying defaults.
type resolvedOptions struct {
	port            int
	databaseURL     string
	redisURL        string
	workflowsFile   string
	logger          *slog.Logger
	version         string
	httpClient      *http.Client
	rolePermissions map[string][]string
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (KOBAI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL selects Postgres storage at url, overriding DATABASE_URL
// and KOBAI_STORAGE.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRedisURL overrides REDIS_URL. With Redis, breaker state and rate limits
// are shared by every replica.
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithWorkflowsFile replaces the built-in workflow templates with the YAML
// file at path (KOBAI_WORKFLOWS_FILE env var).
func WithWorkflowsFile(path string) Option {
	return func(o *resolvedOptions) { o.workflowsFile = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithHTTPClient sets the client used to reach the AI service, e.g. one with
// a custom transport. Its Timeout is replaced by KOBAI_AI_TIMEOUT.
func WithHTTPClient(c *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = c }
}

// WithRolePermissions replaces the default permission keys of the named roles
// ("viewer", "buyer", "approver"). Roles not named keep their defaults.
// Admins always hold every permission.
func WithRolePermissions(perms map[string][]string) Option {
	return func(o *resolvedOptions) { o.rolePermissions = perms }
}

// WithExtraMigrations adds an SQL migration filesystem to run after the
// embedded migrations. Multiple filesystems run in registration order.
// Ignored with in-memory storage.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
