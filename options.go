package meshcore

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	logger      *slog.Logger
	version     string
	provider    Provider
}

// WithPort overrides the TCP port from config (MESHCORE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and the MCP server info.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithProvider installs the tool provider that executes cache misses.
// Without one, every uncached execution fails.
func WithProvider(p Provider) Option {
	return func(o *resolvedOptions) { o.provider = p }
}
