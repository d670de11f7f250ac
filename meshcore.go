// Package meshcore is the public API for embedding the meshcore server.
//
// Consumers construct and extend the server without forking it:
//
//	app, err := meshcore.New(
//	    meshcore.WithVersion(version),
//	    meshcore.WithLogger(logger),
//	    meshcore.WithProvider(myToolProvider),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: meshcore (root) imports
// internal/*, but internal/* never imports meshcore (root).
package meshcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/developer-mesh/meshcore/internal/config"
	"github.com/developer-mesh/meshcore/internal/gateway"
	"github.com/developer-mesh/meshcore/internal/mcp"
	"github.com/developer-mesh/meshcore/internal/ratelimit"
	"github.com/developer-mesh/meshcore/internal/registry"
	"github.com/developer-mesh/meshcore/internal/server"
	"github.com/developer-mesh/meshcore/internal/session"
	"github.com/developer-mesh/meshcore/internal/storage"
	"github.com/developer-mesh/meshcore/internal/telemetry"
	"github.com/developer-mesh/meshcore/migrations"
)

// Provider executes tool actions against external systems. Implementations
// receive the raw action parameters and return the provider's response
// payload; meshcore handles caching and routing around them.
type Provider interface {
	Invoke(ctx context.Context, toolID, action string, params map[string]any) (json.RawMessage, error)
}

// App is the meshcore server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	router       *session.Router
	reaper       *registry.Reaper
	janitor      *gateway.Janitor
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the meshcore server. It connects to the database, runs
// migrations, and wires all subsystems. It does NOT start any goroutines or
// accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("meshcore starting", "version", version, "port", cfg.Port)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.StoreTimeout, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}

	provider := o.provider
	if provider == nil {
		provider = unconfiguredProvider{}
		logger.Warn("no tool provider configured; executions will fail until one is set")
	}

	router := session.NewRouter(db, cfg.SessionDeleteWindow, logger)
	coordinator := registry.NewCoordinator(db, logger)
	gw := gateway.New(db, router, provider, gateway.Options{
		DefaultTTL:       cfg.CacheDefaultTTL,
		CollapseInflight: cfg.CacheCollapseInflight,
	}, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{
			Rate:         cfg.RateLimitPerSecond,
			Burst:        cfg.RateLimitBurst,
			IdleEviction: cfg.RateLimitIdleEvict,
		})
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitPerSecond, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(coordinator, router, gw, version, logger)

	srv := server.New(server.Config{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxBodyBytes: cfg.MaxRequestBodyBytes,
	}, db, coordinator, router, gw, limiter, mcpSrv.HTTPHandler(), logger)

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		router:       router,
		reaper:       registry.NewReaper(db, cfg.ReaperInterval, cfg.ReaperThreshold, logger),
		janitor:      gateway.NewJanitor(db, cfg.CacheJanitorInterval, logger),
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background sweepers and the HTTP server, then blocks until
// ctx is cancelled or the listener fails. On cancellation it performs a
// graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	go a.reaper.Run(ctx)
	go a.janitor.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then releases the limiter, the
// OTEL providers, and the database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("meshcore shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("meshcore stopped")
	return nil
}

// unconfiguredProvider rejects every invocation. Installed when no provider
// option is given so the rest of the system still starts (cache reads, the
// registry, and admin endpoints keep working).
type unconfiguredProvider struct{}

func (unconfiguredProvider) Invoke(context.Context, string, string, map[string]any) (json.RawMessage, error) {
	return nil, errors.New("meshcore: no tool provider configured")
}
