// Package server exposes the registry and gateway over HTTP.
//
// Tenancy on the agent-facing routes is asserted by the X-Tenant-ID header;
// authentication is the fronting proxy's job. Session-scoped routes derive
// the tenant from the session binding instead and need no header.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/developer-mesh/meshcore/internal/gateway"
	"github.com/developer-mesh/meshcore/internal/ratelimit"
	"github.com/developer-mesh/meshcore/internal/registry"
	"github.com/developer-mesh/meshcore/internal/session"
	"github.com/developer-mesh/meshcore/internal/storage"
)

// Config holds the HTTP server settings.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
}

// Server is the HTTP boundary. Construct with New, run with Start, stop with
// Shutdown.
type Server struct {
	cfg      Config
	db       *storage.DB
	registry *registry.Coordinator
	router   *session.Router
	gateway  *gateway.Gateway
	limiter  ratelimit.Limiter
	logger   *slog.Logger

	httpServer *http.Server
}

// New assembles the server. mcp, when non-nil, is mounted at /mcp; limiter
// may be nil to disable rate limiting.
func New(cfg Config, db *storage.DB, reg *registry.Coordinator, router *session.Router, gw *gateway.Gateway, limiter ratelimit.Limiter, mcp http.Handler, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	s := &Server{
		cfg:      cfg,
		db:       db,
		registry: reg,
		router:   router,
		gateway:  gw,
		limiter:  limiter,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /v1/agents/register", s.handleRegister)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /v1/agents/{agent_id}/instances", s.handleListInstances)
	mux.HandleFunc("GET /v1/agents/{agent_id}/config", s.handleGetConfig)

	mux.HandleFunc("POST /v1/sessions/{session_id}/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/sessions/{session_id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("DELETE /v1/sessions/{session_id}", s.handleUnbind)

	mux.HandleFunc("POST /v1/tenants", s.handleCreateTenant)
	mux.HandleFunc("DELETE /v1/tenants/{tenant_id}", s.handleDeleteTenant)
	mux.HandleFunc("POST /v1/tenants/{tenant_id}/tools/{tool_id}/cache/invalidate", s.handleInvalidateToolCache)
	mux.HandleFunc("POST /v1/tenants/{tenant_id}/cache/invalidate", s.handleInvalidateTenantCache)

	if mcp != nil {
		mux.Handle("/mcp", mcp)
		mux.Handle("/mcp/", mcp)
	}

	handler := withBodyLimit(cfg.MaxBodyBytes,
		withLogging(logger,
			withRequestID(mux)))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the fully wrapped handler, for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
