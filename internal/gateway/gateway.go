// Package gateway is the request path for tool invocations.
//
// Every execute request resolves the caller through the session router,
// canonicalizes the invocation into a fingerprint, and consults the response
// cache before going to the external provider. The gateway is the sole
// writer of cache entries; hit counters move only through its accounting
// path.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/developer-mesh/meshcore/internal/fingerprint"
	"github.com/developer-mesh/meshcore/internal/model"
	"github.com/developer-mesh/meshcore/internal/session"
	"github.com/developer-mesh/meshcore/internal/storage"
)

// Result is the outcome of one Execute call. FromCache and HitCount are the
// only observable side-channel of the cache, exposed for callers and tests.
type Result struct {
	Payload     json.RawMessage `json:"payload"`
	FromCache   bool            `json:"from_cache"`
	HitCount    int64           `json:"hit_count"`
	Fingerprint string          `json:"fingerprint"`
}

// Options tunes the gateway.
type Options struct {
	// DefaultTTL applies when the caller supplies no TTL. Zero disables
	// expiry for those entries.
	DefaultTTL time.Duration

	// CollapseInflight enables best-effort single-flight de-duplication of
	// concurrent misses for the same (tenant, fingerprint). Off is still
	// correct — duplicate upstream calls on a stampede are an accepted
	// cost — but on, one provider call serves all concurrent callers.
	CollapseInflight bool
}

// Gateway executes tool actions with per-tenant response caching.
type Gateway struct {
	db       *storage.DB
	router   *session.Router
	provider Provider
	opts     Options
	logger   *slog.Logger

	inflight singleflight.Group

	cacheLookups metric.Int64Counter
	providerErrs metric.Int64Counter
}

// New creates a gateway.
func New(db *storage.DB, router *session.Router, provider Provider, opts Options, logger *slog.Logger) *Gateway {
	meter := otel.Meter("meshcore/gateway")
	lookups, _ := meter.Int64Counter("meshcore.cache.lookups",
		metric.WithDescription("Tool cache lookups, by outcome"))
	perrs, _ := meter.Int64Counter("meshcore.provider.errors",
		metric.WithDescription("Tool provider invocation failures"))
	return &Gateway{
		db:           db,
		router:       router,
		provider:     provider,
		opts:         opts,
		logger:       logger,
		cacheLookups: lookups,
		providerErrs: perrs,
	}
}

// Execute runs a tool action on behalf of the connection bound to handle.
//
// Cache hit: the hit counter is incremented and the cached payload returned
// with FromCache=true. Cache miss: the provider is invoked; on success the
// payload is stored with ttl (or the default) and returned with
// FromCache=false. Provider failures propagate as *ProviderError and are
// never cached. An unbound handle fails with session.ErrUnknownSession.
func (g *Gateway) Execute(ctx context.Context, handle, toolID, action string, params map[string]any, ttl time.Duration) (Result, error) {
	id, err := g.router.Resolve(handle)
	if err != nil {
		return Result{}, err
	}
	return g.execute(ctx, id.TenantID, toolID, action, params, ttl)
}

// ExecuteForTenant is the trusted entry point for callers that already hold
// a resolved tenant identity (the admin API, internal jobs).
func (g *Gateway) ExecuteForTenant(ctx context.Context, tenantID uuid.UUID, toolID, action string, params map[string]any, ttl time.Duration) (Result, error) {
	return g.execute(ctx, tenantID, toolID, action, params, ttl)
}

func (g *Gateway) execute(ctx context.Context, tenantID uuid.UUID, toolID, action string, params map[string]any, ttl time.Duration) (Result, error) {
	if toolID == "" {
		return Result{}, &model.ValidationError{Field: "tool_id", Reason: "must not be empty"}
	}
	if action == "" {
		return Result{}, &model.ValidationError{Field: "action", Reason: "must not be empty"}
	}

	key, err := fingerprint.Compute(toolID, action, params)
	if err != nil {
		return Result{}, fmt.Errorf("gateway: %w", err)
	}

	entry, found, err := g.db.GetCacheEntry(ctx, tenantID, key)
	if err != nil {
		return Result{}, err
	}
	if found {
		return g.serveHit(ctx, tenantID, key, entry)
	}
	g.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "miss")))

	if ttl <= 0 {
		ttl = g.opts.DefaultTTL
	}

	if !g.opts.CollapseInflight {
		return g.fetchAndStore(ctx, tenantID, key, toolID, action, params, ttl)
	}

	// Collapse concurrent misses for the same key into one provider call.
	// The singleflight key is tenant-scoped so tenants never share results.
	v, err, shared := g.inflight.Do(tenantID.String()+"|"+key, func() (any, error) {
		return g.fetchAndStore(ctx, tenantID, key, toolID, action, params, ttl)
	})
	if err != nil {
		return Result{}, err
	}
	res := v.(Result)
	if shared {
		g.logger.Debug("collapsed concurrent cache miss", "tool_id", toolID, "action", action)
	}
	return res, nil
}

func (g *Gateway) serveHit(ctx context.Context, tenantID uuid.UUID, key string, entry model.CacheEntry) (Result, error) {
	g.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "hit")))

	hits, err := g.db.IncrementCacheHit(ctx, tenantID, key)
	if err != nil {
		// The entry can vanish between Get and the increment (TTL expiry or
		// an invalidation sweep). The payload in hand is still the one the
		// caller asked for; serve it with the last known count.
		g.logger.Debug("hit accounting raced entry removal", "fingerprint", key, "error", err)
		hits = entry.HitCount
	}
	return Result{
		Payload:     entry.Payload,
		FromCache:   true,
		HitCount:    hits,
		Fingerprint: key,
	}, nil
}

func (g *Gateway) fetchAndStore(ctx context.Context, tenantID uuid.UUID, key, toolID, action string, params map[string]any, ttl time.Duration) (Result, error) {
	payload, err := g.provider.Invoke(ctx, toolID, action, params)
	if err != nil {
		g.providerErrs.Add(ctx, 1, metric.WithAttributes(attribute.String("tool_id", toolID)))
		return Result{}, &ProviderError{ToolID: toolID, Action: action, Err: err}
	}

	if err := g.db.PutCacheEntry(ctx, tenantID, key, toolID, action, payload, ttl); err != nil {
		// The provider call succeeded; a failed cache write degrades future
		// hits but must not fail this request.
		g.logger.Warn("cache write failed after provider success", "tool_id", toolID, "error", err)
	}
	return Result{
		Payload:     payload,
		FromCache:   false,
		Fingerprint: key,
	}, nil
}

// InvalidateCache removes every cached entry for a tool within a tenant and,
// when the provider supports it, re-fetches the tool's capability manifest.
// Used on tool credential rotation and configuration refresh.
func (g *Gateway) InvalidateCache(ctx context.Context, tenantID uuid.UUID, toolID string) (int64, error) {
	if toolID == "" {
		return 0, &model.ValidationError{Field: "tool_id", Reason: "must not be empty"}
	}

	n, err := g.db.InvalidateToolCache(ctx, tenantID, toolID)
	if err != nil {
		return 0, err
	}
	g.logger.Info("tool cache invalidated", "tenant_id", tenantID, "tool_id", toolID, "entries", n)

	if refresher, ok := g.provider.(ManifestRefresher); ok {
		if err := refresher.RefreshManifest(ctx, toolID); err != nil {
			return n, &ProviderError{ToolID: toolID, Action: "manifest/refresh", Err: err}
		}
	}
	return n, nil
}
