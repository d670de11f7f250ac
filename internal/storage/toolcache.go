package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/developer-mesh/meshcore/internal/model"
)

// GetCacheEntry looks up a cached tool response by (tenant, fingerprint).
// Expired entries are treated as misses; the janitor removes them later.
func (db *DB) GetCacheEntry(ctx context.Context, tenantID uuid.UUID, fingerprint string) (model.CacheEntry, bool, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	var e model.CacheEntry
	err := db.pool.QueryRow(ctx,
		`SELECT tenant_id, fingerprint, tool_id, action, payload, hit_count, created_at, expires_at
		 FROM tool_cache
		 WHERE tenant_id = $1 AND fingerprint = $2
		   AND (expires_at IS NULL OR expires_at > now())`,
		tenantID, fingerprint,
	).Scan(
		&e.TenantID, &e.Fingerprint, &e.ToolID, &e.Action,
		&e.Payload, &e.HitCount, &e.CreatedAt, &e.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CacheEntry{}, false, nil
		}
		return model.CacheEntry{}, false, wrapErr("get cache entry", err)
	}
	return e, true, nil
}

// PutCacheEntry stores a tool response under its fingerprint. On conflict the
// payload and expiry are replaced but hit_count and created_at are preserved,
// so concurrent misses for the same key (a stampede) converge on one row
// without losing hit accounting. A non-positive ttl stores the entry without
// an expiry.
func (db *DB) PutCacheEntry(ctx context.Context, tenantID uuid.UUID, fingerprint, toolID, action string, payload json.RawMessage, ttl time.Duration) error {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO tool_cache (tenant_id, fingerprint, tool_id, action, payload, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, fingerprint) DO UPDATE SET
		     payload = EXCLUDED.payload,
		     expires_at = EXCLUDED.expires_at`,
		tenantID, fingerprint, toolID, action, payload, expiresAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrTenantNotFound
		}
		return wrapErr("put cache entry", err)
	}
	return nil
}

// IncrementCacheHit atomically bumps the hit counter for an entry and returns
// the new count. Returns ErrNotFound if the entry vanished between the
// caller's Get and this call (TTL expiry or invalidation).
func (db *DB) IncrementCacheHit(ctx context.Context, tenantID uuid.UUID, fingerprint string) (int64, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	var count int64
	err := db.pool.QueryRow(ctx,
		`UPDATE tool_cache SET hit_count = hit_count + 1
		 WHERE tenant_id = $1 AND fingerprint = $2
		 RETURNING hit_count`,
		tenantID, fingerprint,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, wrapErr("increment cache hit", err)
	}
	return count, nil
}

// InvalidateToolCache removes every cached entry for one tool within a
// tenant, e.g. after a credential rotation or capability refresh.
func (db *DB) InvalidateToolCache(ctx context.Context, tenantID uuid.UUID, toolID string) (int64, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.pool.Exec(ctx,
		`DELETE FROM tool_cache WHERE tenant_id = $1 AND tool_id = $2`,
		tenantID, toolID,
	)
	if err != nil {
		return 0, wrapErr("invalidate tool cache", err)
	}
	return tag.RowsAffected(), nil
}

// InvalidateTenantCache removes every cached entry for a tenant.
func (db *DB) InvalidateTenantCache(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.pool.Exec(ctx,
		`DELETE FROM tool_cache WHERE tenant_id = $1`, tenantID,
	)
	if err != nil {
		return 0, wrapErr("invalidate tenant cache", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredCacheEntries removes entries past their TTL. Run periodically
// by the cache janitor.
func (db *DB) DeleteExpiredCacheEntries(ctx context.Context) (int64, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.pool.Exec(ctx,
		`DELETE FROM tool_cache WHERE expires_at IS NOT NULL AND expires_at <= now()`,
	)
	if err != nil {
		return 0, wrapErr("delete expired cache entries", err)
	}
	return tag.RowsAffected(), nil
}
