package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CacheEntry is one cached tool response, keyed by (tenant_id, fingerprint).
// The gateway is the sole writer; HitCount only moves through its
// hit-accounting path.
type CacheEntry struct {
	TenantID    uuid.UUID       `json:"tenant_id"`
	Fingerprint string          `json:"fingerprint"`
	ToolID      string          `json:"tool_id"`
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload"`
	HitCount    int64           `json:"hit_count"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// Expired reports whether the entry's TTL has elapsed at the given time.
// Entries with no expiry never expire.
func (e CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}
