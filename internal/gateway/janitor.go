package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/developer-mesh/meshcore/internal/storage"
)

// Janitor periodically deletes cache entries past their TTL. Expired entries
// already read as misses; the sweep just reclaims the rows.
type Janitor struct {
	db       *storage.DB
	interval time.Duration
	logger   *slog.Logger
}

// NewJanitor creates a cache janitor sweeping at the given interval.
func NewJanitor(db *storage.DB, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Janitor{db: db, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.db.DeleteExpiredCacheEntries(ctx)
			if err != nil {
				j.logger.Warn("janitor: expired cache sweep failed", "error", err)
				continue
			}
			if n > 0 {
				j.logger.Info("janitor: removed expired cache entries", "count", n)
			}
		}
	}
}
