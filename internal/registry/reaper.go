package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/developer-mesh/meshcore/internal/storage"
)

// Reaper periodically deletes instance rows whose last_seen exceeds the
// staleness threshold. It covers the crash case where a connection dies
// without the router's Unbind ever running.
type Reaper struct {
	db        *storage.DB
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger
}

// NewReaper creates an instance reaper. Both interval and threshold are
// deployment-tuned configuration; there are no hardcoded defaults here
// beyond guarding against zero values.
func NewReaper(db *storage.DB, interval, threshold time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	return &Reaper{db: db, interval: interval, threshold: threshold, logger: logger}
}

// Run sweeps until ctx is cancelled. Sweep failures are logged and retried
// on the next tick; a flaky store must not kill the loop.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	n, err := r.db.DeleteStaleInstances(ctx, r.threshold)
	if err != nil {
		r.logger.Warn("reaper: stale instance sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("reaper: removed stale instances", "count", n, "threshold", r.threshold)
	}
}
