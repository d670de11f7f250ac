// Package storage provides the PostgreSQL storage layer for meshcore.
//
// It manages connection pooling via pgxpool, forward-only SQL migrations,
// and query methods for the agent registry and tool response cache tables.
// Every store call is bounded by a configurable operation timeout; deadline
// and connectivity failures surface as ErrUnavailable so callers can retry
// with backoff.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultOpTimeout bounds a single store call when no timeout is configured.
const DefaultOpTimeout = 5 * time.Second

// DB wraps a pgxpool.Pool with meshcore's query methods.
type DB struct {
	pool      *pgxpool.Pool
	logger    *slog.Logger
	opTimeout time.Duration
}

// New creates a new DB with a connection pool and verifies connectivity.
// opTimeout bounds each store call; zero selects DefaultOpTimeout.
func New(ctx context.Context, dsn string, opTimeout time.Duration, logger *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &DB{
		pool:      pool,
		logger:    logger,
		opTimeout: opTimeout,
	}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// opCtx derives a context bounded by the store operation timeout.
// The caller's deadline still applies when it is tighter.
func (db *DB) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.opTimeout)
}
