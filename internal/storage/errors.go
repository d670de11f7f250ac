package storage

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrTenantNotFound is returned when an operation references a tenant
	// that has not been provisioned. Tenants are created only by
	// administrative action, never implicitly on registration.
	ErrTenantNotFound = errors.New("storage: tenant not found")

	// ErrUnavailable is returned when the database cannot be reached or an
	// operation exceeded its timeout. Callers may retry with backoff: every
	// write in this package is an idempotent upsert, so replays are safe.
	ErrUnavailable = errors.New("storage: unavailable")
)

const pgForeignKeyViolation = "23503"

// wrapErr wraps a storage failure with the operation name. Timeout and
// connectivity failures additionally carry ErrUnavailable so callers can
// distinguish transient outages from permanent errors.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("storage: %s: %w", op, err)
}

// isUnavailable reports whether err indicates the store could not be reached
// in time, as opposed to a query-level failure.
func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return pgconn.Timeout(err)
}

// isForeignKeyViolation reports whether err is a Postgres FK violation,
// used to translate a missing tenant into ErrTenantNotFound.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}
