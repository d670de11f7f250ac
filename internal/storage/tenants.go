package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Tenant is an isolation boundary. Immutable once created; removed only by
// DeleteTenant, which cascades to all registry and cache rows.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateTenant provisions a tenant. Creating an existing tenant is a no-op
// so administrative bootstrap scripts can run repeatedly.
func (db *DB) CreateTenant(ctx context.Context, id uuid.UUID, name string) (Tenant, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	var t Tenant
	err := db.pool.QueryRow(ctx,
		`INSERT INTO tenants (id, name)
		 VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET id = tenants.id
		 RETURNING id, name, created_at`,
		id, name,
	).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err != nil {
		return Tenant{}, wrapErr("create tenant", err)
	}
	return t, nil
}

// GetTenant retrieves a tenant by id.
func (db *DB) GetTenant(ctx context.Context, id uuid.UUID) (Tenant, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	var t Tenant
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, ErrTenantNotFound
		}
		return Tenant{}, wrapErr("get tenant", err)
	}
	return t, nil
}

// DeleteTenant removes a tenant. Foreign keys cascade the delete to agents,
// configurations, instances, and cache entries, so no tenant-scoped state
// survives. Returns ErrTenantNotFound if the tenant does not exist.
func (db *DB) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return wrapErr("delete tenant", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}
