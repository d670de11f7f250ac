package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/developer-mesh/meshcore/internal/model"
)

// RegisterInstance applies the three registration upserts atomically in a
// single transaction:
//
//  1. the agent identity row (insert if absent, untouched if present),
//  2. the agent configuration (last-write-wins, skipped when reg.Config is nil),
//  3. the instance row keyed by (tenant_id, agent_id, instance_id), updated
//     in place on conflict.
//
// Concurrent calls for the same triple never produce a duplicate row or a
// uniqueness violation: all three statements resolve conflicts with
// ON CONFLICT. The returned Created flag is true only when the instance row
// was inserted, detected via xmax = 0 on the RETURNING row.
func (db *DB) RegisterInstance(ctx context.Context, reg model.Registration) (model.RegistrationResult, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	// Concurrent registration bursts for overlapping agents can deadlock the
	// multi-statement transaction; those errors are transient, so retry.
	var res model.RegistrationResult
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var txErr error
		res, txErr = db.registerInstanceTx(ctx, reg)
		return txErr
	})
	return res, err
}

func (db *DB) registerInstanceTx(ctx context.Context, reg model.Registration) (model.RegistrationResult, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.RegistrationResult{}, wrapErr("begin register tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO agents (id, tenant_id, agent_id, name)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, agent_id) DO NOTHING`,
		uuid.New(), reg.TenantID, reg.AgentID, reg.Name,
	); err != nil {
		if isForeignKeyViolation(err) {
			return model.RegistrationResult{}, fmt.Errorf("storage: register agent %s: %w", reg.AgentID, ErrTenantNotFound)
		}
		return model.RegistrationResult{}, wrapErr("upsert agent", err)
	}

	var configVersion int64
	if reg.Config != nil {
		if err := tx.QueryRow(ctx,
			`INSERT INTO agent_configs (tenant_id, agent_id, config)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (tenant_id, agent_id) DO UPDATE SET
			     config = EXCLUDED.config,
			     version = agent_configs.version + 1,
			     updated_at = now()
			 RETURNING version`,
			reg.TenantID, reg.AgentID, reg.Config,
		).Scan(&configVersion); err != nil {
			return model.RegistrationResult{}, wrapErr("upsert agent config", err)
		}
	}

	connection := reg.Connection
	if connection == nil {
		connection = map[string]any{}
	}

	var (
		inst    model.AgentInstance
		created bool
	)
	err = tx.QueryRow(ctx,
		`INSERT INTO agent_instances (id, tenant_id, agent_id, instance_id, name, connection)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, agent_id, instance_id) DO UPDATE SET
		     name = EXCLUDED.name,
		     connection = EXCLUDED.connection,
		     last_seen = now()
		 RETURNING id, tenant_id, agent_id, instance_id, name, connection,
		           registered_at, last_seen, (xmax = 0)`,
		uuid.New(), reg.TenantID, reg.AgentID, reg.InstanceID, reg.Name, connection,
	).Scan(
		&inst.ID, &inst.TenantID, &inst.AgentID, &inst.InstanceID,
		&inst.Name, &inst.Connection, &inst.RegisteredAt, &inst.LastSeen, &created,
	)
	if err != nil {
		return model.RegistrationResult{}, wrapErr("upsert agent instance", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.RegistrationResult{}, wrapErr("commit register tx", err)
	}
	return model.RegistrationResult{
		Instance:      inst,
		ConfigVersion: configVersion,
		Created:       created,
	}, nil
}

// GetAgent retrieves an agent identity by agent_id within a tenant.
func (db *DB) GetAgent(ctx context.Context, tenantID uuid.UUID, agentID string) (model.Agent, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	var a model.Agent
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, agent_id, name, created_at
		 FROM agents WHERE tenant_id = $1 AND agent_id = $2`,
		tenantID, agentID,
	).Scan(&a.ID, &a.TenantID, &a.AgentID, &a.Name, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
		}
		return model.Agent{}, wrapErr("get agent", err)
	}
	return a, nil
}

// ListAgents returns agent identities within a tenant with pagination.
// limit is clamped to [1, 1000] with a default of 200; offset must be non-negative.
func (db *DB) ListAgents(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]model.Agent, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, agent_id, name, created_at
		 FROM agents WHERE tenant_id = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, wrapErr("list agents", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		if err := rows.Scan(&a.ID, &a.TenantID, &a.AgentID, &a.Name, &a.CreatedAt); err != nil {
			return nil, wrapErr("scan agent", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// GetAgentConfig retrieves the latest configuration for an agent.
func (db *DB) GetAgentConfig(ctx context.Context, tenantID uuid.UUID, agentID string) (model.AgentConfig, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	var c model.AgentConfig
	err := db.pool.QueryRow(ctx,
		`SELECT tenant_id, agent_id, config, version, updated_at
		 FROM agent_configs WHERE tenant_id = $1 AND agent_id = $2`,
		tenantID, agentID,
	).Scan(&c.TenantID, &c.AgentID, &c.Config, &c.Version, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentConfig{}, fmt.Errorf("storage: config for agent %s: %w", agentID, ErrNotFound)
		}
		return model.AgentConfig{}, wrapErr("get agent config", err)
	}
	return c, nil
}

// GetInstance retrieves one instance row by its identifying triple.
func (db *DB) GetInstance(ctx context.Context, tenantID uuid.UUID, agentID, instanceID string) (model.AgentInstance, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	var inst model.AgentInstance
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, agent_id, instance_id, name, connection, registered_at, last_seen
		 FROM agent_instances
		 WHERE tenant_id = $1 AND agent_id = $2 AND instance_id = $3`,
		tenantID, agentID, instanceID,
	).Scan(
		&inst.ID, &inst.TenantID, &inst.AgentID, &inst.InstanceID,
		&inst.Name, &inst.Connection, &inst.RegisteredAt, &inst.LastSeen,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentInstance{}, fmt.Errorf("storage: instance %s/%s: %w", agentID, instanceID, ErrNotFound)
		}
		return model.AgentInstance{}, wrapErr("get instance", err)
	}
	return inst, nil
}

// ListInstances returns all live instance rows for one agent within a tenant.
func (db *DB) ListInstances(ctx context.Context, tenantID uuid.UUID, agentID string) ([]model.AgentInstance, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, agent_id, instance_id, name, connection, registered_at, last_seen
		 FROM agent_instances
		 WHERE tenant_id = $1 AND agent_id = $2
		 ORDER BY registered_at ASC`,
		tenantID, agentID,
	)
	if err != nil {
		return nil, wrapErr("list instances", err)
	}
	defer rows.Close()

	return scanInstances(rows)
}

// CountInstances returns the number of instance rows for the triple's agent.
// Used by tests to assert registration idempotence at the row level.
func (db *DB) CountInstances(ctx context.Context, tenantID uuid.UUID, agentID, instanceID string) (int, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_instances
		 WHERE tenant_id = $1 AND agent_id = $2 AND instance_id = $3`,
		tenantID, agentID, instanceID,
	).Scan(&count)
	if err != nil {
		return 0, wrapErr("count instances", err)
	}
	return count, nil
}

// DeleteInstance removes one instance row. Idempotent: deleting an absent
// row is not an error, so the disconnect path is safe to run even when
// registration never completed.
func (db *DB) DeleteInstance(ctx context.Context, tenantID uuid.UUID, agentID, instanceID string) error {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	_, err := db.pool.Exec(ctx,
		`DELETE FROM agent_instances
		 WHERE tenant_id = $1 AND agent_id = $2 AND instance_id = $3`,
		tenantID, agentID, instanceID,
	)
	if err != nil {
		return wrapErr("delete instance", err)
	}
	return nil
}

// DeleteStaleInstances removes instance rows whose last_seen is older than
// the staleness threshold. Run periodically by the reaper to clear instances
// whose connection died without an Unbind.
func (db *DB) DeleteStaleInstances(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.pool.Exec(ctx,
		`DELETE FROM agent_instances
		 WHERE last_seen < now() - ($1 * interval '1 microsecond')`,
		olderThan.Microseconds(),
	)
	if err != nil {
		return 0, wrapErr("delete stale instances", err)
	}
	return tag.RowsAffected(), nil
}

// TouchInstance updates the last_seen timestamp for an instance to now().
// Called on heartbeat traffic; callers should not block on the result.
func (db *DB) TouchInstance(ctx context.Context, tenantID uuid.UUID, agentID, instanceID string) error {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	_, err := db.pool.Exec(ctx,
		`UPDATE agent_instances SET last_seen = now()
		 WHERE tenant_id = $1 AND agent_id = $2 AND instance_id = $3`,
		tenantID, agentID, instanceID,
	)
	if err != nil {
		return wrapErr("touch instance", err)
	}
	return nil
}

func scanInstances(rows pgx.Rows) ([]model.AgentInstance, error) {
	var instances []model.AgentInstance
	for rows.Next() {
		var inst model.AgentInstance
		if err := rows.Scan(
			&inst.ID, &inst.TenantID, &inst.AgentID, &inst.InstanceID,
			&inst.Name, &inst.Connection, &inst.RegisteredAt, &inst.LastSeen,
		); err != nil {
			return nil, wrapErr("scan instance", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}
