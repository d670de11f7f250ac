// Package registry implements idempotent agent registration.
//
// The coordinator reconciles a registration attempt against existing state:
// any number of Register calls with the same (tenant, agent, instance)
// triple — concurrent or sequential — leave exactly one instance row, and no
// call fails with a duplicate-key error. The heavy lifting is a single
// database transaction of conflict-resolving upserts (storage.RegisterInstance);
// this package owns validation, observability, and the error taxonomy.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/developer-mesh/meshcore/internal/model"
	"github.com/developer-mesh/meshcore/internal/storage"
)

// ValidationError is the shared request-validation taxonomy; registration
// identifier failures are reported through it.
type ValidationError = model.ValidationError

// Coordinator is the registration entry point for the transport boundary.
type Coordinator struct {
	db     *storage.DB
	logger *slog.Logger

	registrations metric.Int64Counter
}

// NewCoordinator creates a registration coordinator.
func NewCoordinator(db *storage.DB, logger *slog.Logger) *Coordinator {
	meter := otel.Meter("meshcore/registry")
	registrations, _ := meter.Int64Counter("meshcore.registrations",
		metric.WithDescription("Agent registration attempts, by outcome"))
	return &Coordinator{
		db:            db,
		logger:        logger,
		registrations: registrations,
	}
}

// Register idempotently upserts the agent, its configuration, and the
// instance row for reg's triple, atomically. The returned result carries the
// canonical instance record and a Created flag distinguishing a fresh row
// from a refreshed one; callers must treat both as success.
//
// Fails with *ValidationError on malformed identifiers and with an error
// wrapping storage.ErrUnavailable when the store cannot be reached — the
// latter is safe to retry in full, since no partial state is committed.
func (c *Coordinator) Register(ctx context.Context, reg model.Registration) (model.RegistrationResult, error) {
	if err := validate(reg); err != nil {
		return model.RegistrationResult{}, err
	}

	res, err := c.db.RegisterInstance(ctx, reg)
	if err != nil {
		c.registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		return model.RegistrationResult{}, fmt.Errorf("registry: register %s/%s: %w", reg.AgentID, reg.InstanceID, err)
	}

	outcome := "refreshed"
	if res.Created {
		outcome = "created"
	}
	c.registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	c.logger.Info("agent instance registered",
		"tenant_id", reg.TenantID,
		"agent_id", reg.AgentID,
		"instance_id", reg.InstanceID,
		"created", res.Created,
	)
	return res, nil
}

// Instances returns the live instance rows for an agent.
func (c *Coordinator) Instances(ctx context.Context, tenantID uuid.UUID, agentID string) ([]model.AgentInstance, error) {
	return c.db.ListInstances(ctx, tenantID, agentID)
}

// Heartbeat refreshes the instance's last_seen timestamp so the reaper does
// not sweep a healthy but quiet connection. Fire-and-forget semantics:
// callers should log failures rather than propagate them.
func (c *Coordinator) Heartbeat(ctx context.Context, tenantID uuid.UUID, agentID, instanceID string) error {
	return c.db.TouchInstance(ctx, tenantID, agentID, instanceID)
}

func validate(reg model.Registration) error {
	if reg.TenantID == uuid.Nil {
		return &ValidationError{Field: "tenant_id", Reason: "must not be empty"}
	}
	if err := model.ValidateAgentID(reg.AgentID); err != nil {
		return &ValidationError{Field: "agent_id", Reason: err.Error()}
	}
	if err := model.ValidateInstanceID(reg.InstanceID); err != nil {
		return &ValidationError{Field: "instance_id", Reason: err.Error()}
	}
	return nil
}
