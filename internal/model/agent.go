package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ValidationError reports a malformed or missing request field. Not
// retryable: the caller must fix the input. Transports map it to a
// client error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Agent is a logical agent identity, unique per (tenant_id, agent_id).
// Created on first successful registration and never deleted automatically.
type Agent struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentConfig is the latest runtime configuration for an agent.
// One row per agent, last-write-wins; Version increments on each overwrite.
type AgentConfig struct {
	TenantID  uuid.UUID      `json:"tenant_id"`
	AgentID   string         `json:"agent_id"`
	Config    map[string]any `json:"config"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AgentInstance is one physical connection of an agent, identified by the
// (tenant_id, agent_id, instance_id) triple. Re-registering the same triple
// updates the row in place rather than duplicating it.
type AgentInstance struct {
	ID           uuid.UUID      `json:"id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	AgentID      string         `json:"agent_id"`
	InstanceID   string         `json:"instance_id"`
	Name         string         `json:"name"`
	Connection   map[string]any `json:"connection"`
	RegisteredAt time.Time      `json:"registered_at"`
	LastSeen     time.Time      `json:"last_seen"`
}

// Registration is the input to the registration coordinator.
// Connection and Config are opaque structured payloads: stored, never
// interpreted. A nil Config leaves any existing configuration untouched.
type Registration struct {
	TenantID   uuid.UUID      `json:"tenant_id"`
	AgentID    string         `json:"agent_id"`
	InstanceID string         `json:"instance_id"`
	Name       string         `json:"name"`
	Connection map[string]any `json:"connection,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
}

// RegistrationResult is the canonical instance record returned by Register,
// with Created distinguishing a fresh row from a refreshed one. Callers must
// treat both as success.
type RegistrationResult struct {
	Instance      AgentInstance `json:"instance"`
	ConfigVersion int64         `json:"config_version,omitempty"`
	Created       bool          `json:"created"`
}

// ValidateAgentID checks that an agent ID conforms to the allowed format.
// Agent IDs must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidateAgentID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("agent_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("agent_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("agent_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// ValidateInstanceID checks that an instance ID conforms to the allowed
// format. Instance IDs come from the transport layer (connection IDs), so the
// character set is wider than agent IDs but still printable ASCII without
// whitespace.
func ValidateInstanceID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("instance_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("instance_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c <= ' ' || c > '~' {
			return fmt.Errorf("instance_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
