// Package session maps live connection handles to agent identities.
//
// The router is the only component that holds connection handles; the rest
// of the system addresses agents through (tenant, agent, instance) triples.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownSession is returned when a handle has no bound identity.
// Clients receiving it should re-register.
var ErrUnknownSession = errors.New("session: unknown session handle")

// Identity is the agent identity bound to a connection handle.
type Identity struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	AgentID    string    `json:"agent_id"`
	InstanceID string    `json:"instance_id"`
}

// InstanceDeleter removes an instance row from the durable store.
// Satisfied by *storage.DB.
type InstanceDeleter interface {
	DeleteInstance(ctx context.Context, tenantID uuid.UUID, agentID, instanceID string) error
}

// Router is a concurrency-safe map from connection handle to identity.
// Bind, Resolve, and Unbind may be called from independent goroutines;
// operations on a single handle are serialized by the connection's driver.
type Router struct {
	mu       sync.RWMutex
	sessions map[string]Identity

	store        InstanceDeleter
	deleteWindow time.Duration
	logger       *slog.Logger
}

// NewRouter creates a session router. deleteWindow bounds the best-effort
// instance deletion on Unbind; zero selects a 2s default.
func NewRouter(store InstanceDeleter, deleteWindow time.Duration, logger *slog.Logger) *Router {
	if deleteWindow <= 0 {
		deleteWindow = 2 * time.Second
	}
	return &Router{
		sessions:     make(map[string]Identity),
		store:        store,
		deleteWindow: deleteWindow,
		logger:       logger,
	}
}

// Bind associates a connection handle with an identity. Re-binding an
// existing handle replaces the previous identity (same-handle operations are
// serialized by the caller, so this is a reconnect, not a race).
func (r *Router) Bind(handle string, id Identity) {
	r.mu.Lock()
	r.sessions[handle] = id
	r.mu.Unlock()
}

// Resolve returns the identity bound to a handle.
func (r *Router) Resolve(handle string) (Identity, error) {
	r.mu.RLock()
	id, ok := r.sessions[handle]
	r.mu.RUnlock()
	if !ok {
		return Identity{}, ErrUnknownSession
	}
	return id, nil
}

// Unbind removes the handle's binding and best-effort deletes the instance
// row so a disconnected instance does not linger. The deletion runs under
// its own short deadline and never fails the disconnect: if it is missed,
// the background reaper sweeps the row once it goes stale. Idempotent —
// unbinding an unknown handle is a no-op.
func (r *Router) Unbind(ctx context.Context, handle string) {
	r.mu.Lock()
	id, ok := r.sessions[handle]
	delete(r.sessions, handle)
	r.mu.Unlock()
	if !ok {
		return
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.deleteWindow)
	defer cancel()
	if err := r.store.DeleteInstance(dctx, id.TenantID, id.AgentID, id.InstanceID); err != nil {
		r.logger.Warn("session: best-effort instance delete failed; reaper will sweep",
			"agent_id", id.AgentID, "instance_id", id.InstanceID, "error", err)
	}
}

// Len returns the number of live sessions.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns a copy of all current bindings, for observability.
func (r *Router) Snapshot() map[string]Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Identity, len(r.sessions))
	for h, id := range r.sessions {
		out[h] = id
	}
	return out
}
