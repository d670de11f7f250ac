package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/meshcore/internal/gateway"
	"github.com/developer-mesh/meshcore/internal/model"
	"github.com/developer-mesh/meshcore/internal/session"
	"github.com/developer-mesh/meshcore/internal/storage"
)

// apiError is the JSON error envelope shared by every endpoint.
type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: apiError{
		Code:      code,
		Message:   message,
		RequestID: RequestIDFromContext(r.Context()),
	}})
}

// respondMapped translates domain errors into HTTP statuses. Unclassified
// errors become a 500 with the detail kept out of the response body.
func (s *Server) respondMapped(w http.ResponseWriter, r *http.Request, err error) {
	var verr *model.ValidationError
	var perr *gateway.ProviderError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &verr):
		respondError(w, r, http.StatusBadRequest, "invalid_"+verr.Field, verr.Reason)
	case errors.Is(err, session.ErrUnknownSession):
		respondError(w, r, http.StatusUnauthorized, "unknown_session", "session handle is not bound; re-register")
	case errors.Is(err, storage.ErrTenantNotFound):
		respondError(w, r, http.StatusNotFound, "tenant_not_found", "tenant does not exist")
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "not_found", "resource does not exist")
	case errors.As(err, &perr):
		respondError(w, r, http.StatusBadGateway, "provider_error", perr.Error())
	case errors.Is(err, storage.ErrUnavailable):
		respondError(w, r, http.StatusServiceUnavailable, "store_unavailable", "datastore temporarily unavailable; retry")
	case errors.As(err, &maxErr):
		respondError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds the configured limit")
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		respondError(w, r, http.StatusInternalServerError, "internal", "internal server error")
	}
}

// tenantFrom extracts and parses the X-Tenant-ID header. Tenancy is asserted
// by the fronting proxy; this service trusts the header.
func tenantFrom(r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-Tenant-ID")
	if raw == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// --- health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		respondError(w, r, http.StatusServiceUnavailable, "store_unavailable", "datastore unreachable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- registration and sessions ---

type registerRequest struct {
	AgentID    string         `json:"agent_id"`
	InstanceID string         `json:"instance_id"`
	Name       string         `json:"name,omitempty"`
	Connection map[string]any `json:"connection,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
}

type registerResponse struct {
	SessionID     string              `json:"session_id"`
	Created       bool                `json:"created"`
	ConfigVersion int64               `json:"config_version,omitempty"`
	Instance      model.AgentInstance `json:"instance"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(r)
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid_tenant_id", "X-Tenant-ID header must carry a valid UUID")
		return
	}

	var req registerRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondBadBody(w, r, err)
		return
	}

	res, err := s.registry.Register(r.Context(), model.Registration{
		TenantID:   tenantID,
		AgentID:    req.AgentID,
		InstanceID: req.InstanceID,
		Name:       req.Name,
		Connection: req.Connection,
		Config:     req.Config,
	})
	if err != nil {
		s.respondMapped(w, r, err)
		return
	}

	// The session handle is minted here, not supplied by the client: handles
	// are capabilities, and guessing one must be infeasible.
	handle := uuid.NewString()
	s.router.Bind(handle, session.Identity{
		TenantID:   tenantID,
		AgentID:    req.AgentID,
		InstanceID: req.InstanceID,
	})

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, registerResponse{
		SessionID:     handle,
		Created:       res.Created,
		ConfigVersion: res.ConfigVersion,
		Instance:      res.Instance,
	})
}

type executeRequest struct {
	ToolID     string         `json:"tool_id"`
	Action     string         `json:"action"`
	Params     map[string]any `json:"params,omitempty"`
	TTLSeconds int64          `json:"cache_ttl_seconds,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("session_id")

	id, err := s.router.Resolve(handle)
	if err != nil {
		s.respondMapped(w, r, err)
		return
	}

	allowed, lerr := s.limiter.Allow(r.Context(), "execute:"+id.TenantID.String())
	if lerr != nil {
		// Fail open: a broken limiter must not take down the execute path.
		s.logger.Warn("rate limiter error; allowing request", "error", lerr)
	} else if !allowed {
		w.Header().Set("Retry-After", "1")
		respondError(w, r, http.StatusTooManyRequests, "rate_limited", "tenant execute rate exceeded")
		return
	}

	var req executeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondBadBody(w, r, err)
		return
	}
	if req.ToolID == "" || req.Action == "" {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "tool_id and action are required")
		return
	}

	res, err := s.gateway.Execute(r.Context(), handle, req.ToolID, req.Action, req.Params,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("session_id")

	id, err := s.router.Resolve(handle)
	if err != nil {
		s.respondMapped(w, r, err)
		return
	}
	if err := s.registry.Heartbeat(r.Context(), id.TenantID, id.AgentID, id.InstanceID); err != nil {
		// A missed heartbeat is recoverable; the next one or the next execute
		// refreshes last_seen. Report success so clients do not tear down.
		s.logger.Warn("heartbeat failed", "agent_id", id.AgentID, "instance_id", id.InstanceID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnbind(w http.ResponseWriter, r *http.Request) {
	s.router.Unbind(r.Context(), r.PathValue("session_id"))
	w.WriteHeader(http.StatusNoContent)
}

// --- agent catalog ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(r)
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid_tenant_id", "X-Tenant-ID header must carry a valid UUID")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	agents, err := s.db.ListAgents(r.Context(), tenantID, limit, offset)
	if err != nil {
		s.respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(r)
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid_tenant_id", "X-Tenant-ID header must carry a valid UUID")
		return
	}

	instances, err := s.registry.Instances(r.Context(), tenantID, r.PathValue("agent_id"))
	if err != nil {
		s.respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFrom(r)
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid_tenant_id", "X-Tenant-ID header must carry a valid UUID")
		return
	}

	cfg, err := s.db.GetAgentConfig(r.Context(), tenantID, r.PathValue("agent_id"))
	if err != nil {
		s.respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// --- tenant administration ---

type createTenantRequest struct {
	ID   uuid.UUID `json:"id,omitempty"`
	Name string    `json:"name"`
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondBadBody(w, r, err)
		return
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}

	tenant, err := s.db.CreateTenant(r.Context(), req.ID, req.Name)
	if err != nil {
		s.respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, tenant)
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.PathValue("tenant_id"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_tenant_id", "tenant_id must be a UUID")
		return
	}

	if err := s.db.DeleteTenant(r.Context(), tenantID); err != nil {
		s.respondMapped(w, r, err)
		return
	}

	// The row cascade removed agents, configs, instances, and cache entries;
	// live session bindings for the tenant are swept here so a connected
	// client cannot keep executing against a deleted tenant.
	for handle, id := range s.router.Snapshot() {
		if id.TenantID == tenantID {
			s.router.Unbind(r.Context(), handle)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvalidateToolCache(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.PathValue("tenant_id"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_tenant_id", "tenant_id must be a UUID")
		return
	}

	n, err := s.gateway.InvalidateCache(r.Context(), tenantID, r.PathValue("tool_id"))
	if err != nil {
		s.respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"invalidated": n})
}

func (s *Server) handleInvalidateTenantCache(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.PathValue("tenant_id"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_tenant_id", "tenant_id must be a UUID")
		return
	}

	n, err := s.db.InvalidateTenantCache(r.Context(), tenantID)
	if err != nil {
		s.respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"invalidated": n})
}

func (s *Server) respondBadBody(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		respondError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds the configured limit")
		return
	}
	respondError(w, r, http.StatusBadRequest, "invalid_body", "request body must be valid JSON: "+err.Error())
}
