package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cofferbank/coffer/internal/admin"
	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/tenancy"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	healthy := true
	for _, db := range s.databases {
		if err := db.HealthCheck(r.Context()); err != nil {
			status[db.Name()] = "unhealthy"
			healthy = false
			continue
		}
		status[db.Name()] = "ok"
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"databases": status})
}

// handleTick dispatches one schedule bucket. The caller authenticates with
// the shared tick secret; per-connection errors are absorbed into the
// summary.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if !s.tickAuthorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid tick secret"})
		return
	}

	bucket := domain.SyncSchedule(chi.URLParam(r, "bucket"))
	summary, err := s.dispatcher.Tick(r.Context(), bucket)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) tickAuthorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || s.cfg.TickSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.TickSecret)) == 1
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if code == "" {
		code = r.URL.Query().Get("public_token") // link-token providers post the public token
	}

	result, err := s.connectSvc.HandleCallback(r.Context(), provider, state, code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFrom(w, r)
	if !ok {
		return
	}

	list, err := s.conns.ListByTenant(scope)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleStartAuthorization(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFrom(w, r)
	if !ok {
		return
	}

	var req struct {
		ProviderID  string `json:"provider_id"`
		DisplayName string `json:"display_name"`
		Schedule    string `json:"schedule"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	init, err := s.connectSvc.StartAuthorization(r.Context(), scope, req.ProviderID, req.DisplayName, domain.SyncSchedule(req.Schedule))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, init)
}

func (s *Server) handleCreateDirectConnection(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFrom(w, r)
	if !ok {
		return
	}

	var req struct {
		ProviderID  string            `json:"provider_id"`
		DisplayName string            `json:"display_name"`
		Environment string            `json:"environment"`
		Fields      map[string]string `json:"fields"`
		Schedule    string            `json:"schedule"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	conn, err := s.connectSvc.CreateDirectConnection(r.Context(), scope, req.ProviderID, req.DisplayName,
		req.Environment, req.Fields, domain.SyncSchedule(req.Schedule))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	_, conn, ok := s.ownedConnection(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (s *Server) handleRevokeConnection(w http.ResponseWriter, r *http.Request) {
	scope, conn, ok := s.ownedConnection(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.connectSvc.Revoke(scope, conn.ID, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleManualSync(w http.ResponseWriter, r *http.Request) {
	_, conn, ok := s.ownedConnection(w, r)
	if !ok {
		return
	}

	result, err := s.engine.SyncConnection(r.Context(), conn.ID, "manual_sync")
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	scope, conn, ok := s.ownedConnection(w, r)
	if !ok {
		return
	}
	if !scope.CanWrite() {
		s.writeError(w, domain.ErrTenantIsolation)
		return
	}

	var req struct {
		Schedule string `json:"schedule"`
		Enabled  bool   `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.conns.UpdateSchedule(conn.ID, domain.SyncSchedule(req.Schedule), req.Enabled); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnectionJobs(w http.ResponseWriter, r *http.Request) {
	_, conn, ok := s.ownedConnection(w, r)
	if !ok {
		return
	}

	list, err := s.jobs.RecentByConnection(conn.ID, queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleConnectionEvents(w http.ResponseWriter, r *http.Request) {
	_, conn, ok := s.ownedConnection(w, r)
	if !ok {
		return
	}

	events, err := s.audit.ConnectionEvents(conn.ID, queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleFleetConnections(w http.ResponseWriter, r *http.Request) {
	list, err := s.admin.FleetConnections(principalFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAdminTriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.admin.TriggerSync(r.Context(), principalFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAdminUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Schedule string `json:"schedule"`
		Enabled  bool   `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	err := s.admin.UpdateSchedule(principalFrom(r), admin.ScheduleUpdate{
		ConnectionID: chi.URLParam(r, "id"),
		Schedule:     domain.SyncSchedule(req.Schedule),
		Enabled:      req.Enabled,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminBulkSchedules(w http.ResponseWriter, r *http.Request) {
	var updates []admin.ScheduleUpdate
	if !decodeBody(w, r, &updates) {
		return
	}

	applied, failed, err := s.admin.BulkUpdateSchedules(principalFrom(r), updates)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied, "failed": failed})
}

func (s *Server) handleFleetHealth(w http.ResponseWriter, r *http.Request) {
	result, err := s.admin.FleetHealth(r.Context(), principalFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAdminJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.admin.RecentJobs(principalFrom(r), r.URL.Query().Get("connection_id"), queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAdminArchive(w http.ResponseWriter, r *http.Request) {
	purged, err := s.admin.RunArchive(r.Context(), principalFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": purged})
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.admin.AuditTrail(principalFrom(r), queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// scopeFrom proves the caller's (user, tenant) membership from the request
// headers. Failures answer the request.
func (s *Server) scopeFrom(w http.ResponseWriter, r *http.Request) (tenancy.Scope, bool) {
	userID := r.Header.Get("X-User-ID")
	tenantID := r.Header.Get("X-Tenant-ID")
	if userID == "" || tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing X-User-ID or X-Tenant-ID"})
		return tenancy.Scope{}, false
	}

	scope, err := s.tenancy.ScopeFor(principalFrom(r), tenantID)
	if err != nil {
		s.writeError(w, err)
		return tenancy.Scope{}, false
	}
	return scope, true
}

// ownedConnection resolves {id} within the caller's tenant. A connection
// outside the tenant answers 404, indistinguishable from a missing one.
func (s *Server) ownedConnection(w http.ResponseWriter, r *http.Request) (tenancy.Scope, *domain.Connection, bool) {
	scope, ok := s.scopeFrom(w, r)
	if !ok {
		return tenancy.Scope{}, nil, false
	}

	conn, err := s.conns.Get(scope, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return scope, nil, false
	}
	if conn == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "connection not found"})
		return scope, nil, false
	}
	return scope, conn, true
}

func principalFrom(r *http.Request) tenancy.Principal {
	return tenancy.Principal{
		UserID:     r.Header.Get("X-User-ID"),
		SuperAdmin: r.Header.Get("X-Super-Admin") == "true",
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrTenantIsolation):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrAuthFailure):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	default:
		var notFound *domain.ProviderNotFoundError
		if errors.As(err, &notFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		s.log.Error().Err(err).Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}
