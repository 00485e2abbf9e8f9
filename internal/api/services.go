package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/erichowens/port-daddy-sub004/internal/db"
	"github.com/erichowens/port-daddy-sub004/internal/services"
)

// ServiceHandler groups the port registry endpoints.
type ServiceHandler struct {
	registry *services.Registry
	logger   *zap.Logger
	metrics  *Metrics
}

// NewServiceHandler creates a ServiceHandler.
func NewServiceHandler(registry *services.Registry, logger *zap.Logger, metrics *Metrics) *ServiceHandler {
	return &ServiceHandler{
		registry: registry,
		logger:   logger.Named("service_handler"),
		metrics:  metrics,
	}
}

// serviceResponse is the JSON representation of a service row.
type serviceResponse struct {
	ID             string          `json:"id"`
	Port           *int            `json:"port"`
	PID            int             `json:"pid,omitempty"`
	Cmd            string          `json:"cmd,omitempty"`
	Cwd            string          `json:"cwd,omitempty"`
	Status         string          `json:"status"`
	CreatedAt      db.Millis       `json:"createdAt"`
	LastSeen       db.Millis       `json:"lastSeen"`
	ExpiresAt      *db.Millis      `json:"expiresAt,omitempty"`
	HealthURL      string          `json:"healthUrl,omitempty"`
	TunnelProvider string          `json:"tunnelProvider,omitempty"`
	TunnelURL      string          `json:"tunnelUrl,omitempty"`
	PairedWith     string          `json:"pairedWith,omitempty"`
	AgentID        string          `json:"agentId,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

func serviceToResponse(s *db.Service) serviceResponse {
	return serviceResponse{
		ID:             s.ID,
		Port:           s.Port,
		PID:            s.PID,
		Cmd:            s.Cmd,
		Cwd:            s.Cwd,
		Status:         s.Status,
		CreatedAt:      s.CreatedAt,
		LastSeen:       s.LastSeen,
		ExpiresAt:      s.ExpiresAt,
		HealthURL:      s.HealthURL,
		TunnelProvider: s.TunnelProvider,
		TunnelURL:      s.TunnelURL,
		PairedWith:     s.PairedWith,
		AgentID:        s.AgentID,
		Metadata:       rawMeta(s.Metadata),
	}
}

// rawMeta passes stored JSON through untouched; empty becomes absent.
func rawMeta(stored string) json.RawMessage {
	if stored == "" || stored == "{}" {
		return nil
	}
	return json.RawMessage(stored)
}

// claimRequest is the JSON body of POST /claim.
type claimRequest struct {
	ID             string         `json:"id"`
	PreferredPort  int            `json:"preferredPort,omitempty"`
	Range          []int          `json:"range,omitempty"`
	NoPort         bool           `json:"noPort,omitempty"`
	PID            int            `json:"pid,omitempty"`
	AgentID        string         `json:"agentId,omitempty"`
	Cmd            string         `json:"cmd,omitempty"`
	Cwd            string         `json:"cwd,omitempty"`
	ExpiresAt      *db.Millis     `json:"expiresAt,omitempty"`
	PairedWith     string         `json:"pairedWith,omitempty"`
	HealthURL      string         `json:"healthUrl,omitempty"`
	TunnelProvider string         `json:"tunnelProvider,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// claimResponse extends the service with the renewal marker.
type claimResponse struct {
	serviceResponse
	Existing bool `json:"existing"`
}

// Claim handles POST /claim.
func (h *ServiceHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		Fail(w, http.StatusBadRequest, "id is required")
		return
	}
	if len(req.Range) != 0 && len(req.Range) != 2 {
		Fail(w, http.StatusBadRequest, "range must be [start, end]")
		return
	}

	creq := services.ClaimRequest{
		ID:             req.ID,
		PreferredPort:  req.PreferredPort,
		NoPort:         req.NoPort,
		PID:            firstPID(req.PID, r),
		AgentID:        firstAgentID(req.AgentID, r),
		Cmd:            req.Cmd,
		Cwd:            req.Cwd,
		ExpiresAt:      req.ExpiresAt,
		PairedWith:     req.PairedWith,
		HealthURL:      req.HealthURL,
		TunnelProvider: req.TunnelProvider,
		Metadata:       req.Metadata,
	}
	if len(req.Range) == 2 {
		creq.RangeStart, creq.RangeEnd = req.Range[0], req.Range[1]
	}

	result, err := h.registry.Claim(r.Context(), creq)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	h.metrics.Claims.Inc()
	Ok(w, claimResponse{serviceResponse: serviceToResponse(&result.Service), Existing: result.Existing})
}

// releaseRequest is the JSON body of DELETE /release.
type releaseRequest struct {
	ID      string `json:"id,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Expired bool   `json:"expired,omitempty"`
	AgentID string `json:"agentId,omitempty"`
}

// Release handles DELETE /release.
func (h *ServiceHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" && req.Pattern == "" && !req.Expired {
		Fail(w, http.StatusBadRequest, "one of id, pattern or expired is required")
		return
	}

	result, err := h.registry.Release(r.Context(), services.ReleaseRequest{
		ID:      req.ID,
		Pattern: req.Pattern,
		Expired: req.Expired,
		AgentID: firstAgentID(req.AgentID, r),
	})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	h.metrics.Releases.Inc()
	Ok(w, result)
}

// List handles GET /services.
func (h *ServiceHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := services.FindOptions{
		Pattern: q.Get("pattern"),
		Status:  q.Get("status"),
		Expired: q.Get("expired") == "true",
	}
	if p := q.Get("port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			Fail(w, http.StatusBadRequest, "port must be an integer")
			return
		}
		opts.Port = port
	}

	rows, err := h.registry.List(r.Context(), opts)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	items := make([]serviceResponse, len(rows))
	for i := range rows {
		items[i] = serviceToResponse(&rows[i])
	}
	Ok(w, map[string]any{"services": items, "count": len(items)})
}

// Get handles GET /services/{id}.
func (h *ServiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	svc, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, serviceToResponse(svc))
}

// endpointResponse is the JSON representation of an endpoint row.
type endpointResponse struct {
	ServiceID string    `json:"serviceId"`
	Env       string    `json:"env"`
	URL       string    `json:"url"`
	CreatedAt db.Millis `json:"createdAt"`
	UpdatedAt db.Millis `json:"updatedAt"`
}

// SetEndpoint handles PUT /services/{id}/endpoints/{env}.
func (h *ServiceHandler) SetEndpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	ep, err := h.registry.SetEndpoint(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "env"), req.URL)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, endpointResponse{
		ServiceID: ep.ServiceID,
		Env:       ep.Env,
		URL:       ep.URL,
		CreatedAt: ep.CreatedAt,
		UpdatedAt: ep.UpdatedAt,
	})
}

// Endpoints handles GET /services/{id}/endpoints.
func (h *ServiceHandler) Endpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := h.registry.Endpoints(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	items := make([]endpointResponse, len(eps))
	for i, ep := range eps {
		items[i] = endpointResponse{
			ServiceID: ep.ServiceID,
			Env:       ep.Env,
			URL:       ep.URL,
			CreatedAt: ep.CreatedAt,
			UpdatedAt: ep.UpdatedAt,
		}
	}
	Ok(w, map[string]any{"endpoints": items})
}

// firstPID prefers the body's pid, falling back to the X-PID header.
func firstPID(bodyPID int, r *http.Request) int {
	if bodyPID != 0 {
		return bodyPID
	}
	if v := r.Header.Get("X-PID"); v != "" {
		if pid, err := strconv.Atoi(v); err == nil {
			return pid
		}
	}
	return 0
}

// firstAgentID prefers the body's agent id, falling back to X-Agent-Id.
func firstAgentID(bodyID string, r *http.Request) string {
	if bodyID != "" {
		return bodyID
	}
	return r.Header.Get("X-Agent-Id")
}
