package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/erichowens/port-daddy-sub004/internal/db"
	"github.com/erichowens/port-daddy-sub004/internal/locks"
)

// LockHandler groups the advisory lock endpoints.
type LockHandler struct {
	manager *locks.Manager
	logger  *zap.Logger
}

// NewLockHandler creates a LockHandler.
func NewLockHandler(manager *locks.Manager, logger *zap.Logger) *LockHandler {
	return &LockHandler{
		manager: manager,
		logger:  logger.Named("lock_handler"),
	}
}

// lockResponse is the JSON representation of a lock row.
type lockResponse struct {
	Name       string          `json:"name"`
	Owner      string          `json:"owner"`
	PID        int             `json:"pid,omitempty"`
	AcquiredAt db.Millis       `json:"acquiredAt"`
	ExpiresAt  db.Millis       `json:"expiresAt"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

func lockToResponse(l *db.Lock) lockResponse {
	return lockResponse{
		Name:       l.Name,
		Owner:      l.Owner,
		PID:        l.PID,
		AcquiredAt: l.AcquiredAt,
		ExpiresAt:  l.ExpiresAt,
		Metadata:   rawMeta(l.Metadata),
	}
}

// acquireRequest is the JSON body of POST /locks/{name}.
type acquireRequest struct {
	Owner    string         `json:"owner"`
	PID      int            `json:"pid,omitempty"`
	TTL      int64          `json:"ttl"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Acquire handles POST /locks/{name}. Re-acquire by the current owner is an
// idempotent refresh; a contested acquire returns 409 with the holder.
func (h *LockHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Owner == "" {
		Fail(w, http.StatusBadRequest, "owner is required")
		return
	}

	lock, refreshed, err := h.manager.Acquire(r.Context(),
		chi.URLParam(r, "name"), req.Owner, firstPID(req.PID, r), req.TTL, req.Metadata)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, struct {
		lockResponse
		Refreshed bool `json:"refreshed"`
	}{lockToResponse(lock), refreshed})
}

// releaseLockRequest is the JSON body of DELETE /locks/{name}.
type releaseLockRequest struct {
	Owner string `json:"owner"`
	Force bool   `json:"force,omitempty"`
}

// Release handles DELETE /locks/{name}.
func (h *LockHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req releaseLockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.manager.Release(r.Context(), name, req.Owner, req.Force); err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"released": true, "name": name})
}

// extendRequest is the JSON body of PUT /locks/{name}.
type extendRequest struct {
	Owner string `json:"owner"`
	TTL   int64  `json:"ttl"`
	Force bool   `json:"force,omitempty"`
}

// Extend handles PUT /locks/{name}.
func (h *LockHandler) Extend(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	lock, err := h.manager.Extend(r.Context(), chi.URLParam(r, "name"), req.Owner, req.TTL, req.Force)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, lockToResponse(lock))
}

// Check handles GET /locks/{name}. A vacant name is a 200 with held=false,
// not a 404: polling for availability is the expected use.
func (h *LockHandler) Check(w http.ResponseWriter, r *http.Request) {
	lock, err := h.manager.Check(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if lock == nil {
		Ok(w, map[string]any{"held": false})
		return
	}
	Ok(w, struct {
		Held bool `json:"held"`
		lockResponse
	}{true, lockToResponse(lock)})
}

// List handles GET /locks.
func (h *LockHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.manager.List(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	items := make([]lockResponse, len(rows))
	for i := range rows {
		items[i] = lockToResponse(&rows[i])
	}
	Ok(w, map[string]any{"locks": items, "count": len(items)})
}
