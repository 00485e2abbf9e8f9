package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/erichowens/port-daddy-sub004/internal/db"
	"github.com/erichowens/port-daddy-sub004/internal/projects"
)

// ProjectHandler groups the project-record endpoints used by the external
// scanner.
type ProjectHandler struct {
	store  *projects.Store
	logger *zap.Logger
}

// NewProjectHandler creates a ProjectHandler.
func NewProjectHandler(store *projects.Store, logger *zap.Logger) *ProjectHandler {
	return &ProjectHandler{
		store:  store,
		logger: logger.Named("project_handler"),
	}
}

// projectResponse is the JSON representation of one project record. Config
// and services pass through untouched; the daemon never interprets them.
type projectResponse struct {
	ID          string          `json:"id"`
	Root        string          `json:"root,omitempty"`
	Type        string          `json:"type,omitempty"`
	Config      json.RawMessage `json:"config"`
	Services    json.RawMessage `json:"services"`
	LastScanned *db.Millis      `json:"lastScanned,omitempty"`
	CreatedAt   db.Millis       `json:"createdAt"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

func projectToResponse(p *db.Project) projectResponse {
	return projectResponse{
		ID:          p.ID,
		Root:        p.Root,
		Type:        p.Type,
		Config:      json.RawMessage(p.Config),
		Services:    json.RawMessage(p.Services),
		LastScanned: p.LastScanned,
		CreatedAt:   p.CreatedAt,
		Metadata:    rawMeta(p.Metadata),
	}
}

// putProjectRequest is the JSON body of PUT /projects/{id}.
type putProjectRequest struct {
	Root        string          `json:"root,omitempty"`
	Type        string          `json:"type,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	Services    json.RawMessage `json:"services,omitempty"`
	LastScanned *db.Millis      `json:"lastScanned,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Put handles PUT /projects/{id}: upsert one scanner record.
func (h *ProjectHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req putProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	project, err := h.store.Put(r.Context(), projects.PutRequest{
		ID:          chi.URLParam(r, "id"),
		Root:        req.Root,
		Type:        req.Type,
		Config:      string(req.Config),
		Services:    string(req.Services),
		LastScanned: req.LastScanned,
		Metadata:    string(req.Metadata),
	})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, projectToResponse(project))
}

// Get handles GET /projects/{id}.
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	project, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, projectToResponse(project))
}

// List handles GET /projects.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.List(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	items := make([]projectResponse, len(rows))
	for i := range rows {
		items[i] = projectToResponse(&rows[i])
	}
	Ok(w, map[string]any{"projects": items, "count": len(items)})
}

// Delete handles DELETE /projects/{id}.
func (h *ProjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.Delete(r.Context(), id); err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"deleted": true, "id": id})
}
