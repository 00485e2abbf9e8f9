package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/erichowens/port-daddy-sub004/internal/db"
	"github.com/erichowens/port-daddy-sub004/internal/sessions"
)

// SessionHandler groups the session, note and file-claim endpoints.
type SessionHandler struct {
	manager *sessions.Manager
	logger  *zap.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(manager *sessions.Manager, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		logger:  logger.Named("session_handler"),
	}
}

// sessionResponse is the JSON representation of a session row.
type sessionResponse struct {
	ID          string     `json:"id"`
	Purpose     string     `json:"purpose"`
	Status      string     `json:"status"`
	AgentID     string     `json:"agentId,omitempty"`
	CreatedAt   db.Millis  `json:"createdAt"`
	UpdatedAt   db.Millis  `json:"updatedAt"`
	CompletedAt *db.Millis `json:"completedAt,omitempty"`
}

func sessionToResponse(s *db.Session) sessionResponse {
	return sessionResponse{
		ID:          s.ID,
		Purpose:     s.Purpose,
		Status:      s.Status,
		AgentID:     s.AgentID,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		CompletedAt: s.CompletedAt,
	}
}

// noteResponse is the JSON representation of a note row.
type noteResponse struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	CreatedAt db.Millis `json:"createdAt"`
}

func noteToResponse(n *db.SessionNote) noteResponse {
	return noteResponse{
		ID:        n.ID,
		SessionID: n.SessionID,
		Content:   n.Content,
		Type:      n.Type,
		CreatedAt: n.CreatedAt,
	}
}

func toNoteResponses(notes []db.SessionNote) []noteResponse {
	items := make([]noteResponse, len(notes))
	for i := range notes {
		items[i] = noteToResponse(&notes[i])
	}
	return items
}

// startRequest is the JSON body of POST /sessions.
type startRequest struct {
	Purpose string   `json:"purpose"`
	AgentID string   `json:"agentId,omitempty"`
	Files   []string `json:"files,omitempty"`
	Force   bool     `json:"force,omitempty"`
}

// Start handles POST /sessions. Overlapping file claims return 409 with the
// conflict list unless force is set.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := h.manager.Start(r.Context(), sessions.StartRequest{
		Purpose: req.Purpose,
		AgentID: firstAgentID(req.AgentID, r),
		Files:   req.Files,
		Force:   req.Force,
	})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, sessionToResponse(session))
}

// List handles GET /sessions?agent=&status=&limit=.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := sessions.ListOptions{
		AgentID: q.Get("agent"),
		Status:  q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			Fail(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}
	rows, err := h.manager.List(r.Context(), opts)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	items := make([]sessionResponse, len(rows))
	for i := range rows {
		items[i] = sessionToResponse(&rows[i])
	}
	Ok(w, map[string]any{"sessions": items, "count": len(items)})
}

// Get handles GET /sessions/{id}.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.manager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, sessionToResponse(session))
}

// Update handles PUT /sessions/{id}: the active -> completed|abandoned
// transition.
func (h *SessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := h.manager.Update(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, sessionToResponse(session))
}

// Delete handles DELETE /sessions/{id}.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.manager.Delete(r.Context(), id); err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"deleted": true, "id": id})
}

// AddNote handles POST /sessions/{id}/notes.
func (h *SessionHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
		Type    string `json:"type,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Content == "" {
		Fail(w, http.StatusBadRequest, "content is required")
		return
	}
	note, err := h.manager.AddNote(r.Context(), chi.URLParam(r, "id"), req.Content, req.Type)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, noteToResponse(note))
}

// Notes handles GET /sessions/{id}/notes?limit=.
func (h *SessionHandler) Notes(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			Fail(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	notes, err := h.manager.Notes(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"notes": toNoteResponses(notes), "count": len(notes)})
}

// QuickNote handles POST /notes: a note without a session context, attached
// to (or creating) the caller's implicit session.
func (h *SessionHandler) QuickNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
		Type    string `json:"type,omitempty"`
		AgentID string `json:"agentId,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Content == "" {
		Fail(w, http.StatusBadRequest, "content is required")
		return
	}
	note, err := h.manager.QuickNote(r.Context(), firstAgentID(req.AgentID, r), req.Content, req.Type)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, noteToResponse(note))
}

// RecentNotes handles GET /notes?limit=.
func (h *SessionHandler) RecentNotes(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			Fail(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	notes, err := h.manager.RecentNotes(r.Context(), limit)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"notes": toNoteResponses(notes), "count": len(notes)})
}

// fileResponse is the JSON representation of a file claim.
type fileResponse struct {
	SessionID  string     `json:"sessionId"`
	FilePath   string     `json:"filePath"`
	ClaimedAt  db.Millis  `json:"claimedAt"`
	ReleasedAt *db.Millis `json:"releasedAt,omitempty"`
}

// ClaimFiles handles POST /sessions/{id}/files.
func (h *SessionHandler) ClaimFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files []string `json:"files"`
		Force bool     `json:"force,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Files) == 0 {
		Fail(w, http.StatusBadRequest, "files is required")
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.manager.ClaimFiles(r.Context(), id, req.Files, req.Force); err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"claimed": len(req.Files), "sessionId": id})
}

// ReleaseFiles handles DELETE /sessions/{id}/files.
func (h *SessionHandler) ReleaseFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files []string `json:"files"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Files) == 0 {
		Fail(w, http.StatusBadRequest, "files is required")
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.manager.ReleaseFiles(r.Context(), id, req.Files); err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"released": len(req.Files), "sessionId": id})
}

// Files handles GET /sessions/{id}/files.
func (h *SessionHandler) Files(w http.ResponseWriter, r *http.Request) {
	files, err := h.manager.Files(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	items := make([]fileResponse, len(files))
	for i, f := range files {
		items[i] = fileResponse{
			SessionID:  f.SessionID,
			FilePath:   f.FilePath,
			ClaimedAt:  f.ClaimedAt,
			ReleasedAt: f.ReleasedAt,
		}
	}
	Ok(w, map[string]any{"files": items, "count": len(items)})
}
