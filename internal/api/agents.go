package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/erichowens/port-daddy-sub004/internal/agents"
	"github.com/erichowens/port-daddy-sub004/internal/db"
	"github.com/erichowens/port-daddy-sub004/internal/identity"
)

// AgentHandler groups the agent registry, inbox and resurrection endpoints.
type AgentHandler struct {
	registry *agents.Registry
	logger   *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(registry *agents.Registry, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		registry: registry,
		logger:   logger.Named("agent_handler"),
	}
}

// agentResponse is the JSON representation of an agent row.
type agentResponse struct {
	ID            string          `json:"id"`
	Name          string          `json:"name,omitempty"`
	Type          string          `json:"type,omitempty"`
	PID           int             `json:"pid,omitempty"`
	RegisteredAt  db.Millis       `json:"registeredAt"`
	LastHeartbeat db.Millis       `json:"lastHeartbeat"`
	MaxServices   int             `json:"maxServices"`
	MaxLocks      int             `json:"maxLocks"`
	Identity      *identityFields `json:"identity,omitempty"`
	Purpose       string          `json:"purpose,omitempty"`
	WorktreeID    string          `json:"worktreeId,omitempty"`
	Status        string          `json:"status"`
}

type identityFields struct {
	Project string `json:"project,omitempty"`
	Stack   string `json:"stack,omitempty"`
	Context string `json:"context,omitempty"`
}

func agentToResponse(a *db.Agent) agentResponse {
	resp := agentResponse{
		ID:            a.ID,
		Name:          a.Name,
		Type:          a.Type,
		PID:           a.PID,
		RegisteredAt:  a.RegisteredAt,
		LastHeartbeat: a.LastHeartbeat,
		MaxServices:   a.MaxServices,
		MaxLocks:      a.MaxLocks,
		Purpose:       a.Purpose,
		WorktreeID:    a.WorktreeID,
		Status:        a.Status,
	}
	if a.IdentityProject != "" {
		resp.Identity = &identityFields{
			Project: a.IdentityProject,
			Stack:   a.IdentityStack,
			Context: a.IdentityContext,
		}
	}
	return resp
}

// registerRequest is the JSON body of POST /agents.
type registerRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Type        string          `json:"type,omitempty"`
	PID         int             `json:"pid,omitempty"`
	MaxServices int             `json:"maxServices,omitempty"`
	MaxLocks    int             `json:"maxLocks,omitempty"`
	Identity    *identityFields `json:"identity,omitempty"`
	Purpose     string          `json:"purpose,omitempty"`
	WorktreeID  string          `json:"worktreeId,omitempty"`
}

// Register handles POST /agents: an idempotent upsert on id.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		Fail(w, http.StatusBadRequest, "id is required")
		return
	}

	rreq := agents.RegisterRequest{
		ID:          req.ID,
		Name:        req.Name,
		Type:        req.Type,
		PID:         firstPID(req.PID, r),
		MaxServices: req.MaxServices,
		MaxLocks:    req.MaxLocks,
		Purpose:     req.Purpose,
		WorktreeID:  req.WorktreeID,
	}
	if req.Identity != nil {
		rreq.Identity = identity.Identity{
			Project: req.Identity.Project,
			Stack:   req.Identity.Stack,
			Context: req.Identity.Context,
		}
	}

	result, err := h.registry.Register(r.Context(), rreq)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	body := map[string]any{"agent": agentToResponse(&result.Agent)}
	if len(result.SalvageHint) > 0 {
		body["salvageHint"] = toResurrectionResponses(result.SalvageHint)
	}
	Ok(w, body)
}

// Heartbeat handles PUT /agents/{id}/heartbeat.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agent, err := h.registry.Heartbeat(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, agentToResponse(agent))
}

// Unregister handles DELETE /agents/{id}.
func (h *AgentHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Unregister(r.Context(), id); err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"unregistered": true, "id": id})
}

// Get handles GET /agents/{id}.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	agent, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, agentToResponse(agent))
}

// List handles GET /agents?status=.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.registry.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	items := make([]agentResponse, len(rows))
	for i := range rows {
		items[i] = agentToResponse(&rows[i])
	}
	Ok(w, map[string]any{"agents": items, "count": len(items)})
}

// inboxResponse is the JSON representation of an inbox message.
type inboxResponse struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agentId"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt db.Millis `json:"createdAt"`
}

func inboxToResponse(m *db.InboxMessage) inboxResponse {
	return inboxResponse{
		ID:        m.ID,
		AgentID:   m.AgentID,
		Content:   m.Content,
		Sender:    m.Sender,
		Read:      m.Read,
		CreatedAt: m.CreatedAt,
	}
}

// Inbox handles GET /agents/{id}/inbox?unread=true&limit=N.
func (h *AgentHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			Fail(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	msgs, err := h.registry.Inbox(r.Context(), chi.URLParam(r, "id"), q.Get("unread") == "true", limit)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	items := make([]inboxResponse, len(msgs))
	for i := range msgs {
		items[i] = inboxToResponse(&msgs[i])
	}
	Ok(w, map[string]any{"messages": items, "count": len(items)})
}

// inboxRequest is the JSON body of POST /agents/{id}/inbox. Action defaults
// to "post"; "stats", "read-all" and "clear" are the maintenance subcommands.
type inboxRequest struct {
	Action  string `json:"action,omitempty"`
	Content string `json:"content,omitempty"`
	Sender  string `json:"sender,omitempty"`
}

// PostInbox handles POST /agents/{id}/inbox.
func (h *AgentHandler) PostInbox(w http.ResponseWriter, r *http.Request) {
	var req inboxRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")

	switch req.Action {
	case "", "post":
		if req.Content == "" {
			Fail(w, http.StatusBadRequest, "content is required")
			return
		}
		msg, err := h.registry.PostInbox(r.Context(), id, req.Content, req.Sender)
		if err != nil {
			respondError(w, h.logger, err)
			return
		}
		Ok(w, inboxToResponse(msg))

	case "stats":
		stats, err := h.registry.Stats(r.Context(), id)
		if err != nil {
			respondError(w, h.logger, err)
			return
		}
		Ok(w, stats)

	case "read-all":
		n, err := h.registry.MarkInboxRead(r.Context(), id)
		if err != nil {
			respondError(w, h.logger, err)
			return
		}
		Ok(w, map[string]any{"marked": n})

	case "clear":
		n, err := h.registry.ClearInbox(r.Context(), id)
		if err != nil {
			respondError(w, h.logger, err)
			return
		}
		Ok(w, map[string]any{"cleared": n})

	default:
		Fail(w, http.StatusBadRequest, "unknown inbox action: "+req.Action)
	}
}

// resurrectionResponse is the JSON representation of a queue entry.
type resurrectionResponse struct {
	OldID     string    `json:"oldId"`
	NewID     string    `json:"newId,omitempty"`
	Project   string    `json:"project,omitempty"`
	Purpose   string    `json:"purpose,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	State     string    `json:"state"`
	CreatedAt db.Millis `json:"createdAt"`
	UpdatedAt db.Millis `json:"updatedAt"`
}

func toResurrectionResponses(entries []db.ResurrectionEntry) []resurrectionResponse {
	items := make([]resurrectionResponse, len(entries))
	for i, e := range entries {
		items[i] = resurrectionResponse{
			OldID:     e.OldID,
			NewID:     e.NewID,
			Project:   e.Project,
			Purpose:   e.Purpose,
			SessionID: e.SessionID,
			State:     e.State,
			CreatedAt: e.CreatedAt,
			UpdatedAt: e.UpdatedAt,
		}
	}
	return items
}

// PendingResurrections handles GET /resurrection/pending?project=.
func (h *AgentHandler) PendingResurrections(w http.ResponseWriter, r *http.Request) {
	entries, err := h.registry.PendingResurrections(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"pending": toResurrectionResponses(entries), "count": len(entries)})
}

// ClaimResurrection handles POST /resurrection/claim/{oldId}.
func (h *AgentHandler) ClaimResurrection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewAgentID string `json:"newAgentId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NewAgentID == "" {
		Fail(w, http.StatusBadRequest, "newAgentId is required")
		return
	}
	rctx, err := h.registry.ClaimResurrection(r.Context(), chi.URLParam(r, "oldId"), req.NewAgentID)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, rctx)
}

// CompleteResurrection handles POST /resurrection/{oldId}/complete.
func (h *AgentHandler) CompleteResurrection(w http.ResponseWriter, r *http.Request) {
	oldID := chi.URLParam(r, "oldId")
	if err := h.registry.CompleteResurrection(r.Context(), oldID); err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"completed": true, "oldId": oldID})
}

// DismissResurrection handles POST /resurrection/{oldId}/dismiss.
func (h *AgentHandler) DismissResurrection(w http.ResponseWriter, r *http.Request) {
	oldID := chi.URLParam(r, "oldId")
	if err := h.registry.DismissResurrection(r.Context(), oldID); err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"dismissed": true, "oldId": oldID})
}
