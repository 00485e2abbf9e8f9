package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/erichowens/port-daddy-sub004/internal/db"
	"github.com/erichowens/port-daddy-sub004/internal/webhooks"
)

// WebhookHandler groups the subscription and delivery endpoints.
type WebhookHandler struct {
	manager *webhooks.Manager
	logger  *zap.Logger
	metrics *Metrics
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(manager *webhooks.Manager, logger *zap.Logger, metrics *Metrics) *WebhookHandler {
	return &WebhookHandler{
		manager: manager,
		logger:  logger.Named("webhook_handler"),
		metrics: metrics,
	}
}

// subscriptionResponse is the JSON representation of a subscription. The
// secret is never echoed back; hasSecret says whether one is configured.
type subscriptionResponse struct {
	ID        string          `json:"id"`
	URL       string          `json:"url"`
	Events    json.RawMessage `json:"events"`
	HasSecret bool            `json:"hasSecret"`
	Filter    string          `json:"filter,omitempty"`
	Active    bool            `json:"active"`
	CreatedAt db.Millis       `json:"createdAt"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

func subscriptionToResponse(s *db.WebhookSubscription) subscriptionResponse {
	return subscriptionResponse{
		ID:        s.ID,
		URL:       s.URL,
		Events:    json.RawMessage(s.Events),
		HasSecret: s.Secret != "",
		Filter:    s.Filter,
		Active:    s.Active,
		CreatedAt: s.CreatedAt,
		Metadata:  rawMeta(s.Metadata),
	}
}

// subscribeRequest is the JSON body of POST /webhooks.
type subscribeRequest struct {
	URL      string         `json:"url"`
	Events   []string       `json:"events,omitempty"`
	Secret   string         `json:"secret,omitempty"`
	Filter   string         `json:"filter,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Subscribe handles POST /webhooks. The URL goes through the SSRF guard
// before anything is stored.
func (h *WebhookHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		Fail(w, http.StatusBadRequest, "url is required")
		return
	}
	meta := "{}"
	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			Fail(w, http.StatusBadRequest, "invalid metadata")
			return
		}
		meta = string(raw)
	}

	sub, err := h.manager.Subscribe(r.Context(), webhooks.SubscribeRequest{
		URL:      req.URL,
		Events:   req.Events,
		Secret:   req.Secret,
		Filter:   req.Filter,
		Metadata: meta,
	})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, subscriptionToResponse(sub))
}

// List handles GET /webhooks.
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.manager.List(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	items := make([]subscriptionResponse, len(subs))
	for i := range subs {
		items[i] = subscriptionToResponse(&subs[i])
	}
	Ok(w, map[string]any{"webhooks": items, "count": len(items)})
}

// Get handles GET /webhooks/{id}.
func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.manager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, subscriptionToResponse(sub))
}

// updateRequest is the JSON body of PUT /webhooks/{id}. Absent fields are
// untouched; an explicit empty events list resets to all events.
type updateRequest struct {
	URL    *string  `json:"url,omitempty"`
	Events []string `json:"events,omitempty"`
	Secret *string  `json:"secret,omitempty"`
	Filter *string  `json:"filter,omitempty"`
	Active *bool    `json:"active,omitempty"`
}

// Update handles PUT /webhooks/{id}.
func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := h.manager.Update(r.Context(), chi.URLParam(r, "id"), webhooks.UpdateRequest{
		URL:    req.URL,
		Events: req.Events,
		Secret: req.Secret,
		Filter: req.Filter,
		Active: req.Active,
	})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, subscriptionToResponse(sub))
}

// Delete handles DELETE /webhooks/{id}.
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.manager.Delete(r.Context(), id); err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"deleted": true, "id": id})
}

// deliveryResponse is the JSON representation of one delivery attempt record.
type deliveryResponse struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscriptionId"`
	Event          string     `json:"event"`
	TargetID       string     `json:"targetId,omitempty"`
	Timestamp      db.Millis  `json:"timestamp"`
	StatusCode     int        `json:"statusCode,omitempty"`
	Success        bool       `json:"success"`
	Done           bool       `json:"done"`
	Attempts       int        `json:"attempts"`
	NextRetryAt    *db.Millis `json:"nextRetryAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
}

func deliveryToResponse(d *db.WebhookDelivery) deliveryResponse {
	return deliveryResponse{
		ID:             d.ID,
		SubscriptionID: d.SubscriptionID,
		Event:          d.Event,
		TargetID:       d.TargetID,
		Timestamp:      d.Timestamp,
		StatusCode:     d.StatusCode,
		Success:        d.Success,
		Done:           d.Done,
		Attempts:       d.Attempts,
		NextRetryAt:    d.NextRetryAt,
		LastError:      d.LastError,
	}
}

// Test handles POST /webhooks/{id}/test: a synchronous synthetic delivery so
// the operator can verify connectivity.
func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	delivery, err := h.manager.Test(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	h.metrics.WebhookDeliveries.Inc()
	Ok(w, deliveryToResponse(delivery))
}

// Deliveries handles GET /webhooks/{id}/deliveries?limit=.
func (h *WebhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			Fail(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	rows, err := h.manager.Deliveries(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	items := make([]deliveryResponse, len(rows))
	for i := range rows {
		items[i] = deliveryToResponse(&rows[i])
	}
	Ok(w, map[string]any{"deliveries": items, "count": len(items)})
}
