package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/erichowens/port-daddy-sub004/internal/activity"
	"github.com/erichowens/port-daddy-sub004/internal/db"
)

// ActivityHandler groups the audit query endpoints.
type ActivityHandler struct {
	log    *activity.Log
	logger *zap.Logger
}

// NewActivityHandler creates an ActivityHandler.
func NewActivityHandler(log *activity.Log, logger *zap.Logger) *ActivityHandler {
	return &ActivityHandler{
		log:    log,
		logger: logger.Named("activity_handler"),
	}
}

// activityResponse is the JSON representation of an audit entry.
type activityResponse struct {
	ID        int64           `json:"id"`
	Timestamp db.Millis       `json:"timestamp"`
	Type      string          `json:"type"`
	AgentID   string          `json:"agentId,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	Details   string          `json:"details,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

func toActivityResponses(entries []db.ActivityEntry) []activityResponse {
	items := make([]activityResponse, len(entries))
	for i, e := range entries {
		items[i] = activityResponse{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			Type:      e.Type,
			AgentID:   e.AgentID,
			TargetID:  e.TargetID,
			Details:   e.Details,
			Metadata:  rawMeta(e.Metadata),
		}
	}
	return items
}

// Recent handles GET /activity?limit=&type=&agent=&target=.
func (h *ActivityHandler) Recent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := activity.RecentOptions{
		Type:          q.Get("type"),
		AgentID:       q.Get("agent"),
		TargetPattern: q.Get("target"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			Fail(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}

	entries, err := h.log.Recent(r.Context(), opts)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"activity": toActivityResponses(entries), "count": len(entries)})
}

// Range handles GET /activity/range?from=MS&to=MS&limit=.
func (h *ActivityHandler) Range(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := strconv.ParseInt(q.Get("from"), 10, 64)
	if err != nil {
		Fail(w, http.StatusBadRequest, "from must be a millisecond timestamp")
		return
	}
	to, err := strconv.ParseInt(q.Get("to"), 10, 64)
	if err != nil {
		Fail(w, http.StatusBadRequest, "to must be a millisecond timestamp")
		return
	}
	if to <= from {
		Fail(w, http.StatusBadRequest, "to must be after from")
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			Fail(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}

	entries, err := h.log.Range(r.Context(), from, to, limit)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"activity": toActivityResponses(entries), "count": len(entries)})
}

// Summary handles GET /activity/summary?since=MS. Without since, the last
// 24 hours are summarized.
func (h *ActivityHandler) Summary(w http.ResponseWriter, r *http.Request) {
	since := h.log.Now() - 24*60*60*1000
	if v := r.URL.Query().Get("since"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			Fail(w, http.StatusBadRequest, "since must be a millisecond timestamp")
			return
		}
		since = ms
	}

	counts, err := h.log.Summary(r.Context(), since)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"summary": counts, "since": since})
}

// Stats handles GET /activity/stats.
func (h *ActivityHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.log.Stats(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, stats)
}
