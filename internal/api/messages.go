package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/erichowens/port-daddy-sub004/internal/conntrack"
	"github.com/erichowens/port-daddy-sub004/internal/db"
	"github.com/erichowens/port-daddy-sub004/internal/messages"
)

// keepAliveInterval is how often streaming endpoints emit a comment so
// intermediaries do not drop an idle connection.
const keepAliveInterval = 30 * time.Second

// MessageHandler groups the channel bus endpoints: publish, cursor reads,
// long-poll and the two stream transports.
type MessageHandler struct {
	log     *messages.Log
	tracker *conntrack.Tracker
	logger  *zap.Logger

	// pollMax and streamMax bound how long a waiter may hold a connection.
	pollMax   time.Duration
	streamMax time.Duration

	metrics *Metrics
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(log *messages.Log, tracker *conntrack.Tracker, logger *zap.Logger, pollMax, streamMax time.Duration, metrics *Metrics) *MessageHandler {
	return &MessageHandler{
		log:       log,
		tracker:   tracker,
		logger:    logger.Named("message_handler"),
		pollMax:   pollMax,
		streamMax: streamMax,
		metrics:   metrics,
	}
}

// messageResponse is the JSON representation of a message row.
type messageResponse struct {
	ID        int64           `json:"id"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	Sender    string          `json:"sender,omitempty"`
	CreatedAt db.Millis       `json:"createdAt"`
	ExpiresAt *db.Millis      `json:"expiresAt,omitempty"`
}

func messageToResponse(m *db.Message) messageResponse {
	return messageResponse{
		ID:        m.ID,
		Channel:   m.Channel,
		Payload:   json.RawMessage(m.Payload),
		Sender:    m.Sender,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
	}
}

// publishRequest is the JSON body of POST /msg/{channel}.
type publishRequest struct {
	Payload   json.RawMessage `json:"payload"`
	Sender    string          `json:"sender,omitempty"`
	ExpiresAt *db.Millis      `json:"expiresAt,omitempty"`
	TTL       int64           `json:"ttl,omitempty"`
}

// Publish handles POST /msg/{channel}. A ttl (ms) in the body is shorthand
// for an absolute expiresAt.
func (h *MessageHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Payload) == 0 {
		Fail(w, http.StatusBadRequest, "payload is required")
		return
	}
	expires := req.ExpiresAt
	if expires == nil && req.TTL > 0 {
		at := h.log.Now() + req.TTL
		expires = &at
	}

	msg, err := h.log.Publish(r.Context(), chi.URLParam(r, "channel"), req.Payload, req.Sender, expires)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	h.metrics.Publishes.Inc()
	Ok(w, messageToResponse(msg))
}

// Get handles GET /msg/{channel}?after=N&limit=M.
func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	after, limit, ok := cursorParams(w, r)
	if !ok {
		return
	}
	msgs, err := h.log.Get(r.Context(), chi.URLParam(r, "channel"), after, limit)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"messages": toMessageResponses(msgs), "count": len(msgs)})
}

// Clear handles DELETE /msg/{channel}.
func (h *MessageHandler) Clear(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	n, err := h.log.Clear(r.Context(), channel)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"cleared": n, "channel": channel})
}

// Channels handles GET /msg.
func (h *MessageHandler) Channels(w http.ResponseWriter, r *http.Request) {
	infos, err := h.log.Channels(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"channels": infos, "count": len(infos)})
}

// Poll handles GET /msg/{channel}/poll?after=N&timeout=MS. The request pends
// until a message lands, the timeout elapses (returning an empty list), or
// the client disconnects. Counted against the long-poll population.
func (h *MessageHandler) Poll(w http.ResponseWriter, r *http.Request) {
	after, limit, ok := cursorParams(w, r)
	if !ok {
		return
	}
	timeout := h.pollMax
	if v := r.URL.Query().Get("timeout"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			Fail(w, http.StatusBadRequest, "timeout must be a positive integer (ms)")
			return
		}
		if d := time.Duration(ms) * time.Millisecond; d < timeout {
			timeout = d
		}
	}

	release, err := h.tracker.Acquire(connOrigin(r), conntrack.LongPoll)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	defer release()
	h.metrics.OpenLongPolls.Inc()
	defer h.metrics.OpenLongPolls.Dec()

	msgs, err := h.log.Poll(r.Context(), chi.URLParam(r, "channel"), after, limit, timeout)
	if err != nil {
		// Client went away; nothing to write.
		if r.Context().Err() != nil {
			return
		}
		respondError(w, h.logger, err)
		return
	}
	Ok(w, map[string]any{"messages": toMessageResponses(msgs), "count": len(msgs)})
}

// Subscribe handles GET /msg/{channel}/subscribe: a server-sent-event stream
// of every new message on the channel. Sends an initial "connected" event,
// 30 s keep-alive comments, and a final "timeout" event when the hard stream
// cap elapses. Counted against the stream population.
func (h *MessageHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Fail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	after, _, ok := cursorParams(w, r)
	if !ok {
		return
	}
	channel := chi.URLParam(r, "channel")

	release, err := h.tracker.Acquire(connOrigin(r), conntrack.Stream)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	defer release()
	h.metrics.OpenStreams.Inc()
	defer h.metrics.OpenStreams.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	writeSSE(w, "connected", map[string]any{"channel": channel, "after": after})
	flusher.Flush()

	deadline := time.NewTimer(h.streamMax)
	defer deadline.Stop()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	cursor := after
	for {
		msgs, err := h.log.Get(r.Context(), channel, cursor, messages.MaxReadLimit)
		if err != nil {
			if r.Context().Err() == nil {
				h.logger.Warn("subscribe read failed", zap.String("channel", channel), zap.Error(err))
			}
			return
		}
		for i := range msgs {
			writeSSE(w, "message", messageToResponse(&msgs[i]))
			cursor = msgs[i].ID
		}
		if len(msgs) > 0 {
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			writeSSE(w, "timeout", map[string]any{"lastId": cursor})
			flusher.Flush()
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-h.log.WaitCh(channel):
		}
	}
}

// writeSSE frames one event in text/event-stream format. Encoding failures
// degrade to an empty data line; the stream protocol has no error channel.
func writeSSE(w http.ResponseWriter, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte("{}")
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
}

func toMessageResponses(msgs []db.Message) []messageResponse {
	items := make([]messageResponse, len(msgs))
	for i := range msgs {
		items[i] = messageToResponse(&msgs[i])
	}
	return items
}

// cursorParams parses the after/limit query parameters shared by the read
// endpoints. Returns ok=false after writing the error response.
func cursorParams(w http.ResponseWriter, r *http.Request) (after int64, limit int, ok bool) {
	q := r.URL.Query()
	if v := q.Get("after"); v != "" {
		var err error
		if after, err = strconv.ParseInt(v, 10, 64); err != nil || after < 0 {
			Fail(w, http.StatusBadRequest, "after must be a non-negative integer")
			return 0, 0, false
		}
	}
	if v := q.Get("limit"); v != "" {
		var err error
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			Fail(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return 0, 0, false
		}
	}
	return after, limit, true
}

// connOrigin derives the connection-tracker key for a caller: the agent id
// when one is presented, else the PID, else the remote address.
func connOrigin(r *http.Request) string {
	if id := r.Header.Get("X-Agent-Id"); id != "" {
		return "agent:" + id
	}
	if pid := r.Header.Get("X-PID"); pid != "" {
		return "pid:" + pid
	}
	return "addr:" + r.RemoteAddr
}
