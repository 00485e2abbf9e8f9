package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/erichowens/port-daddy-sub004/internal/conntrack"
	"github.com/erichowens/port-daddy-sub004/internal/messages"
)

const (
	// wsWriteWait bounds one frame write.
	wsWriteWait = 10 * time.Second
	// wsPongWait is how long to wait for a pong before declaring the client
	// gone. Pings go out at a fraction of this.
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// upgrader checks nothing beyond the handshake: the daemon is loopback-only
// and CORS already restricted browser origins upstream.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS handles GET /msg/{channel}/ws: the websocket twin of the SSE
// subscribe endpoint, preferred by dashboards. Each new message on the
// channel is sent as one JSON text frame; the cursor query parameter
// (`after`) resumes from a known id. The handler blocks until the client
// disconnects or the stream cap elapses.
func (h *MessageHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
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

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the error response.
		h.logger.Warn("ws upgrade failed", zap.String("channel", channel), zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Debug("ws client connected",
		zap.String("channel", channel),
		zap.String("remote_addr", r.RemoteAddr),
	)

	// Read pump: the client sends nothing we care about, but reading is what
	// surfaces close frames and feeds the pong handler.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	deadline := time.NewTimer(h.streamMax)
	defer deadline.Stop()
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	cursor := after
	for {
		msgs, err := h.log.Get(r.Context(), channel, cursor, messages.MaxReadLimit)
		if err != nil {
			return
		}
		for i := range msgs {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(messageToResponse(&msgs[i])); err != nil {
				return
			}
			cursor = msgs[i].ID
		}

		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-deadline.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream timeout"))
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-h.log.WaitCh(channel):
		}
	}
}
