package qrhub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const DefaultHeartbeat = 30 * time.Second

// SSEHandler streams a session's hub events as server-sent events.
type SSEHandler struct {
	Hub       *Hub
	Logger    *slog.Logger
	Heartbeat time.Duration
}

func NewSSEHandler(hub *Hub, logger *slog.Logger) *SSEHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{Hub: hub, Logger: logger, Heartbeat: DefaultHeartbeat}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		http.Error(w, "Session ID is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	sub := h.Hub.Subscribe(sessionID, DefaultBuffer)
	defer h.Hub.Unsubscribe(sub)

	clock := h.Hub.clock
	if err := writeSSE(w, Event{Type: EventConnected, SessionID: sessionID, Timestamp: clock.Now()}); err != nil {
		return
	}
	if e, ok := h.Hub.LatestPairingCode(sessionID); ok {
		_ = writeSSE(w, Event{Type: EventQR, SessionID: sessionID, QR: e.Payload, Timestamp: e.Timestamp})
	}
	flusher.Flush()

	interval := h.Heartbeat
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	h.Logger.Debug("sse_stream_open", "session_id", sessionID)
	defer h.Logger.Debug("sse_stream_closed", "session_id", sessionID)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.Chan():
			if err := writeSSE(w, Event{Type: EventHeartbeat, Timestamp: clock.Now()}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
