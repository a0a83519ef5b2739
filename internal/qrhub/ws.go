package qrhub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	clientQueue    = 64
)

// WSHandler upgrades HTTP requests to websocket observers of the hub.
// Clients send {"type":"subscribe","sessionId":"..."} and
// {"type":"unsubscribe","sessionId":"..."}; a sessionId query parameter
// subscribes on connect.
type WSHandler struct {
	Hub      *Hub
	Logger   *slog.Logger
	Upgrader websocket.Upgrader
}

func NewWSHandler(hub *Hub, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		Hub:    hub,
		Logger: logger,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

type clientFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type wsClient struct {
	conn   *websocket.Conn
	hub    *Hub
	logger *slog.Logger

	send      chan []byte
	closeOnce sync.Once
	closed    atomic.Bool

	mu   sync.Mutex
	subs map[string]*Subscription
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("ws_upgrade_failed", "error", err.Error())
		return
	}
	c := &wsClient{
		conn:   conn,
		hub:    h.Hub,
		logger: h.Logger,
		send:   make(chan []byte, clientQueue),
		subs:   make(map[string]*Subscription),
	}
	c.enqueue(Event{Type: EventWelcome, Message: "connected to pairing updates", Timestamp: h.Hub.clock.Now()})
	if id := strings.TrimSpace(r.URL.Query().Get("sessionId")); id != "" {
		c.subscribe(id)
	}
	go c.writePump()
	c.readPump()
}

// safeSend never blocks; a full queue drops the frame.
func (c *wsClient) safeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsClient) enqueue(ev Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	return c.safeSend(data)
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

func (c *wsClient) subscribe(sessionID string) {
	c.mu.Lock()
	if _, ok := c.subs[sessionID]; ok {
		c.mu.Unlock()
		return
	}
	sub := c.hub.Subscribe(sessionID, DefaultBuffer)
	c.subs[sessionID] = sub
	c.mu.Unlock()

	c.enqueue(Event{
		Type:      EventStatus,
		SessionID: sessionID,
		Status:    "subscribed",
		Message:   "Successfully subscribed to pairing updates",
		Timestamp: c.hub.clock.Now(),
	})
	if e, ok := c.hub.LatestPairingCode(sessionID); ok {
		c.enqueue(Event{Type: EventQR, SessionID: sessionID, QR: e.Payload, Timestamp: e.Timestamp})
	}
	go func() {
		for ev := range sub.C() {
			if !c.enqueue(ev) {
				c.hub.metrics.EventDropped()
			}
		}
	}()
}

func (c *wsClient) unsubscribe(sessionID string) {
	c.mu.Lock()
	sub, ok := c.subs[sessionID]
	delete(c.subs, sessionID)
	c.mu.Unlock()
	if ok {
		c.hub.Unsubscribe(sub)
	}
}

func (c *wsClient) unsubscribeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		c.hub.Unsubscribe(sub)
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.unsubscribeAll()
		c.close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("ws_read_failed", "error", err.Error())
			}
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		id := strings.TrimSpace(frame.SessionID)
		if id == "" {
			continue
		}
		switch frame.Type {
		case "subscribe":
			c.subscribe(id)
		case "unsubscribe":
			c.unsubscribe(id)
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
