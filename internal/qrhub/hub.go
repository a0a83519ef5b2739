// Package qrhub fans pairing codes and connection status out to observers
// and keeps a short-lived cache of the latest values for pollers.
package qrhub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/cornmankl/whatsapp-qr-optimizer/internal/metrics"
)

const (
	DefaultTTL    = 60 * time.Second
	DefaultBuffer = 16
)

type EventType string

const (
	EventQR         EventType = "qr"
	EventConnection EventType = "connection.update"
	EventError      EventType = "error"
	EventStatus     EventType = "status"
	EventConnected  EventType = "connected"
	EventHeartbeat  EventType = "heartbeat"
	EventWelcome    EventType = "welcome"
)

// Event is the JSON frame delivered to subscribers.
type Event struct {
	Type       EventType `json:"type"`
	SessionID  string    `json:"sessionId,omitempty"`
	QR         string    `json:"qr,omitempty"`
	Connection string    `json:"connection,omitempty"`
	Status     string    `json:"status,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type Options struct {
	TTL     time.Duration
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription
	closed bool

	codes    *ttlCache
	statuses *ttlCache

	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(opts Options) *Hub {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		subs:     make(map[string]map[string]*Subscription),
		codes:    newTTLCache(opts.TTL, opts.Clock),
		statuses: newTTLCache(opts.TTL, opts.Clock),
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Subscription is one observer of a session's events. C is closed when the
// subscription is removed or the hub shuts down.
type Subscription struct {
	ID        string
	SessionID string

	ch        chan Event
	closeOnce sync.Once
}

func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Subscribe registers an observer for sessionID. A closed hub returns a
// subscription whose channel is already closed.
func (h *Hub) Subscribe(sessionID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ch:        make(chan Event, buffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub
	}
	set := h.subs[sessionID]
	if set == nil {
		set = make(map[string]*Subscription)
		h.subs[sessionID] = set
	}
	set[sub.ID] = sub
	h.mu.Unlock()

	h.metrics.SubscriberAdded()
	h.logger.Debug("qr_subscribed", "session_id", sessionID, "subscriber_id", sub.ID)
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	set := h.subs[sub.SessionID]
	_, ok := set[sub.ID]
	if ok {
		delete(set, sub.ID)
		if len(set) == 0 {
			delete(h.subs, sub.SessionID)
		}
	}
	h.mu.Unlock()

	if ok {
		sub.close()
		h.metrics.SubscriberRemoved()
		h.logger.Debug("qr_unsubscribed", "session_id", sub.SessionID, "subscriber_id", sub.ID)
	}
}

// PublishPairingCode caches the code and then fans it out. It returns the
// number of subscribers that received the event.
func (h *Hub) PublishPairingCode(sessionID, code string) int {
	e := h.codes.Set(sessionID, code)
	n := h.broadcast(Event{Type: EventQR, SessionID: sessionID, QR: code, Timestamp: e.Timestamp})
	h.logger.Debug("pairing_code_broadcast", "session_id", sessionID, "subscribers", n)
	return n
}

func (h *Hub) PublishStatus(sessionID, connection string) int {
	e := h.statuses.Set(sessionID, connection)
	return h.broadcast(Event{Type: EventConnection, SessionID: sessionID, Connection: connection, Timestamp: e.Timestamp})
}

func (h *Hub) PublishError(sessionID, message string) int {
	return h.broadcast(Event{Type: EventError, SessionID: sessionID, Message: message, Timestamp: h.clock.Now()})
}

func (h *Hub) broadcast(ev Event) int {
	h.metrics.EventPublished(string(ev.Type))

	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.subs[ev.SessionID]
	if len(set) == 0 {
		return 0
	}
	delivered := 0
	for _, sub := range set {
		// Subscriptions are only closed under the write lock, so a send here
		// never races a close.
		select {
		case sub.ch <- ev:
			delivered++
		default:
			h.metrics.EventDropped()
			h.logger.Debug("qr_event_dropped", "session_id", ev.SessionID, "subscriber_id", sub.ID, "type", string(ev.Type))
		}
	}
	return delivered
}

func (h *Hub) LatestPairingCode(sessionID string) (Entry, bool) {
	return h.codes.Get(sessionID)
}

func (h *Hub) LatestStatus(sessionID string) (Entry, bool) {
	return h.statuses.Get(sessionID)
}

func (h *Hub) ClearPairingCode(sessionID string) {
	h.codes.Delete(sessionID)
}

// Sweep evicts expired cache entries.
func (h *Hub) Sweep() int {
	return h.codes.Sweep() + h.statuses.Sweep()
}

func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

type Stats struct {
	Sessions      int `json:"sessions"`
	Subscribers   int `json:"subscribers"`
	CachedPairing int `json:"cachedPairingCodes"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	st := Stats{Sessions: len(h.subs)}
	for _, set := range h.subs {
		st.Subscribers += len(set)
	}
	h.mu.RUnlock()
	st.CachedPairing = h.codes.Len()
	return st
}

// Close removes every subscription. Later publishes only update the cache.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]map[string]*Subscription)
	h.mu.Unlock()

	for _, set := range subs {
		for _, sub := range set {
			sub.close()
			h.metrics.SubscriberRemoved()
		}
	}
}
