package qrhub

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Entry is a cached payload for one session.
type Entry struct {
	SessionID string    `json:"sessionId"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// ttlCache keeps the newest payload per session. Entries older than ttl are
// treated as absent and evicted on read or by Sweep.
type ttlCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	clock clockwork.Clock
	items map[string]Entry
}

func newTTLCache(ttl time.Duration, clock clockwork.Clock) *ttlCache {
	return &ttlCache{ttl: ttl, clock: clock, items: make(map[string]Entry)}
}

func (c *ttlCache) Set(sessionID, payload string) Entry {
	e := Entry{SessionID: sessionID, Payload: payload, Timestamp: c.clock.Now()}
	c.mu.Lock()
	c.items[sessionID] = e
	c.mu.Unlock()
	return e
}

func (c *ttlCache) Get(sessionID string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.items[sessionID]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if !c.expired(e) {
		return e, true
	}
	c.mu.Lock()
	if cur, ok := c.items[sessionID]; ok && c.expired(cur) {
		delete(c.items, sessionID)
	}
	c.mu.Unlock()
	return Entry{}, false
}

func (c *ttlCache) Delete(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[sessionID]
	delete(c.items, sessionID)
	return ok
}

// Sweep drops every expired entry and returns how many were removed.
func (c *ttlCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.items {
		if c.expired(e) {
			delete(c.items, id)
			n++
		}
	}
	return n
}

func (c *ttlCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *ttlCache) expired(e Entry) bool {
	return c.clock.Since(e.Timestamp) >= c.ttl
}
