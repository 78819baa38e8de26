package antirevoke

import (
	"sync"
	"time"
)

// cachedMessage holds what is needed to reconstruct a revoke notification.
// Fields are immutable once the entry is created.
type cachedMessage struct {
	Content    string
	SenderID   string
	SenderName string
	ChatID     string
	IsGroup    bool
	CreatedAt  time.Time
}

// messageCache is a time-bounded store of recently seen messages, keyed by
// the platform's post-relay message id.
//
// Expiry is enforced twice: get treats entries older than the retention
// window as misses (so a stale entry can never be correlated, even between
// sweeps), and a periodic sweep physically removes them to bound memory.
type messageCache struct {
	mu      sync.RWMutex
	entries map[string]cachedMessage
	ttl     time.Duration

	// now is swappable for tests.
	now func() time.Time
}

func newMessageCache(ttl time.Duration) *messageCache {
	return &messageCache{
		entries: map[string]cachedMessage{},
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *messageCache) setTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// put inserts or overwrites the entry for id (last-write-wins).
func (c *messageCache) put(id string, m cachedMessage) {
	if id == "" {
		return
	}
	m.CreatedAt = c.now()
	c.mu.Lock()
	c.entries[id] = m
	c.mu.Unlock()
}

// get is a pure lookup; it never mutates the cache. An entry past the
// retention window is reported as a miss even if the sweep has not removed
// it yet.
func (c *messageCache) get(id string) (cachedMessage, bool) {
	c.mu.RLock()
	m, ok := c.entries[id]
	ttl := c.ttl
	c.mu.RUnlock()
	if !ok {
		return cachedMessage{}, false
	}
	if ttl > 0 && c.now().Sub(m.CreatedAt) >= ttl {
		return cachedMessage{}, false
	}
	return m, true
}

// remove deletes the entry if present; absent ids are a no-op.
func (c *messageCache) remove(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// removeExpired drops all entries past the retention window and reports how
// many were removed.
func (c *messageCache) removeExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return 0
	}
	removed := 0
	for id, m := range c.entries {
		if now.Sub(m.CreatedAt) >= c.ttl {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

func (c *messageCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
