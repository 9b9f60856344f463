package channel

import (
	"sync"
	"time"
)

const dedupGCInterval = time.Minute

// msgCache remembers message ids for ttl so redelivered messages are dropped.
type msgCache struct {
	mu     sync.Mutex
	items  map[string]time.Time
	ttl    time.Duration
	lastGC time.Time
	now    func() time.Time
}

func newMsgCache(ttl time.Duration) *msgCache {
	return &msgCache{
		items: make(map[string]time.Time),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Seen records key and reports whether it was already recorded within ttl.
// A zero ttl disables the cache.
func (c *msgCache) Seen(key string) bool {
	if key == "" || c.ttl <= 0 {
		return false
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if exp, ok := c.items[key]; ok {
		if now.Before(exp) {
			return true
		}
		delete(c.items, key)
	}

	c.items[key] = now.Add(c.ttl)
	c.gcLocked(now)
	return false
}

func (c *msgCache) gcLocked(now time.Time) {
	if c.lastGC.IsZero() || now.Sub(c.lastGC) >= dedupGCInterval {
		for key, exp := range c.items {
			if now.After(exp) {
				delete(c.items, key)
			}
		}
		c.lastGC = now
	}
}

func (c *msgCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
