package requestauth

import (
	"sync"
	"time"
)

const replayPruneThreshold = 10000

// replayCache remembers kid|nonce pairs for ttl. Expired entries are
// dropped lazily once the cache grows past replayPruneThreshold.
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

func newReplayCache(ttl time.Duration) *replayCache {
	return &replayCache{ttl: ttl, entries: make(map[string]time.Time)}
}

// add records key and reports whether it was unseen within ttl.
func (c *replayCache) add(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seenAt, ok := c.entries[key]; ok && now.Sub(seenAt) < c.ttl {
		return false
	}
	if len(c.entries) >= replayPruneThreshold {
		c.prune(now)
	}
	c.entries[key] = now
	return true
}

func (c *replayCache) prune(now time.Time) {
	for key, seenAt := range c.entries {
		if now.Sub(seenAt) >= c.ttl {
			delete(c.entries, key)
		}
	}
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
