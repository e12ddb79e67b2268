package integration

import (
	"sync"
	"time"
)

// DedupCache remembers when a keyed notification was last triggered. It lives
// for the process only.
type DedupCache struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewDedupCache() *DedupCache {
	return &DedupCache{last: map[string]time.Time{}}
}

// Reserve records now for key and returns true unless key was already
// recorded less than window ago. Concurrent callers for the same key see
// exactly one true within a window.
func (c *DedupCache) Reserve(key string, now time.Time, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.last[key]; ok && now.Sub(t) < window {
		return false
	}
	c.last[key] = now
	return true
}

// Seen reports whether key was recorded less than window ago.
func (c *DedupCache) Seen(key string, now time.Time, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.last[key]
	return ok && now.Sub(t) < window
}

// Forget drops key, undoing a Reserve whose notification was never sent.
func (c *DedupCache) Forget(key string) {
	c.mu.Lock()
	delete(c.last, key)
	c.mu.Unlock()
}

// Evict removes entries recorded before cutoff and returns how many went.
func (c *DedupCache) Evict(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, t := range c.last {
		if t.Before(cutoff) {
			delete(c.last, k)
			n++
		}
	}
	return n
}

func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}
