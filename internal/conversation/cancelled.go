package conversation

import (
	"sync"
	"time"
)

// CancelledTasks is the cooperative cancellation set.
// Callers mark a task id and check it at append/finish checkpoints; nothing is interrupted.
type CancelledTasks struct {
	mu    sync.Mutex
	ids   map[string]time.Time
	ttl   time.Duration
	limit int
	now   func() time.Time
}

// NewCancelledTasks creates a set whose entries expire after ttl, holding at most limit ids.
func NewCancelledTasks(ttl time.Duration, limit int) *CancelledTasks {
	return &CancelledTasks{ids: make(map[string]time.Time), ttl: ttl, limit: limit, now: time.Now}
}

// Mark records id as cancelled.
func (c *CancelledTasks) Mark(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[id] = c.now()
	if c.limit > 0 && len(c.ids) > c.limit {
		c.evictOldestLocked(len(c.ids) - c.limit)
	}
}

// IsCancelled reports whether id was marked and has not expired.
func (c *CancelledTasks) IsCancelled(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.ids[id]
	if !ok {
		return false
	}
	if c.ttl > 0 && c.now().Sub(at) > c.ttl {
		delete(c.ids, id)
		return false
	}
	return true
}

// Forget removes id.
func (c *CancelledTasks) Forget(id string) {
	c.mu.Lock()
	delete(c.ids, id)
	c.mu.Unlock()
}

// Len returns the number of tracked ids.
func (c *CancelledTasks) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// Sweep evicts expired ids.
func (c *CancelledTasks) Sweep(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, at := range c.ids {
		if now.Sub(at) > c.ttl {
			delete(c.ids, id)
		}
	}
}

func (c *CancelledTasks) evictOldestLocked(n int) {
	for ; n > 0; n-- {
		var oldestID string
		var oldest time.Time
		for id, at := range c.ids {
			if oldestID == "" || at.Before(oldest) {
				oldestID, oldest = id, at
			}
		}
		delete(c.ids, oldestID)
	}
}
