package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from clients rotating sender ids.
	maxTrackedKeys = 4096

	// limiterIdle is how long an unused key is remembered.
	limiterIdle = 2 * time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// WebhookRateLimiter is a per-key token bucket with a bounded key set.
// Safe for concurrent use. A zero rpm disables limiting.
type WebhookRateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

// NewWebhookRateLimiter allows rpm requests per minute per key with a burst of rpm.
func NewWebhookRateLimiter(rpm int) *WebhookRateLimiter {
	r := &WebhookRateLimiter{now: time.Now, entries: make(map[string]*limiterEntry)}
	if rpm > 0 {
		r.limit = rate.Every(time.Minute / time.Duration(rpm))
		r.burst = rpm
	}
	return r
}

// Allow reports whether key may proceed now.
func (r *WebhookRateLimiter) Allow(key string) bool {
	if r.burst == 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, ok := r.entries[key]
	if !ok {
		if len(r.entries) >= maxTrackedKeys {
			r.pruneLocked(now)
		}
		// Hard eviction if still at cap.
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
		e = &limiterEntry{lim: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

// Sweep forgets keys idle for longer than the limiter window.
func (r *WebhookRateLimiter) Sweep(now time.Time) {
	r.mu.Lock()
	r.pruneLocked(now)
	r.mu.Unlock()
}

func (r *WebhookRateLimiter) pruneLocked(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.lastSeen) >= limiterIdle {
			delete(r.entries, k)
		}
	}
}

// Len returns the number of tracked keys.
func (r *WebhookRateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
