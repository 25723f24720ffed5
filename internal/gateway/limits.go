package gateway

import (
	"sync"
	"time"
)

const (
	maxFrameBytes   = 64 * 1024
	maxBodyChars    = 4096
	maxHistoryLimit = 200
	defaultHistory  = 50

	defaultSendQueue    = 256
	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute

	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second
)

// rateLimiter is a per-connection sliding window.
type rateLimiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &rateLimiter{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

func (r *rateLimiter) allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	kept := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	r.events = kept

	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}
