package gateway

import (
	"sync"
	"time"
)

// RateLimiter caps messages per sender with a fixed window that resets
// once the window elapses. Keyed by principal ID, so two tabs share one
// budget.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	senders map[string]*senderWindow
}

type senderWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter allowing limit messages per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		senders: make(map[string]*senderWindow),
	}
}

// Allow reports whether the sender may send another message now.
func (rl *RateLimiter) Allow(senderID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	w, exists := rl.senders[senderID]
	if !exists {
		rl.senders[senderID] = &senderWindow{count: 1, windowStart: now}
		return true
	}

	if now.Sub(w.windowStart) >= rl.window {
		w.count = 1
		w.windowStart = now
		return true
	}

	if w.count >= rl.limit {
		return false
	}

	w.count++
	return true
}

// Cleanup drops sender state idle for several windows. Called periodically
// by the gateway so disconnected senders do not accumulate forever.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for senderID, w := range rl.senders {
		if now.Sub(w.windowStart) > 5*rl.window {
			delete(rl.senders, senderID)
		}
	}
}
