package store

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TypingLimiter hands out a token bucket per (userId, scope) pair for
// typing indicator frames. Buckets idle for longer than ttl are evicted on
// the next sweep so abandoned conversations do not pin memory.
type TypingLimiter struct {
	mu      sync.Mutex
	buckets map[string]*typingBucket
	limit   rate.Limit
	burst   int
	ttl     time.Duration
}

type typingBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTypingLimiter creates a limiter allowing events per window with the
// given burst, evicting buckets unused for ttl.
func NewTypingLimiter(events int, window, ttl time.Duration) *TypingLimiter {
	return &TypingLimiter{
		buckets: make(map[string]*typingBucket),
		limit:   rate.Limit(float64(events) / window.Seconds()),
		burst:   events,
		ttl:     ttl,
	}
}

// Allow reports whether one typing frame from userId in scope may pass.
func (t *TypingLimiter) Allow(userID, scope string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	key := userID + "|" + scope
	b, ok := t.buckets[key]
	if !ok {
		b = &typingBucket{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}

// Sweep evicts buckets idle past the ttl and returns how many were
// removed.
func (t *TypingLimiter) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.ttl)
	removed := 0
	for key, b := range t.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(t.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (t *TypingLimiter) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}
