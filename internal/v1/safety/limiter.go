package safety

import (
	"sync"
	"time"
)

// Verdict is the limiter's answer for one inbound frame.
type Verdict struct {
	Allowed bool
	// Warn is set once per quarter-window when usage crosses the warning
	// threshold; the router turns it into a RATE_LIMIT_WARNING frame.
	Warn      bool
	Remaining int
	// Throttled means the socket is inside a penalty period; RetryAfter
	// says when to try again.
	Throttled  bool
	RetryAfter time.Duration
	// Close means the violation budget is spent and the socket must be
	// closed with a policy-violation code.
	Close bool
}

// RollingLimiter meters all non-noise inbound frames on one socket over a
// sliding window and escalates repeat offenders: warn near the limit,
// throttle after a few violations, close after many.
type RollingLimiter struct {
	mu sync.Mutex

	window         time.Duration
	max            int
	warnAt         int
	throttleAfter  int
	closeAfter     int
	minThrottle    time.Duration
	events         []time.Time
	violations     int
	lastWarn       time.Time
	throttledUntil time.Time
}

// NewRollingLimiter builds a limiter over window allowing max frames, with
// the warning threshold given as a fraction of max.
func NewRollingLimiter(window time.Duration, max int, warnFraction float64, throttleAfter, closeAfter int) *RollingLimiter {
	warnAt := int(float64(max) * warnFraction)
	if warnAt < 1 {
		warnAt = 1
	}
	return &RollingLimiter{
		window:        window,
		max:           max,
		warnAt:        warnAt,
		throttleAfter: throttleAfter,
		closeAfter:    closeAfter,
		minThrottle:   time.Second,
	}
}

// Check meters one frame at the given instant.
func (l *RollingLimiter) Check(now time.Time) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Before(l.throttledUntil) {
		l.violations++
		return Verdict{
			Throttled:  true,
			RetryAfter: l.throttledUntil.Sub(now),
			Close:      l.violations >= l.closeAfter,
		}
	}

	l.pruneLocked(now)

	if len(l.events) >= l.max {
		l.violations++
		retry := l.events[0].Add(l.window).Sub(now)
		if l.violations >= l.throttleAfter {
			penalty := retry
			if penalty < l.minThrottle {
				penalty = l.minThrottle
			}
			l.throttledUntil = now.Add(penalty)
			retry = penalty
		}
		return Verdict{
			Throttled:  l.violations >= l.throttleAfter,
			RetryAfter: retry,
			Close:      l.violations >= l.closeAfter,
		}
	}

	l.events = append(l.events, now)
	v := Verdict{Allowed: true, Remaining: l.max - len(l.events)}
	if len(l.events) >= l.warnAt && now.Sub(l.lastWarn) >= l.window/4 {
		l.lastWarn = now
		v.Warn = true
	}
	return v
}

// pruneLocked drops events older than the window. Caller holds mu.
func (l *RollingLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.events) && !l.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.events = append(l.events[:0], l.events[i:]...)
	}
}

// Violations returns the escalation counter.
func (l *RollingLimiter) Violations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.violations
}

// SendLimiter meters MESSAGE_SEND and ROOM_MESSAGE on a fixed window: the
// counter resets when the window rolls over, and a rejected send learns
// exactly when the current window ends.
type SendLimiter struct {
	mu          sync.Mutex
	window      time.Duration
	max         int
	windowStart time.Time
	count       int
}

// NewSendLimiter builds a fixed-window limiter of max sends per window.
func NewSendLimiter(window time.Duration, max int) *SendLimiter {
	return &SendLimiter{window: window, max: max}
}

// Allow meters one send. When rejected, retryAfter is the time until the
// window resets.
func (l *SendLimiter) Allow(now time.Time) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}
	if l.count >= l.max {
		return false, l.windowStart.Add(l.window).Sub(now)
	}
	l.count++
	return true, 0
}
