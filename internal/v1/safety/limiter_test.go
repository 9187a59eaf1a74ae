package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRollingLimiter_AllowsUnderLimit(t *testing.T) {
	l := NewRollingLimiter(10*time.Second, 5, 0.8, 3, 10)
	now := time.Now()

	for i := 0; i < 5; i++ {
		v := l.Check(now.Add(time.Duration(i) * time.Millisecond))
		assert.True(t, v.Allowed, "frame %d should be allowed", i)
	}
}

func TestRollingLimiter_RejectsOverLimit(t *testing.T) {
	l := NewRollingLimiter(10*time.Second, 3, 0.8, 3, 10)
	now := time.Now()

	for i := 0; i < 3; i++ {
		l.Check(now)
	}

	v := l.Check(now)
	assert.False(t, v.Allowed)
	assert.Greater(t, v.RetryAfter, time.Duration(0))
	assert.False(t, v.Close)
}

func TestRollingLimiter_WindowSlides(t *testing.T) {
	l := NewRollingLimiter(1*time.Second, 2, 0.9, 3, 10)
	now := time.Now()

	assert.True(t, l.Check(now).Allowed)
	assert.True(t, l.Check(now).Allowed)
	assert.False(t, l.Check(now).Allowed)

	// After the window rolls past the first events, capacity returns.
	later := now.Add(1100 * time.Millisecond)
	assert.True(t, l.Check(later).Allowed)
}

func TestRollingLimiter_WarnNearLimit(t *testing.T) {
	l := NewRollingLimiter(10*time.Second, 10, 0.8, 3, 10)
	now := time.Now()

	warned := false
	for i := 0; i < 10; i++ {
		v := l.Check(now.Add(time.Duration(i) * time.Millisecond))
		if v.Warn {
			warned = true
			assert.GreaterOrEqual(t, 10-v.Remaining, 8, "warning should fire at or past the threshold")
		}
	}
	assert.True(t, warned)
}

func TestRollingLimiter_WarnOncePerQuarterWindow(t *testing.T) {
	l := NewRollingLimiter(10*time.Second, 4, 0.5, 10, 20)
	now := time.Now()

	warns := 0
	for i := 0; i < 4; i++ {
		if l.Check(now.Add(time.Duration(i) * time.Millisecond)).Warn {
			warns++
		}
	}
	assert.Equal(t, 1, warns)
}

func TestRollingLimiter_ThrottleEscalation(t *testing.T) {
	l := NewRollingLimiter(10*time.Second, 1, 0.8, 3, 10)
	now := time.Now()

	l.Check(now) // fills the window

	// First two violations are plain rejections.
	assert.False(t, l.Check(now).Throttled)
	assert.False(t, l.Check(now).Throttled)

	// Third violation starts a penalty period.
	v := l.Check(now)
	assert.True(t, v.Throttled)
	assert.GreaterOrEqual(t, v.RetryAfter, time.Second)

	// Frames inside the penalty are rejected without touching the window.
	v = l.Check(now.Add(10 * time.Millisecond))
	assert.True(t, v.Throttled)
	assert.False(t, v.Allowed)
}

func TestRollingLimiter_CloseAfterRepeatedViolations(t *testing.T) {
	l := NewRollingLimiter(10*time.Second, 1, 0.8, 3, 5)
	now := time.Now()

	l.Check(now)

	var v Verdict
	for i := 0; i < 5; i++ {
		v = l.Check(now)
	}
	assert.True(t, v.Close)
	assert.Equal(t, 5, l.Violations())
}

func TestSendLimiter_FixedWindow(t *testing.T) {
	l := NewSendLimiter(5*time.Second, 60)
	now := time.Now()

	for i := 0; i < 60; i++ {
		ok, _ := l.Allow(now.Add(time.Duration(i) * time.Millisecond))
		assert.True(t, ok, "send %d should pass", i)
	}

	ok, retry := l.Allow(now.Add(100 * time.Millisecond))
	assert.False(t, ok, "61st send in the window must be rejected")
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, 5*time.Second)
}

func TestSendLimiter_ResetsOnWindowRollover(t *testing.T) {
	l := NewSendLimiter(5*time.Second, 2)
	now := time.Now()

	l.Allow(now)
	l.Allow(now)
	ok, _ := l.Allow(now)
	assert.False(t, ok)

	ok, _ = l.Allow(now.Add(5 * time.Second))
	assert.True(t, ok)
}

func TestSendLimiter_RetryAfterPointsAtWindowEnd(t *testing.T) {
	l := NewSendLimiter(5*time.Second, 1)
	start := time.Now()

	l.Allow(start)
	_, retry := l.Allow(start.Add(2 * time.Second))
	assert.InDelta(t, (3 * time.Second).Seconds(), retry.Seconds(), 0.01)
}
