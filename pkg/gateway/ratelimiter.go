package gateway

import (
	"sync"
	"time"
)

// Limiter rejection reasons
const (
	ReasonTooManySessions = "too many running sessions"
	ReasonRateLimited     = "generate rate limit exceeded"
)

// SessionLimiter bounds how many sessions a client may start per minute and
// keep running at once, using a sliding one-minute window.
type SessionLimiter struct {
	mu         sync.Mutex
	perMinute  int
	maxRunning int
	starts     []time.Time
	running    int
	now        func() time.Time
}

// NewSessionLimiter creates a limiter. Non-positive limits disable the check.
func NewSessionLimiter(perMinute, maxRunning int) *SessionLimiter {
	return &SessionLimiter{
		perMinute:  perMinute,
		maxRunning: maxRunning,
		now:        time.Now,
	}
}

// Acquire records a session start if the limits allow it. The reason is set
// when it does not.
func (l *SessionLimiter) Acquire() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxRunning > 0 && l.running >= l.maxRunning {
		return false, ReasonTooManySessions
	}

	now := l.now()
	cutoff := now.Add(-time.Minute)
	kept := l.starts[:0]
	for _, t := range l.starts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.starts = kept

	if l.perMinute > 0 && len(l.starts) >= l.perMinute {
		return false, ReasonRateLimited
	}

	l.starts = append(l.starts, now)
	l.running++
	return true, ""
}

// Release marks a session as finished
func (l *SessionLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running > 0 {
		l.running--
	}
}

// Stats returns the starts in the current window and the running count
func (l *SessionLimiter) Stats() (starts, running int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-time.Minute)
	for _, t := range l.starts {
		if t.After(cutoff) {
			starts++
		}
	}
	return starts, l.running
}
