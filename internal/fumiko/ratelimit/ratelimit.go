// Package ratelimit enforces the per-user command quota.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultLimit is the maximum number of commands admitted per user per
	// window when no explicit limit is configured.
	DefaultLimit = 30

	// DefaultWindow is the sliding window duration.
	DefaultWindow = time.Hour
)

// Limiter enforces a per-user sliding-window rate limit.
//
// Internally it holds the admission timestamps for each user within the
// current window and prunes stale entries on every Admit call.  This keeps
// memory bounded to O(limit) entries per active user.
//
// The caller supplies "now" explicitly so expiry behaviour is deterministic
// under test; the limiter never reads the system clock itself.
//
// Limiter is safe for concurrent use from multiple goroutines.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string][]time.Time // userID → admission timestamps in window
}

// New returns a Limiter that admits at most limit events per user within
// window.
//
// If limit ≤ 0 it defaults to DefaultLimit.
// If window ≤ 0 it defaults to one hour.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		windows: make(map[string][]time.Time),
	}
}

// Admit returns true when the user is permitted another command at time now
// and records the admission.  Returns false, without recording anything,
// when the user has exhausted their quota for the trailing window.
func (l *Limiter) Admit(userID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)

	// Prune timestamps that have fallen outside the window.
	existing := l.windows[userID]
	valid := existing[:0] // reuse backing array
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= l.limit {
		l.windows[userID] = valid
		return false
	}

	l.windows[userID] = append(valid, now)
	return true
}

// Remaining returns the number of commands the user can still issue within
// the window ending at now.  A return value of 0 means the next Admit call
// will return false.
func (l *Limiter) Remaining(userID string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	count := 0
	for _, t := range l.windows[userID] {
		if t.After(cutoff) {
			count++
		}
	}
	rem := l.limit - count
	if rem < 0 {
		return 0
	}
	return rem
}

// Window returns the configured window duration, used by the dispatcher to
// phrase the retry hint in rate-limit replies.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Limit returns the configured per-window capacity.
func (l *Limiter) Limit() int {
	return l.limit
}
