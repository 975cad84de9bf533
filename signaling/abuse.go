// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"sync"
	"time"

	"github.com/hyuraku/flux/lib/clock"
)

// Limiter throttles join attempts per client key and locks out keys
// that keep presenting invalid codes.
//
// Rate limiting uses a fixed window: the first attempt opens a window,
// subsequent attempts count against it until the window elapses, and
// the next attempt after that opens a fresh window with a fresh count.
// Lockout is consecutive-failure based: Threshold failed validations in
// a row lock the key for LockoutFor; any success clears the run and
// the lockout.
//
// Limiter is safe for concurrent use.
type Limiter struct {
	mu    sync.Mutex
	clock clock.Clock

	// Window and Limit bound attempts per key: at most Limit attempts
	// per fixed Window.
	window time.Duration
	limit  int

	// threshold consecutive failures lock a key for lockoutFor.
	threshold  int
	lockoutFor time.Duration

	entries map[string]*abuseEntry
}

type abuseEntry struct {
	windowStart time.Time
	attempts    int

	failures    int
	lockedUntil time.Time
}

// NewLimiter returns a limiter allowing limit attempts per window and
// locking keys out for lockoutFor after threshold consecutive failures.
func NewLimiter(clk clock.Clock, window time.Duration, limit, threshold int, lockoutFor time.Duration) *Limiter {
	return &Limiter{
		clock:      clk,
		window:     window,
		limit:      limit,
		threshold:  threshold,
		lockoutFor: lockoutFor,
		entries:    make(map[string]*abuseEntry),
	}
}

// CheckRate reports whether key may attempt a join right now. It does
// not consume an attempt; call RecordAttempt once the attempt proceeds.
func (l *Limiter) CheckRate(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		return true
	}
	if l.clock.Now().Sub(entry.windowStart) >= l.window {
		return true
	}
	return entry.attempts < l.limit
}

// RecordAttempt counts one join attempt against key's current window,
// opening a new window if the previous one has elapsed.
func (l *Limiter) RecordAttempt(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	entry := l.entry(key)
	if entry.attempts == 0 || now.Sub(entry.windowStart) >= l.window {
		entry.windowStart = now
		entry.attempts = 0
	}
	entry.attempts++
}

// RecordFailure counts one failed code validation against key. Reaching
// the consecutive-failure threshold locks the key out.
func (l *Limiter) RecordFailure(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.entry(key)
	entry.failures++
	if entry.failures >= l.threshold {
		entry.lockedUntil = l.clock.Now().Add(l.lockoutFor)
		entry.failures = 0
	}
}

// RecordSuccess clears key's lockout record: the consecutive-failure
// run and any active lockout.
func (l *Limiter) RecordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.entries[key]; ok {
		entry.failures = 0
		entry.lockedUntil = time.Time{}
	}
}

// IsLocked reports whether key is currently locked out.
func (l *Limiter) IsLocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		return false
	}
	return l.clock.Now().Before(entry.lockedUntil)
}

// Sweep drops entries that carry no live state: window elapsed, no
// failure run, and no active lockout. Returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for key, entry := range l.entries {
		idle := now.Sub(entry.windowStart) >= l.window &&
			entry.failures == 0 &&
			!now.Before(entry.lockedUntil)
		if idle {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

func (l *Limiter) entry(key string) *abuseEntry {
	entry, ok := l.entries[key]
	if !ok {
		entry = &abuseEntry{}
		l.entries[key] = entry
	}
	return entry
}
