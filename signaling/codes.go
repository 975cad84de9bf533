// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"sync"
	"time"

	"github.com/hyuraku/flux/lib/clock"
)

// ErrCapacityExhausted is returned by GenerateUnused when the registry
// cannot find a free code after retrying and sweeping.
var ErrCapacityExhausted = errors.New("signaling: code space exhausted")

// codePattern is the shape every rendezvous code must have.
var codePattern = regexp.MustCompile(`^\d{6}$`)

// generateRetries bounds the random draws before and after the
// expired-code sweep in GenerateUnused.
const generateRetries = 100

// Registry tracks active rendezvous codes and which receiver registered
// each one. A code is active from Register until its TTL elapses or it
// is explicitly expired; Validate evicts expired codes as it encounters
// them, and Sweep evicts them in bulk.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	clock clock.Clock
	ttl   time.Duration
	codes map[string]codeEntry
}

type codeEntry struct {
	receiverPeerID string
	createdAt      time.Time
}

// NewRegistry returns an empty registry whose codes live for ttl.
func NewRegistry(clk clock.Clock, ttl time.Duration) *Registry {
	return &Registry{
		clock: clk,
		ttl:   ttl,
		codes: make(map[string]codeEntry),
	}
}

// Register makes code active for the registry's TTL, recording the
// receiver peer that owns it. Re-registering an active code replaces
// its owner and restarts its TTL. Malformed codes are rejected.
func (r *Registry) Register(code, receiverPeerID string) error {
	if !codePattern.MatchString(code) {
		return fmt.Errorf("signaling: malformed code %q", code)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[code] = codeEntry{
		receiverPeerID: receiverPeerID,
		createdAt:      r.clock.Now(),
	}
	return nil
}

// Validate reports whether code is active. Expired codes are evicted on
// the way out, so a code that just missed its TTL fails validation and
// frees its slot in the same call.
func (r *Registry) Validate(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.codes[code]
	if !ok {
		return false
	}
	if r.expiredLocked(entry) {
		delete(r.codes, code)
		return false
	}
	return true
}

// ReceiverOf returns the peer ID that registered code, if the code is
// still active.
func (r *Registry) ReceiverOf(code string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.codes[code]
	if !ok || r.expiredLocked(entry) {
		return "", false
	}
	return entry.receiverPeerID, true
}

// Expire removes code immediately regardless of its TTL. Expiring an
// unknown code is a no-op.
func (r *Registry) Expire(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.codes, code)
}

// GenerateUnused draws random 6-digit codes until it finds one that is
// not active. After generateRetries collisions it sweeps expired codes
// once and retries; if the space is still saturated it reports
// ErrCapacityExhausted.
func (r *Registry) GenerateUnused() (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		for i := 0; i < generateRetries; i++ {
			code, err := randomCode()
			if err != nil {
				return "", err
			}
			if !r.active(code) {
				return code, nil
			}
		}
		r.Sweep()
	}
	return "", ErrCapacityExhausted
}

// Sweep evicts every expired code and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for code, entry := range r.codes {
		if r.expiredLocked(entry) {
			delete(r.codes, code)
			removed++
		}
	}
	return removed
}

// Len returns the number of codes currently held, expired or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.codes)
}

func (r *Registry) active(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.codes[code]
	return ok && !r.expiredLocked(entry)
}

func (r *Registry) expiredLocked(entry codeEntry) bool {
	return r.clock.Now().Sub(entry.createdAt) > r.ttl
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("signaling: drawing random code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
