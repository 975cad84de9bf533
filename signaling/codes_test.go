// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"testing"
	"time"

	"github.com/hyuraku/flux/lib/clock"
)

func TestRegistryRegisterAndValidate(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	reg := NewRegistry(fake, 5*time.Minute)

	if err := reg.Register("123456", "peer-a"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !reg.Validate("123456") {
		t.Error("Validate rejected a freshly registered code")
	}
	if reg.Validate("654321") {
		t.Error("Validate accepted an unregistered code")
	}

	receiver, ok := reg.ReceiverOf("123456")
	if !ok || receiver != "peer-a" {
		t.Errorf("ReceiverOf = %q, %v; want peer-a, true", receiver, ok)
	}
}

func TestRegistryRejectsMalformedCodes(t *testing.T) {
	reg := NewRegistry(clock.Fake(time.Unix(0, 0)), 5*time.Minute)

	for _, code := range []string{"", "12345", "1234567", "12a456", "12 456"} {
		if err := reg.Register(code, "peer-a"); err == nil {
			t.Errorf("Register accepted malformed code %q", code)
		}
	}
}

func TestRegistryCodeExpiresAfterTTL(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	reg := NewRegistry(fake, 5*time.Minute)

	if err := reg.Register("123456", "peer-a"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Exactly at the TTL boundary the code is still valid.
	fake.Advance(5 * time.Minute)
	if !reg.Validate("123456") {
		t.Error("code rejected exactly at TTL")
	}

	fake.Advance(time.Nanosecond)
	if reg.Validate("123456") {
		t.Error("code accepted past TTL")
	}
	// Validation evicted it.
	if reg.Len() != 0 {
		t.Errorf("Len = %d after expired validation, want 0", reg.Len())
	}
	if _, ok := reg.ReceiverOf("123456"); ok {
		t.Error("ReceiverOf returned a receiver for an expired code")
	}
}

func TestRegistryExpireIsImmediate(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	reg := NewRegistry(fake, 5*time.Minute)

	if err := reg.Register("123456", "peer-a"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	reg.Expire("123456")
	if reg.Validate("123456") {
		t.Error("Validate accepted an explicitly expired code")
	}
	// Expiring again is harmless.
	reg.Expire("123456")
}

func TestRegistryReRegisterRestartsTTL(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	reg := NewRegistry(fake, 5*time.Minute)

	if err := reg.Register("123456", "peer-a"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	fake.Advance(4 * time.Minute)
	if err := reg.Register("123456", "peer-b"); err != nil {
		t.Fatalf("re-Register: %v", err)
	}

	fake.Advance(4 * time.Minute)
	if !reg.Validate("123456") {
		t.Error("re-registered code expired on the original schedule")
	}
	receiver, _ := reg.ReceiverOf("123456")
	if receiver != "peer-b" {
		t.Errorf("ReceiverOf = %q after re-register, want peer-b", receiver)
	}
}

func TestRegistryGenerateUnused(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	reg := NewRegistry(fake, 5*time.Minute)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := reg.GenerateUnused()
		if err != nil {
			t.Fatalf("GenerateUnused: %v", err)
		}
		if !codePattern.MatchString(code) {
			t.Fatalf("generated code %q is not six digits", code)
		}
		if seen[code] {
			t.Fatalf("generated duplicate active code %q", code)
		}
		seen[code] = true
		if err := reg.Register(code, "peer"); err != nil {
			t.Fatalf("Register(%q): %v", code, err)
		}
	}
}

func TestRegistrySweepEvictsExpired(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	reg := NewRegistry(fake, 5*time.Minute)

	for _, code := range []string{"111111", "222222"} {
		if err := reg.Register(code, "peer"); err != nil {
			t.Fatalf("Register(%q): %v", code, err)
		}
	}
	fake.Advance(3 * time.Minute)
	if err := reg.Register("333333", "peer"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	fake.Advance(3 * time.Minute)
	if removed := reg.Sweep(); removed != 2 {
		t.Errorf("Sweep removed %d, want 2", removed)
	}
	if !reg.Validate("333333") {
		t.Error("Sweep evicted a live code")
	}
}
