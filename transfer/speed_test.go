// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"testing"
	"time"

	"github.com/hyuraku/flux/lib/clock"
)

func TestSpeedTrackerFirstSampleIsZero(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	tracker := NewSpeedTracker(fake)

	if rate := tracker.Update(4096); rate != 0 {
		t.Errorf("first Update = %f, want 0", rate)
	}
	if rate := tracker.Speed(); rate != 0 {
		t.Errorf("Speed after priming = %f, want 0", rate)
	}
}

func TestSpeedTrackerSteadyRate(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	tracker := NewSpeedTracker(fake)

	tracker.Update(0)
	var total uint64
	for i := 0; i < 5; i++ {
		fake.Advance(time.Second)
		total += 1000
		rate := tracker.Update(total)
		if diff := rate - 1000; diff > 1e-6 || diff < -1e-6 {
			t.Fatalf("sample %d: rate = %f, want 1000", i, rate)
		}
	}
}

func TestSpeedTrackerSmoothsRateChanges(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	tracker := NewSpeedTracker(fake)

	tracker.Update(0)
	fake.Advance(time.Second)
	tracker.Update(1000)

	// One sample at 2000 B/s against an EMA of 1000.
	fake.Advance(time.Second)
	rate := tracker.Update(3000)
	want := speedSmoothing*2000 + (1-speedSmoothing)*1000
	if rate != want {
		t.Errorf("smoothed rate = %f, want %f", rate, want)
	}
}

func TestSpeedTrackerIgnoresSubMillisecondSamples(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	tracker := NewSpeedTracker(fake)

	tracker.Update(0)
	fake.Advance(time.Second)
	tracker.Update(1000)

	fake.Advance(100 * time.Microsecond)
	if rate := tracker.Update(999_999); rate != 1000 {
		t.Errorf("sub-millisecond sample changed rate to %f, want 1000", rate)
	}

	// The skipped bytes count once enough time has passed.
	fake.Advance(time.Second)
	rate := tracker.Update(1_000_999)
	sample := float64(1_000_999-1000) / (float64(time.Second+100*time.Microsecond) / float64(time.Second))
	want := speedSmoothing*sample + (1-speedSmoothing)*1000
	if diff := rate - want; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("rate after catch-up = %f, want %f", rate, want)
	}
}
