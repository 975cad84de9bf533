// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"sync"
	"time"

	"github.com/hyuraku/flux/lib/clock"
)

// speedSmoothing is the EMA weight given to the newest rate sample.
// Higher values react faster to rate changes; lower values produce a
// steadier display number.
const speedSmoothing = 0.3

// SpeedTracker estimates transfer throughput as an exponential moving
// average of bytes-per-second samples. Feed it the cumulative byte
// count; it differentiates against the previous sample.
//
// SpeedTracker is safe for concurrent use.
type SpeedTracker struct {
	mu        sync.Mutex
	clock     clock.Clock
	lastTime  time.Time
	lastBytes uint64
	ema       float64
	primed    bool
}

// NewSpeedTracker returns a tracker with no samples.
func NewSpeedTracker(clk clock.Clock) *SpeedTracker {
	return &SpeedTracker{clock: clk}
}

// Update records the cumulative transferred byte count and returns the
// smoothed rate in bytes per second. A sample less than a millisecond
// after the last rate sample returns the current rate unchanged; its
// bytes are counted by the next rate sample.
func (s *SpeedTracker) Update(totalBytes uint64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if !s.primed {
		s.primed = true
		s.lastTime = now
		s.lastBytes = totalBytes
		return 0
	}

	elapsed := now.Sub(s.lastTime)
	if elapsed < time.Millisecond {
		return s.ema
	}

	sample := float64(totalBytes-s.lastBytes) / elapsed.Seconds()
	if s.ema == 0 {
		s.ema = sample
	} else {
		s.ema = speedSmoothing*sample + (1-speedSmoothing)*s.ema
	}
	s.lastTime = now
	s.lastBytes = totalBytes
	return s.ema
}

// Speed returns the current smoothed rate in bytes per second.
func (s *SpeedTracker) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ema
}
