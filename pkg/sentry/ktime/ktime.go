// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ktime provides the clocks used by the reclamation subsystem.
package ktime

import (
	"fmt"
	"math"
	"time"

	"gvisor.dev/reclaim/pkg/sync"
)

// Time represents an instant in time with nanosecond precision.
//
// Time may represent time with respect to any clock and may not have any
// meaning in the real world.
type Time struct {
	ns int64
}

var (
	// MinTime is the lowest possible time that can be represented by Time.
	// It is used as the "never happened" sentinel, so that every real
	// instant compares after it.
	MinTime = Time{ns: math.MinInt64}

	// MaxTime is the highest possible time that can be represented by
	// Time.
	MaxTime = Time{ns: math.MaxInt64}

	// ZeroTime represents the zero time in an unspecified Clock's domain.
	ZeroTime = Time{ns: 0}
)

const (
	// MinDuration is the minimum duration representable by time.Duration.
	MinDuration = time.Duration(math.MinInt64)

	// MaxDuration is the maximum duration representable by time.Duration.
	MaxDuration = time.Duration(math.MaxInt64)
)

// FromNanoseconds returns a Time representing the point ns nanoseconds after
// an unspecified Clock's zero time.
func FromNanoseconds(ns int64) Time {
	return Time{ns}
}

// Nanoseconds returns nanoseconds elapsed since the zero time in t's Clock
// domain. If t represents walltime, this is nanoseconds since the Unix epoch.
func (t Time) Nanoseconds() int64 {
	return t.ns
}

// Add adds the duration of d to t.
func (t Time) Add(d time.Duration) Time {
	if t.ns > 0 && d.Nanoseconds() > math.MaxInt64-t.ns {
		return MaxTime
	}
	if t.ns < 0 && d.Nanoseconds() < math.MinInt64-t.ns {
		return MinTime
	}
	return Time{t.ns + d.Nanoseconds()}
}

// Equal reports whether the two times represent the same instant in time.
func (t Time) Equal(u Time) bool {
	return t.ns == u.ns
}

// Before reports whether the instant t is before the instant u.
func (t Time) Before(u Time) bool {
	return t.ns < u.ns
}

// After reports whether the instant t is after the instant u.
func (t Time) After(u Time) bool {
	return t.ns > u.ns
}

// Sub returns the duration of t - u, saturating at MinDuration and
// MaxDuration.
func (t Time) Sub(u Time) time.Duration {
	dur := time.Duration(t.ns-u.ns) * time.Nanosecond
	switch {
	case u.Add(dur).Equal(t):
		return dur
	case t.Before(u):
		return MinDuration
	default:
		return MaxDuration
	}
}

// IsMin returns whether t represents the lowest possible time instant.
func (t Time) IsMin() bool {
	return t == MinTime
}

// String returns the time represented in nanoseconds as a string.
func (t Time) String() string {
	switch t {
	case MinTime:
		return "never"
	case MaxTime:
		return "forever"
	}
	return fmt.Sprintf("%dns", t.Nanoseconds())
}

// A Clock is an abstract time source.
type Clock interface {
	// Now returns the current time according to the Clock. Successive calls
	// never go backwards.
	Now() Time
}

// MonotonicClock is a Clock backed by the Go runtime's monotonic clock,
// relative to the moment it was created.
type MonotonicClock struct {
	base time.Time
}

// NewMonotonicClock returns a MonotonicClock whose zero time is now.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{base: time.Now()}
}

// Now implements Clock.Now.
func (c *MonotonicClock) Now() Time {
	return Time{int64(time.Since(c.base))}
}

// ManualClock is a Clock that only advances when told to. It is used to make
// time-dependent behavior deterministic in tests.
type ManualClock struct {
	mu  sync.Mutex
	now Time
}

// NewManualClock returns a ManualClock starting at the zero time.
func NewManualClock() *ManualClock {
	return &ManualClock{}
}

// Now implements Clock.Now.
func (c *ManualClock) Now() Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (c *ManualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
