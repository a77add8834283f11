// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The crypto machine makes several time-based decisions: group session
// rotation by age, key request expiry, and the age bound on buffered
// undecryptable events. All of them are evaluated lazily against the
// current time rather than with background timers, so the only
// operation a time source needs is Now. Production code injects
// Real(); tests inject Fake() and advance it explicitly.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source injected into every component that makes
// time-based decisions. Production code must not call time.Now
// directly; that makes expiry behavior untestable.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// Real returns a Clock backed by the system clock.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance or Set is called.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for tests.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set moves the clock to an absolute time. The clock is permitted to
// move backwards; expiry logic in the crypto machine must tolerate
// that (wall clocks jump on real systems too).
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}
