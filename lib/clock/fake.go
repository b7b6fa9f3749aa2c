// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. It is safe for concurrent
// use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	due      time.Time
	ch       chan time.Time
	interval time.Duration // zero for one-shot timers
	stopped  bool
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a one-shot timer that fires when the clock is
// advanced at least d past the current fake time.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.register(&fakeTimer{due: c.now.Add(d), ch: ch})
	return ch
}

// NewTicker registers a repeating timer.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := &fakeTimer{due: c.now.Add(d), ch: make(chan time.Time, 1), interval: d}
	c.register(timer)
	return &Ticker{
		C: timer.ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			timer.stopped = true
			c.changed.Broadcast()
		},
	}
}

// register adds a timer. Caller holds c.mu.
func (c *FakeClock) register(timer *fakeTimer) {
	c.pending = append(c.pending, timer)
	c.changed.Broadcast()
}

// Advance moves the clock forward by d and fires every timer that
// came due, earliest first. A ticker spanning several intervals fires
// once per interval; sends never block, so ticks beyond the channel
// buffer are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.now.Add(d)
	for {
		next := c.earliestDue(target)
		if next == nil {
			break
		}
		c.now = next.due
		select {
		case next.ch <- next.due:
		default:
		}
		if next.interval > 0 {
			next.due = next.due.Add(next.interval)
		} else {
			next.stopped = true
		}
	}
	c.now = target
	c.pending = slices.DeleteFunc(c.pending, func(timer *fakeTimer) bool { return timer.stopped })
	c.changed.Broadcast()
}

// earliestDue returns the live timer with the earliest deadline at or
// before target. Caller holds c.mu.
func (c *FakeClock) earliestDue(target time.Time) *fakeTimer {
	var best *fakeTimer
	for _, timer := range c.pending {
		if timer.stopped || timer.due.After(target) {
			continue
		}
		if best == nil || timer.due.Before(best.due) {
			best = timer
		}
	}
	return best
}

// WaitForTimers blocks until at least n live timers are registered.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.liveCount() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of live timers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveCount()
}

func (c *FakeClock) liveCount() int {
	count := 0
	for _, timer := range c.pending {
		if !timer.stopped {
			count++
		}
	}
	return count
}
