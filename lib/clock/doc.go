// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the time source used by every stateful memgate
// component: session expiry, rate-limit windows, retry backoff, and the
// background sweepers.
//
// Production code takes a Clock and is handed Real(). Tests hand in a
// FakeClock, which stands still until Advance is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	store := session.NewStore(session.Config{Clock: c, ...})
//	c.Advance(31 * time.Minute) // every session is now past its TTL
//
// Goroutines that wait on After or a Ticker register a pending timer.
// WaitForTimers blocks until a given number are registered, so a test
// can advance the clock without racing the goroutine it is driving.
package clock
