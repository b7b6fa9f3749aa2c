// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit gates request admission per scope.
//
// Each scope (a client address, a session key, or one global key) has
// a sliding window holding the times of its admissions over the last
// minute and, optionally, a token bucket that caps short bursts inside
// the window. A rejected request learns how long to wait before
// admission can succeed.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/memgate/memgate/lib/clock"
)

// Config configures a [Limiter].
type Config struct {
	// Enabled turns limiting on. A disabled limiter admits everything.
	Enabled bool

	// RequestsPerMinute is the number of admissions per window.
	RequestsPerMinute int

	// Window is the span of the sliding window. Default one minute.
	Window time.Duration

	// BurstSize caps admissions within BurstWindow. Zero disables
	// burst control.
	BurstSize int

	// BurstWindow is the span BurstSize applies to. Default ten
	// seconds.
	BurstWindow time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool

	// RetryAfter is how long a rejected caller should wait. Zero when
	// allowed.
	RetryAfter time.Duration

	// Limit is the per-window limit; Remaining is what is left of it
	// after this check.
	Limit     int
	Remaining int

	// ResetAt is when the oldest admission in the window leaves it,
	// freeing a slot.
	ResetAt time.Time
}

// Stats summarizes limiter activity.
type Stats struct {
	Enabled           bool  `json:"enabled"`
	RequestsPerMinute int   `json:"requests_per_minute"`
	BurstSize         int   `json:"burst_size"`
	Scopes            int   `json:"scopes"`
	Admitted          int64 `json:"admitted"`
	Rejected          int64 `json:"rejected"`
}

// Limiter tracks one window per scope. One mutex guards all of them,
// which makes every check atomic; it is never held across I/O.
type Limiter struct {
	config Config

	mu       sync.Mutex
	windows  map[string]*window
	admitted int64
	rejected int64
}

// window is the RateWindow of one scope. admitted holds admission
// times oldest first, at most RequestsPerMinute of them.
type window struct {
	admitted []time.Time
	burst    *rate.Limiter
	lastSeen time.Time
}

// expire drops admissions that have slid out of the window.
func (current *window) expire(now time.Time, span time.Duration) {
	cutoff := now.Add(-span)
	drop := 0
	for drop < len(current.admitted) && !current.admitted[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		current.admitted = append(current.admitted[:0], current.admitted[drop:]...)
	}
}

// New returns a Limiter.
func New(config Config) *Limiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.BurstWindow <= 0 {
		config.BurstWindow = 10 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Limiter{config: config, windows: make(map[string]*window)}
}

// Admit checks and, when allowed, counts one request against scope.
func (limiter *Limiter) Admit(scope string) Decision {
	if !limiter.config.Enabled {
		return Decision{Allowed: true, Limit: -1, Remaining: -1}
	}

	now := limiter.config.Clock.Now()
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	current := limiter.windows[scope]
	if current == nil {
		current = &window{}
		if limiter.config.BurstSize > 0 {
			every := limiter.config.BurstWindow / time.Duration(limiter.config.BurstSize)
			current.burst = rate.NewLimiter(rate.Every(every), limiter.config.BurstSize)
		}
		limiter.windows[scope] = current
	}
	current.lastSeen = now
	current.expire(now, limiter.config.Window)

	decision := Decision{Limit: limiter.config.RequestsPerMinute}

	if len(current.admitted) >= limiter.config.RequestsPerMinute {
		decision.ResetAt = current.admitted[0].Add(limiter.config.Window)
		decision.RetryAfter = decision.ResetAt.Sub(now)
		return limiter.reject(scope, decision, "window")
	}
	if current.burst != nil {
		reservation := current.burst.ReserveN(now, 1)
		if delay := reservation.DelayFrom(now); delay > 0 {
			reservation.CancelAt(now)
			decision.RetryAfter = delay
			decision.Remaining = limiter.config.RequestsPerMinute - len(current.admitted)
			decision.ResetAt = now.Add(delay)
			return limiter.reject(scope, decision, "burst")
		}
	}

	current.admitted = append(current.admitted, now)
	limiter.admitted++
	decision.Allowed = true
	decision.Remaining = limiter.config.RequestsPerMinute - len(current.admitted)
	decision.ResetAt = current.admitted[0].Add(limiter.config.Window)
	return decision
}

// reject records a rejection. Caller holds limiter.mu.
func (limiter *Limiter) reject(scope string, decision Decision, reason string) Decision {
	limiter.rejected++
	limiter.config.Logger.Debug("request rate limited",
		"scope", scope,
		"reason", reason,
		"retry_after", decision.RetryAfter,
	)
	return decision
}

// Sweep forgets scopes idle long enough that both their window and
// their burst bucket have fully reset. It returns how many it dropped.
func (limiter *Limiter) Sweep() int {
	idle := max(limiter.config.Window, limiter.config.BurstWindow)
	now := limiter.config.Clock.Now()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	dropped := 0
	for scope, current := range limiter.windows {
		if now.Sub(current.lastSeen) >= idle {
			delete(limiter.windows, scope)
			dropped++
		}
	}
	return dropped
}

// Run sweeps every interval until ctx ends.
func (limiter *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := limiter.config.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep()
		}
	}
}

// Stats returns counters and the number of tracked scopes.
func (limiter *Limiter) Stats() Stats {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	return Stats{
		Enabled:           limiter.config.Enabled,
		RequestsPerMinute: limiter.config.RequestsPerMinute,
		BurstSize:         limiter.config.BurstSize,
		Scopes:            len(limiter.windows),
		Admitted:          limiter.admitted,
		Rejected:          limiter.rejected,
	}
}
