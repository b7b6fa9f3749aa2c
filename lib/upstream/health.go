// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"sync"
	"time"

	"github.com/memgate/memgate/lib/clock"
)

// Status is the coarse health reported on /health.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

// DefaultDegradedAfter is the consecutive-failure count at which
// [Health.Report] turns degraded when no threshold is configured.
const DefaultDegradedAfter = 3

// Health records the outcome of every upstream attempt. It is shared
// by all requests and safe for concurrent use.
type Health struct {
	clock clock.Clock

	mu       sync.Mutex
	snapshot Snapshot
}

// Snapshot is a copy of the health record.
type Snapshot struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastLatencyMillis   int64      `json:"last_latency_ms"`
	Attempts            int64      `json:"attempts"`
	Failures            int64      `json:"failures"`
}

// NewHealth returns an empty record. A nil clock uses the real one.
func NewHealth(clk clock.Clock) *Health {
	if clk == nil {
		clk = clock.Real()
	}
	return &Health{clock: clk}
}

// RecordSuccess notes a successful attempt and resets the consecutive
// failure count.
func (health *Health) RecordSuccess(latency time.Duration) {
	now := health.clock.Now()
	health.mu.Lock()
	defer health.mu.Unlock()
	health.snapshot.Attempts++
	health.snapshot.ConsecutiveFailures = 0
	health.snapshot.LastSuccess = &now
	health.snapshot.LastLatencyMillis = latency.Milliseconds()
}

// RecordFailure notes a failed attempt.
func (health *Health) RecordFailure(err error) {
	now := health.clock.Now()
	health.mu.Lock()
	defer health.mu.Unlock()
	health.snapshot.Attempts++
	health.snapshot.Failures++
	health.snapshot.ConsecutiveFailures++
	health.snapshot.LastFailure = &now
	if err != nil {
		health.snapshot.LastError = err.Error()
	}
}

// Snapshot returns a copy of the record.
func (health *Health) Snapshot() Snapshot {
	health.mu.Lock()
	defer health.mu.Unlock()
	snapshot := health.snapshot
	if snapshot.LastSuccess != nil {
		success := *snapshot.LastSuccess
		snapshot.LastSuccess = &success
	}
	if snapshot.LastFailure != nil {
		failure := *snapshot.LastFailure
		snapshot.LastFailure = &failure
	}
	return snapshot
}

// Report is healthy while fewer than threshold attempts in a row have
// failed. A threshold below one uses [DefaultDegradedAfter].
func (health *Health) Report(threshold int) Status {
	if threshold < 1 {
		threshold = DefaultDegradedAfter
	}
	health.mu.Lock()
	defer health.mu.Unlock()
	if health.snapshot.ConsecutiveFailures >= threshold {
		return StatusDegraded
	}
	return StatusHealthy
}
