// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"testing"
	"time"
)

func TestRouteLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		want    string
	}{
		{"POST /v1/chat/completions", "/v1/chat/completions"},
		{"GET /health", "/health"},
		{"/", "other"},
		{"", "other"},
	}
	for _, test := range tests {
		if got := routeLabel(test.pattern); got != test.want {
			t.Errorf("routeLabel(%q) = %q, want %q", test.pattern, got, test.want)
		}
	}
}

func TestTrafficWindows(t *testing.T) {
	t.Parallel()

	collector := newTraffic()
	now := epoch
	collector.record(now, "GET /health", 200, 100*time.Millisecond)
	collector.record(now.Add(30*time.Minute), "POST /v1/chat/completions", 502, 300*time.Millisecond)

	stats := collector.snapshot(now.Add(30*time.Minute), 1800)
	if stats.LastHour != 2 || stats.Total != 2 {
		t.Errorf("total=%d last hour=%d, want 2 and 2", stats.Total, stats.LastHour)
	}
	if stats.AverageSeconds < 0.199 || stats.AverageSeconds > 0.201 {
		t.Errorf("AverageSeconds = %v, want 0.2", stats.AverageSeconds)
	}
	if stats.RequestsPerSecond != 2.0/1800 {
		t.Errorf("RequestsPerSecond = %v", stats.RequestsPerSecond)
	}

	// An hour after the first request only the second is recent.
	later := now.Add(time.Hour + time.Minute)
	if got := collector.snapshot(later, 3660).LastHour; got != 1 {
		t.Errorf("LastHour after an hour = %d, want 1", got)
	}

	// Hourly buckets older than a day are pruned when a new hour opens.
	collector.record(now.Add(25*time.Hour), "GET /health", 200, time.Millisecond)
	hourly := collector.snapshot(now.Add(25*time.Hour), 90000).Hourly
	if _, ok := hourly["2026-03-01-09"]; ok {
		t.Errorf("day-old bucket kept: %v", hourly)
	}
	if bucket := hourly["2026-03-02-10"]; bucket.Total != 1 || bucket.Success != 1 {
		t.Errorf("current bucket = %+v", bucket)
	}
	if got := collector.snapshot(now.Add(25*time.Hour), 90000).LastHour; got != 1 {
		t.Errorf("LastHour = %d, want only the newest request", got)
	}
}
