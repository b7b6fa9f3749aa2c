// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// hourlyRetention is how many hourly buckets /stats keeps.
	hourlyRetention = 24
	hourKeyLayout   = "2006-01-02-15"
)

// TrafficStats describes inbound HTTP traffic as the middleware saw it.
type TrafficStats struct {
	Total             int64                  `json:"total_requests"`
	RequestsPerSecond float64                `json:"requests_per_second"`
	LastHour          int64                  `json:"requests_last_hour"`
	AverageSeconds    float64                `json:"avg_response_time"`
	StatusCodes       map[string]int64       `json:"status_codes"`
	Paths             map[string]int64       `json:"path_stats"`
	Models            map[string]int64       `json:"models_used"`
	Hourly            map[string]HourlyStats `json:"hourly_stats"`
}

// HourlyStats counts the requests of one UTC hour. Status codes below
// 400 count as successes.
type HourlyStats struct {
	Total   int64 `json:"total_requests"`
	Success int64 `json:"success_requests"`
	Failed  int64 `json:"failed_requests"`
}

// traffic collects per-request metrics. Paths are keyed by the route
// pattern that served them, so the key space is bounded by the routes.
type traffic struct {
	mu       sync.Mutex
	total    int64
	duration time.Duration
	statuses map[int]int64
	paths    map[string]int64
	models   map[string]int64
	hourly   map[string]*HourlyStats
	// minutes is a ring of per-minute counts covering the last hour.
	minutes [60]minuteCount
}

type minuteCount struct {
	minute int64
	count  int64
}

func newTraffic() *traffic {
	return &traffic{
		statuses: make(map[int]int64),
		paths:    make(map[string]int64),
		models:   make(map[string]int64),
		hourly:   make(map[string]*HourlyStats),
	}
}

// routeLabel turns a ServeMux pattern into a path key. Requests no
// route claimed, and CORS preflights, share one key.
func routeLabel(pattern string) string {
	_, path, found := strings.Cut(pattern, " ")
	if !found {
		path = pattern
	}
	if path == "" || path == "/" {
		return "other"
	}
	return path
}

func (traffic *traffic) record(now time.Time, pattern string, status int, elapsed time.Duration) {
	traffic.mu.Lock()
	defer traffic.mu.Unlock()

	traffic.total++
	traffic.duration += elapsed
	traffic.statuses[status]++
	traffic.paths[routeLabel(pattern)]++

	minute := now.Unix() / 60
	slot := &traffic.minutes[minute%int64(len(traffic.minutes))]
	if slot.minute != minute {
		*slot = minuteCount{minute: minute}
	}
	slot.count++

	key := now.UTC().Format(hourKeyLayout)
	bucket, ok := traffic.hourly[key]
	if !ok {
		bucket = &HourlyStats{}
		traffic.hourly[key] = bucket
		traffic.pruneHoursLocked(now)
	}
	bucket.Total++
	if status < 400 {
		bucket.Success++
	} else {
		bucket.Failed++
	}
}

func (traffic *traffic) pruneHoursLocked(now time.Time) {
	cutoff := now.UTC().Add(-hourlyRetention * time.Hour).Format(hourKeyLayout)
	for key := range traffic.hourly {
		// The layout sorts lexically in time order.
		if key <= cutoff {
			delete(traffic.hourly, key)
		}
	}
}

// recordModel counts a completed turn against the inbound model name.
func (traffic *traffic) recordModel(model string) {
	traffic.mu.Lock()
	traffic.models[model]++
	traffic.mu.Unlock()
}

func (traffic *traffic) snapshot(now time.Time, uptime float64) TrafficStats {
	traffic.mu.Lock()
	defer traffic.mu.Unlock()

	stats := TrafficStats{
		Total:       traffic.total,
		StatusCodes: make(map[string]int64, len(traffic.statuses)),
		Paths:       maps.Clone(traffic.paths),
		Models:      maps.Clone(traffic.models),
		Hourly:      make(map[string]HourlyStats, len(traffic.hourly)),
	}
	if uptime > 0 {
		stats.RequestsPerSecond = float64(traffic.total) / uptime
	}
	if traffic.total > 0 {
		stats.AverageSeconds = traffic.duration.Seconds() / float64(traffic.total)
	}
	for status, count := range traffic.statuses {
		stats.StatusCodes[strconv.Itoa(status)] = count
	}
	for key, bucket := range traffic.hourly {
		stats.Hourly[key] = *bucket
	}
	current := now.Unix() / 60
	for _, slot := range traffic.minutes {
		if slot.count > 0 && current-slot.minute < int64(len(traffic.minutes)) {
			stats.LastHour += slot.count
		}
	}
	return stats
}
