// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"sync/atomic"
	"time"

	"github.com/memgate/memgate/lib/ratelimit"
	"github.com/memgate/memgate/lib/session"
	"github.com/memgate/memgate/lib/upstream"
)

// counters are the gateway's lifetime request totals.
type counters struct {
	requests       atomic.Int64
	streams        atomic.Int64
	turns          atomic.Int64
	compressions   atomic.Int64
	invalid        atomic.Int64
	unknownModel   atomic.Int64
	rateLimited    atomic.Int64
	upstreamFailed atomic.Int64
	detached       atomic.Int64
	inputTokens    atomic.Int64
	outputTokens   atomic.Int64
}

// Stats is the /stats document.
type Stats struct {
	Uptime    float64         `json:"uptime_seconds"`
	Requests  RequestStats    `json:"requests"`
	Traffic   TrafficStats    `json:"traffic"`
	Tokens    TokenStats      `json:"tokens"`
	Upstream  UpstreamStats   `json:"upstream"`
	RateLimit ratelimit.Stats `json:"rate_limit"`
	Sessions  *session.Stats  `json:"sessions,omitempty"`
}

// RequestStats counts inbound requests by outcome.
type RequestStats struct {
	Total        int64 `json:"total"`
	Streamed     int64 `json:"streamed"`
	Turns        int64 `json:"turns"`
	Compressions int64 `json:"compressions"`
	Invalid      int64 `json:"invalid"`
	UnknownModel int64 `json:"unknown_model"`
	RateLimited  int64 `json:"rate_limited"`
	Failed       int64 `json:"upstream_failed"`
	// Detached counts turns whose client left before the reply was
	// written.
	Detached int64 `json:"detached"`
}

// TokenStats totals upstream token usage.
type TokenStats struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// UpstreamStats combines call counters with the health record.
type UpstreamStats struct {
	upstream.Counters
	Health upstream.Snapshot `json:"health"`
}

func (counters *counters) snapshot() (RequestStats, TokenStats) {
	return RequestStats{
			Total:        counters.requests.Load(),
			Streamed:     counters.streams.Load(),
			Turns:        counters.turns.Load(),
			Compressions: counters.compressions.Load(),
			Invalid:      counters.invalid.Load(),
			UnknownModel: counters.unknownModel.Load(),
			RateLimited:  counters.rateLimited.Load(),
			Failed:       counters.upstreamFailed.Load(),
			Detached:     counters.detached.Load(),
		}, TokenStats{
			Input:  counters.inputTokens.Load(),
			Output: counters.outputTokens.Load(),
		}
}

func uptime(started, now time.Time) float64 {
	return now.Sub(started).Seconds()
}
