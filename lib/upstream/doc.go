// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package upstream wraps an [llm.Provider] with the gateway's failure
// policy: per-attempt timeouts, classification of failures into
// transient and permanent, bounded exponential backoff for the
// transient ones, and a shared [Health] record updated on every
// attempt.
//
// The retry loop is the [Retry] state machine, which holds no I/O and
// is driven by [Client]. Backoff waits go through a [clock.Clock] so
// tests can step through them deterministically.
package upstream
