// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package session keeps bounded per-client conversation memory.
//
// A [Store] maps session keys (client fingerprints) to [Session]
// records. Entries expire after a period of inactivity, checked
// lazily on access and by a periodic [Store.Sweep]. The store never
// holds more than its configured capacity: creating a session when
// full first evicts the least recently active one.
//
// All mutation goes through [Store.Update], which serializes work on
// one key for as long as the caller's function runs, including the
// upstream call made inside it. A function that fails commits
// nothing. Distinct keys never wait on each other.
//
// A [Compressor] bounds what a session sends upstream. Once a session
// holds more than two turns, everything older than the last three
// complete turns is folded into a short extractive summary. Folding
// is idempotent: compressing an already compressed session changes
// nothing.
package session
