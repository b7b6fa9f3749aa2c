// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret keeps credentials, chiefly the upstream API key, out
// of swap, core dumps, and the Go heap.
//
// A [Buffer] is an anonymous mmap region locked with mlock and marked
// MADV_DONTDUMP. Close zeroes, unlocks and unmaps it. Callers that need
// the value as a string (an HTTP header, say) get a short-lived heap
// copy from [Buffer.String] at the point of use, never a long-lived
// one.
//
// Credentials come from a file or stdin through [ReadFromPath], or from
// bytes already in memory through [NewFromBytes], which zeroes its
// source.
package secret
