// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds memgate's CBOR encoding configuration.
//
// The client-facing API is JSON. CBOR is offered on the operational
// endpoints (/health and /stats) for monitoring agents that send
// "Accept: application/cbor". Snapshot types carry only `json` tags;
// fxamacker/cbor reads them as a fallback, so one tag set names the
// fields in both formats.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so
// equal snapshots encode to identical bytes.
package codec
