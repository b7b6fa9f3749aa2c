// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is memgate's orchestrator and HTTP surface.
//
// A [Gateway] runs each chat turn through the same pipeline: rate-limit
// admission, request validation, model resolution, then, under the
// session's lock, merging the new user message into memory,
// compressing, translating to the upstream format, calling the
// upstream with retry, and committing the reply. Only a successful
// turn changes the session.
//
// Sessions are keyed by a client fingerprint derived from the caller's
// address and one request header (see [Fingerprinter]). Clients send
// just their new message; the gateway supplies the remembered context.
//
// [NewHandler] exposes the pipeline as an OpenAI-compatible HTTP API,
// and [Server] runs it with compression on TCP and an optional Unix
// socket. Configuration comes from a YAML or JSONC file through
// [LoadConfig].
package gateway
