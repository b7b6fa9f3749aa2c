// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

// Memgate is a stateful chat gateway. It accepts OpenAI-format chat
// and completion requests, keeps per-client conversation memory with
// summarization of older turns, and forwards each turn to the
// Anthropic Messages API.
//
// Configuration comes from a YAML or JSONC file (--config, or the
// MEMGATE_CONFIG environment variable) over built-in defaults. HOST,
// PORT and CLAUDE_API_KEY override the file.
package main
