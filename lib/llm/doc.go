// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm holds the two chat wire formats memgate speaks and the
// translation between them.
//
// The inbound side is the OpenAI Chat Completions format. Clients post
// a [ChatRequest] (or a legacy [TextRequest]), and memgate answers
// with a [ChatCompletion], a [TextCompletion], or a stream of
// [ChatCompletionChunk] values. [ToRequest] converts an inbound
// request to the common [Request]; [NewChatCompletion] converts the
// common [Response] back.
//
// The upstream side is the Anthropic Messages API, reached through
// the [Provider] interface implemented by [Anthropic]. Provider
// responses carry content as a closed set of [ContentBlock] variants.
// [Flatten] reduces any mix of them to the single text string the
// inbound format wants.
//
// [Mapper] resolves the model names clients send to upstream model
// identifiers. Resolution is exact and case-sensitive.
//
// Streaming in both directions uses Server-Sent Events: [SSEScanner]
// parses the upstream stream and [SSEWriter] produces the client one.
package llm
