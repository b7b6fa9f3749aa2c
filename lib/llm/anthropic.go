// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/memgate/memgate/lib/secret"
)

// DefaultAnthropicVersion is sent as the anthropic-version header
// when the configuration does not override it.
const DefaultAnthropicVersion = "2023-06-01"

// AnthropicConfig configures an [Anthropic] provider.
type AnthropicConfig struct {
	// HTTPClient performs the calls. Per-attempt timeouts come from
	// the caller's context, so the client needs no Timeout of its own.
	HTTPClient *http.Client

	// BaseURL is the API root including the version segment, e.g.
	// "https://api.anthropic.com/v1". The Messages endpoint is
	// BaseURL + "/messages".
	BaseURL string

	// APIKey is sent as x-api-key. Empty sends no key, for upstreams
	// behind a credential-injecting proxy.
	APIKey string

	// Credential, when set, takes precedence over APIKey. It is read
	// on every request, so the key is never held in a long-lived
	// heap string.
	Credential *secret.Buffer

	// Version is the anthropic-version header value.
	Version string
}

// Anthropic implements [Provider] for the Anthropic Messages API.
type Anthropic struct {
	httpClient *http.Client
	endpoint   string
	header     http.Header
	credential *secret.Buffer
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(config AnthropicConfig) *Anthropic {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	version := config.Version
	if version == "" {
		version = DefaultAnthropicVersion
	}

	header := make(http.Header)
	header.Set("anthropic-version", version)
	if config.APIKey != "" && config.Credential == nil {
		header.Set("x-api-key", config.APIKey)
	}

	return &Anthropic{
		httpClient: httpClient,
		endpoint:   strings.TrimRight(config.BaseURL, "/") + "/messages",
		header:     header,
		credential: config.Credential,
	}
}

// requestHeader returns the headers for one call.
func (provider *Anthropic) requestHeader() http.Header {
	if provider.credential == nil {
		return provider.header
	}
	header := provider.header.Clone()
	header.Set("x-api-key", provider.credential.String())
	return header
}

// Complete sends a non-streaming request and returns the full response.
func (provider *Anthropic) Complete(ctx context.Context, request Request) (*Response, error) {
	httpResponse, err := doProviderRequest(ctx, provider.httpClient, provider.endpoint,
		provider.requestHeader(), buildAnthropicRequest(request, false), "llm/anthropic", false)
	if err != nil {
		return nil, err
	}
	return decodeResponse[anthropicResponse](httpResponse, "llm/anthropic")
}

// Stream sends a streaming request and returns an [EventStream].
func (provider *Anthropic) Stream(ctx context.Context, request Request) (*EventStream, error) {
	httpResponse, err := doProviderRequest(ctx, provider.httpClient, provider.endpoint,
		provider.requestHeader(), buildAnthropicRequest(request, true), "llm/anthropic", true)
	if err != nil {
		return nil, err
	}
	return newAnthropicEventStream(httpResponse.Body), nil
}

func buildAnthropicRequest(request Request, stream bool) anthropicRequest {
	wire := anthropicRequest{
		Model:         request.Model,
		MaxTokens:     request.MaxTokens,
		System:        request.System,
		Stream:        stream,
		Temperature:   request.Temperature,
		TopP:          request.TopP,
		StopSequences: request.StopSequences,
		Messages:      make([]anthropicMessage, 0, len(request.Messages)),
	}
	// The Messages API rejects empty text blocks. Empty messages are
	// dropped and neighbours left with the same role are merged.
	for _, message := range request.Messages {
		if strings.TrimSpace(message.Content) == "" {
			continue
		}
		block := anthropicContentBlock{Type: "text", Text: message.Content}
		if last := len(wire.Messages) - 1; last >= 0 && wire.Messages[last].Role == string(message.Role) {
			wire.Messages[last].Content = append(wire.Messages[last].Content, block)
			continue
		}
		wire.Messages = append(wire.Messages, anthropicMessage{
			Role:    string(message.Role),
			Content: []anthropicContentBlock{block},
		})
	}
	return wire
}

// newAnthropicEventStream parses the Messages API event stream.
func newAnthropicEventStream(body io.ReadCloser) *EventStream {
	scanner := NewSSEScanner(body)

	// Blocks under construction, indexed as the upstream indexes them.
	var partials []*anthropicPartialBlock

	stream := NewEventStream(nil, body)
	stream.next = func() (StreamEvent, error) {
		for {
			if !scanner.Next() {
				if err := scanner.Err(); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/anthropic: reading SSE: %w", err)
				}
				return StreamEvent{}, io.EOF
			}
			event := scanner.Event()
			data := []byte(event.Data)

			switch event.Type {
			case "message_start":
				var envelope struct {
					Message struct {
						ID    string         `json:"id"`
						Model string         `json:"model"`
						Usage anthropicUsage `json:"usage"`
					} `json:"message"`
				}
				if err := json.Unmarshal(data, &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/anthropic: parsing message_start: %w", err)
				}
				stream.update(func(response *Response) {
					response.ID = envelope.Message.ID
					response.Model = envelope.Message.Model
					response.Usage = envelope.Message.Usage.toUsage()
				})

			case "content_block_start":
				var envelope struct {
					Index        int             `json:"index"`
					ContentBlock json.RawMessage `json:"content_block"`
				}
				if err := json.Unmarshal(data, &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/anthropic: parsing content_block_start: %w", err)
				}
				var block anthropicContentBlock
				if err := json.Unmarshal(envelope.ContentBlock, &block); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/anthropic: parsing content_block_start: %w", err)
				}
				for len(partials) <= envelope.Index {
					partials = append(partials, nil)
				}
				partial := &anthropicPartialBlock{blockType: block.Type, id: block.ID, name: block.Name, raw: envelope.ContentBlock}
				partial.text.WriteString(block.Text)
				partials[envelope.Index] = partial

			case "content_block_delta":
				var envelope struct {
					Index int `json:"index"`
					Delta struct {
						Type        string `json:"type"`
						Text        string `json:"text"`
						Thinking    string `json:"thinking"`
						PartialJSON string `json:"partial_json"`
					} `json:"delta"`
				}
				if err := json.Unmarshal(data, &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/anthropic: parsing content_block_delta: %w", err)
				}
				if envelope.Index >= len(partials) || partials[envelope.Index] == nil {
					continue
				}
				partial := partials[envelope.Index]
				switch envelope.Delta.Type {
				case "text_delta":
					partial.text.WriteString(envelope.Delta.Text)
					return StreamEvent{Type: EventTextDelta, Text: envelope.Delta.Text}, nil
				case "thinking_delta":
					partial.text.WriteString(envelope.Delta.Thinking)
				case "input_json_delta":
					partial.input.WriteString(envelope.Delta.PartialJSON)
				}

			case "content_block_stop":
				var envelope struct {
					Index int `json:"index"`
				}
				if err := json.Unmarshal(data, &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/anthropic: parsing content_block_stop: %w", err)
				}
				if envelope.Index < len(partials) && partials[envelope.Index] != nil {
					return StreamEvent{Type: EventContentBlockDone, ContentBlock: partials[envelope.Index].toContentBlock()}, nil
				}

			case "message_delta":
				var envelope struct {
					Delta struct {
						StopReason string `json:"stop_reason"`
					} `json:"delta"`
					Usage struct {
						OutputTokens int64 `json:"output_tokens"`
					} `json:"usage"`
				}
				if err := json.Unmarshal(data, &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/anthropic: parsing message_delta: %w", err)
				}
				stream.update(func(response *Response) {
					response.StopReason = StopReason(envelope.Delta.StopReason)
					// message_delta carries the cumulative output count.
					response.Usage.OutputTokens = envelope.Usage.OutputTokens
				})

			case "message_stop":
				return StreamEvent{Type: EventDone}, nil

			case "ping":
				return StreamEvent{Type: EventPing}, nil

			case "error":
				var envelope struct {
					Error struct {
						Type    string `json:"type"`
						Message string `json:"message"`
					} `json:"error"`
				}
				if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
					return StreamEvent{
						Type:  EventError,
						Error: fmt.Errorf("llm/anthropic: stream error: %s: %s", envelope.Error.Type, envelope.Error.Message),
					}, nil
				}
				return StreamEvent{Type: EventError, Error: fmt.Errorf("llm/anthropic: stream error: %s", event.Data)}, nil
			}
		}
	}
	return stream
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Stream        bool               `json:"stream,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type anthropicResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Content    []json.RawMessage `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
	Usage      anthropicUsage    `json:"usage"`
}

type anthropicUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

func (usage anthropicUsage) toUsage() Usage {
	return Usage{
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CacheReadTokens:  usage.CacheReadInputTokens,
		CacheWriteTokens: usage.CacheCreationInputTokens,
	}
}

func (wire *anthropicResponse) toResponse() *Response {
	response := &Response{
		ID:         wire.ID,
		Model:      wire.Model,
		StopReason: StopReason(wire.StopReason),
		Usage:      wire.Usage.toUsage(),
	}
	for _, raw := range wire.Content {
		response.Content = append(response.Content, fromAnthropicContentBlock(raw))
	}
	return response
}

// fromAnthropicContentBlock never fails: a block that does not parse
// becomes an unmodeled block holding its raw JSON.
func fromAnthropicContentBlock(raw json.RawMessage) ContentBlock {
	var wire anthropicContentBlock
	if err := json.Unmarshal(raw, &wire); err != nil {
		return OtherBlock("", "", raw)
	}
	switch wire.Type {
	case "text":
		return TextBlock(wire.Text)
	case "thinking":
		return ThinkingBlock(wire.Thinking)
	case "redacted_thinking":
		return ThinkingBlock("")
	case "tool_use":
		return ToolUseBlock(wire.ID, wire.Name, wire.Input)
	default:
		return OtherBlock(wire.Type, wire.Text, raw)
	}
}

// anthropicPartialBlock is a content block assembled from deltas.
type anthropicPartialBlock struct {
	blockType string
	id        string
	name      string
	text      strings.Builder
	input     strings.Builder
	raw       json.RawMessage
}

func (partial *anthropicPartialBlock) toContentBlock() ContentBlock {
	switch partial.blockType {
	case "text":
		return TextBlock(partial.text.String())
	case "thinking", "redacted_thinking":
		return ThinkingBlock(partial.text.String())
	case "tool_use":
		return ToolUseBlock(partial.id, partial.name, json.RawMessage(partial.input.String()))
	default:
		return OtherBlock(partial.blockType, partial.text.String(), partial.raw)
	}
}
