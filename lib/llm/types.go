// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of a conversation sent upstream. Upstream
// messages carry plain text only; system text travels in
// [Request.System], never as a message.
type Message struct {
	Role    Role
	Content string
}

// UserMessage returns a user message with the given text.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage returns an assistant message with the given text.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// Request is the provider-neutral form of a chat call.
type Request struct {
	// Model is the upstream model identifier, already resolved by
	// the [Mapper].
	Model string

	// System is the system prompt. Empty means none.
	System string

	Messages []Message

	MaxTokens     int
	Temperature   *float64
	TopP          *float64
	StopSequences []string
}

// StopReason is why the upstream stopped generating, in the
// upstream's own vocabulary.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonRefusal      StopReason = "refusal"
)

// Usage is token accounting for one call.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Response is a completed upstream call.
type Response struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
}

// Text returns the flattened text of the response content.
func (response *Response) Text() string {
	return Flatten(response.Content)
}

// ContentType discriminates [ContentBlock] variants.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentThinking ContentType = "thinking"
	ContentToolUse  ContentType = "tool_use"
	// ContentOther holds any block type this package does not model.
	// The original type name and raw JSON are kept.
	ContentOther ContentType = "other"
)

// ContentBlock is one segment of upstream output. Exactly one of the
// payload fields is meaningful, selected by Type.
type ContentBlock struct {
	Type ContentType

	// Text is the payload of text and thinking blocks, and any text
	// an unmodeled block carried.
	Text string

	// ToolUse is set for ContentToolUse.
	ToolUse *ToolUse

	// Kind is the wire type name of a ContentOther block.
	Kind string

	// Raw is the wire JSON of a ContentOther block.
	Raw json.RawMessage
}

// ToolUse is a tool invocation requested by the upstream model.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// ThinkingBlock returns a reasoning block.
func ThinkingBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentThinking, Text: text}
}

// ToolUseBlock returns a tool-use block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: ContentToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

// OtherBlock returns a block for an unmodeled wire type.
func OtherBlock(kind, text string, raw json.RawMessage) ContentBlock {
	return ContentBlock{Type: ContentOther, Kind: kind, Text: text, Raw: raw}
}

// Flatten reduces content blocks to a single string. It is total:
// every variant maps to some text or to nothing.
//
//   - text blocks contribute their text verbatim
//   - thinking blocks are dropped
//   - tool use renders as "[tool_use name] {input}"
//   - unmodeled blocks contribute their text, if any
//
// Adjacent text blocks are concatenated without a separator, matching
// how the upstream splits one answer into several blocks. Tool-use
// renderings are set off on their own line.
func Flatten(blocks []ContentBlock) string {
	var builder strings.Builder
	for _, block := range blocks {
		switch block.Type {
		case ContentText:
			builder.WriteString(block.Text)
		case ContentThinking:
		case ContentToolUse:
			if block.ToolUse == nil {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteByte('\n')
			}
			input := strings.TrimSpace(string(block.ToolUse.Input))
			if input == "" {
				input = "{}"
			}
			fmt.Fprintf(&builder, "[tool_use %s] %s", block.ToolUse.Name, input)
		default:
			builder.WriteString(block.Text)
		}
	}
	return builder.String()
}

// EventType discriminates [StreamEvent] values.
type EventType int

const (
	// EventTextDelta carries an incremental piece of answer text.
	EventTextDelta EventType = iota

	// EventContentBlockDone carries a finished content block.
	EventContentBlockDone

	// EventPing is a keepalive.
	EventPing

	// EventError reports an error the upstream sent inside the stream.
	EventError

	// EventDone marks the end of the message. StopReason and Usage on
	// the accumulated response are final once it is seen.
	EventDone
)

// StreamEvent is one parsed upstream streaming event.
type StreamEvent struct {
	Type         EventType
	Text         string
	ContentBlock ContentBlock
	Error        error
}
