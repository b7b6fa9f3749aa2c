// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestError is a malformed inbound request.
type RequestError struct {
	// Param names the offending field, when there is one.
	Param   string
	Message string
}

func (err *RequestError) Error() string {
	if err.Param != "" {
		return fmt.Sprintf("invalid request: %s: %s", err.Param, err.Message)
	}
	return "invalid request: " + err.Message
}

// ChatRequest is an inbound /v1/chat/completions body. Fields the
// gateway does not act on (n, logit_bias, tools, ...) are accepted and
// ignored.
type ChatRequest struct {
	Model               string        `json:"model"`
	Messages            []ChatMessage `json:"messages"`
	Temperature         *float64      `json:"temperature,omitempty"`
	TopP                *float64      `json:"top_p,omitempty"`
	MaxTokens           *int          `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int          `json:"max_completion_tokens,omitempty"`
	Stop                StopList      `json:"stop,omitempty"`
	Stream              bool          `json:"stream,omitempty"`
	User                string        `json:"user,omitempty"`
}

// ChatMessage is one inbound message.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
	Name    string         `json:"name,omitempty"`
}

// MessageContent is message text. On the wire it is either a string
// or an array of content parts; text parts are joined with newlines
// and other parts (images, audio) are dropped.
type MessageContent string

func (content *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*content = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*content = MessageContent(text)
		return nil
	case len(data) > 0 && data[0] == '[':
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		var texts []string
		for _, part := range parts {
			if part.Type == "text" || part.Type == "input_text" {
				texts = append(texts, part.Text)
			}
		}
		*content = MessageContent(strings.Join(texts, "\n"))
		return nil
	default:
		return errors.New("content must be a string or an array of content parts")
	}
}

// StopList is the "stop" parameter: a single string or an array.
type StopList []string

func (stop *StopList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*stop = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*stop = StopList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.New("stop must be a string or an array of strings")
	}
	*stop = list
	return nil
}

// DecodeChatRequest reads and validates a chat request body.
func DecodeChatRequest(body io.Reader) (*ChatRequest, error) {
	var request ChatRequest
	if err := json.NewDecoder(body).Decode(&request); err != nil {
		return nil, &RequestError{Message: "malformed JSON body: " + err.Error()}
	}
	if err := request.Validate(); err != nil {
		return nil, err
	}
	return &request, nil
}

// Validate checks the fields the translator depends on. It returns a
// *RequestError.
func (request *ChatRequest) Validate() error {
	if request.Model == "" {
		return &RequestError{Param: "model", Message: "is required"}
	}
	if len(request.Messages) == 0 {
		return &RequestError{Param: "messages", Message: "must contain at least one message"}
	}
	hasUser := false
	for index, message := range request.Messages {
		switch message.Role {
		case "system", "developer", "assistant":
		case "user":
			hasUser = true
		default:
			return &RequestError{
				Param:   fmt.Sprintf("messages[%d].role", index),
				Message: fmt.Sprintf("unsupported role %q", message.Role),
			}
		}
	}
	if !hasUser {
		return &RequestError{Param: "messages", Message: "must contain a user message"}
	}
	if limit := request.TokenLimit(); limit < 0 || (limit == 0 && (request.MaxTokens != nil || request.MaxCompletionTokens != nil)) {
		return &RequestError{Param: "max_tokens", Message: "must be positive"}
	}
	if request.Temperature != nil && (*request.Temperature < 0 || *request.Temperature > 2) {
		return &RequestError{Param: "temperature", Message: "must be between 0 and 2"}
	}
	if request.TopP != nil && (*request.TopP < 0 || *request.TopP > 1) {
		return &RequestError{Param: "top_p", Message: "must be between 0 and 1"}
	}
	return nil
}

// TokenLimit returns the requested completion limit, preferring
// max_completion_tokens over max_tokens. Zero means unset.
func (request *ChatRequest) TokenLimit() int {
	if request.MaxCompletionTokens != nil {
		return *request.MaxCompletionTokens
	}
	if request.MaxTokens != nil {
		return *request.MaxTokens
	}
	return 0
}

// SystemPrompt joins the text of every system (and developer) message
// in order, one per line.
func (request *ChatRequest) SystemPrompt() string {
	var parts []string
	for _, message := range request.Messages {
		if isSystemRole(message.Role) && message.Content != "" {
			parts = append(parts, string(message.Content))
		}
	}
	return strings.Join(parts, "\n")
}

// Conversation returns the non-system messages in order.
func (request *ChatRequest) Conversation() []Message {
	messages := make([]Message, 0, len(request.Messages))
	for _, message := range request.Messages {
		if isSystemRole(message.Role) {
			continue
		}
		messages = append(messages, Message{Role: Role(message.Role), Content: string(message.Content)})
	}
	return messages
}

func isSystemRole(role string) bool {
	return role == "system" || role == "developer"
}

// ToRequest converts an inbound chat request to the upstream form.
// System messages move to the system field. max_tokens falls back to
// defaultMaxTokens. Temperature is clamped to the upstream's 0..1
// range, since the inbound format allows up to 2.
func ToRequest(request *ChatRequest, upstreamModel string, defaultMaxTokens int) Request {
	upstream := Request{
		Model:     upstreamModel,
		System:    request.SystemPrompt(),
		Messages:  request.Conversation(),
		MaxTokens: request.TokenLimit(),
		TopP:      request.TopP,
	}
	if upstream.MaxTokens <= 0 {
		upstream.MaxTokens = defaultMaxTokens
	}
	if request.Temperature != nil {
		temperature := min(max(*request.Temperature, 0), 1)
		upstream.Temperature = &temperature
	}
	for _, sequence := range request.Stop {
		if strings.TrimSpace(sequence) != "" {
			upstream.StopSequences = append(upstream.StopSequences, sequence)
		}
	}
	return upstream
}

// TextRequest is an inbound legacy /v1/completions body.
type TextRequest struct {
	Model       string     `json:"model"`
	Prompt      PromptList `json:"prompt"`
	MaxTokens   *int       `json:"max_tokens,omitempty"`
	Temperature *float64   `json:"temperature,omitempty"`
	TopP        *float64   `json:"top_p,omitempty"`
	Stop        StopList   `json:"stop,omitempty"`
	Stream      bool       `json:"stream,omitempty"`
	User        string     `json:"user,omitempty"`
}

// PromptList is the "prompt" parameter: a string or an array of
// strings, which are joined with newlines.
type PromptList string

func (prompt *PromptList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return errors.New("prompt must be a string or an array of strings")
		}
		*prompt = PromptList(strings.Join(list, "\n"))
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return errors.New("prompt must be a string or an array of strings")
	}
	*prompt = PromptList(single)
	return nil
}

// DecodeTextRequest reads a legacy completions body.
func DecodeTextRequest(body io.Reader) (*TextRequest, error) {
	var request TextRequest
	if err := json.NewDecoder(body).Decode(&request); err != nil {
		return nil, &RequestError{Message: "malformed JSON body: " + err.Error()}
	}
	if request.Model == "" {
		return nil, &RequestError{Param: "model", Message: "is required"}
	}
	if strings.TrimSpace(string(request.Prompt)) == "" {
		return nil, &RequestError{Param: "prompt", Message: "is required"}
	}
	return &request, nil
}

// ChatRequest normalizes the prompt into a one-message chat request
// so both endpoints share the chat pipeline.
func (request *TextRequest) ChatRequest() *ChatRequest {
	return &ChatRequest{
		Model:       request.Model,
		Messages:    []ChatMessage{{Role: "user", Content: MessageContent(request.Prompt)}},
		Temperature: request.Temperature,
		TopP:        request.TopP,
		MaxTokens:   request.MaxTokens,
		Stop:        request.Stop,
		Stream:      request.Stream,
		User:        request.User,
	}
}

// FinishReason maps an upstream stop reason to the inbound vocabulary.
// Unrecognized and empty reasons map to "stop".
func FinishReason(reason StopReason) string {
	switch reason {
	case StopReasonEndTurn, StopReasonStopSequence:
		return "stop"
	case StopReasonMaxTokens:
		return "length"
	case StopReasonToolUse:
		return "tool_calls"
	case StopReasonRefusal:
		return "content_filter"
	default:
		return "stop"
	}
}

// CompletionUsage is the inbound-format usage object.
type CompletionUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// NewCompletionUsage maps upstream usage. Cached input counts as
// prompt tokens: the upstream reports it separately from input_tokens.
func NewCompletionUsage(usage Usage) CompletionUsage {
	prompt := usage.InputTokens + usage.CacheReadTokens + usage.CacheWriteTokens
	return CompletionUsage{
		PromptTokens:     prompt,
		CompletionTokens: usage.OutputTokens,
		TotalTokens:      prompt + usage.OutputTokens,
	}
}

// NewCompletionID returns a fresh identifier with the given prefix,
// e.g. "chatcmpl-3f1c...".
func NewCompletionID(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + hex[:29]
}

// ChatCompletion is the inbound-format response object.
type ChatCompletion struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Created int64           `json:"created"`
	Model   string          `json:"model"`
	Choices []ChatChoice    `json:"choices"`
	Usage   CompletionUsage `json:"usage"`
}

// ChatChoice is a single completion choice.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message inside a choice.
type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewChatCompletion builds the inbound response envelope for an
// upstream response. model is the name the client asked for.
func NewChatCompletion(response *Response, model string, created time.Time) *ChatCompletion {
	return &ChatCompletion{
		ID:      NewCompletionID("chatcmpl"),
		Object:  "chat.completion",
		Created: created.Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      ResponseMessage{Role: string(RoleAssistant), Content: response.Text()},
			FinishReason: FinishReason(response.StopReason),
		}},
		Usage: NewCompletionUsage(response.Usage),
	}
}

// TextCompletion is the legacy completions response object.
type TextCompletion struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []TextChoice     `json:"choices"`
	Usage   *CompletionUsage `json:"usage,omitempty"`
}

// TextChoice is one legacy completion choice.
type TextChoice struct {
	Text         string  `json:"text"`
	Index        int     `json:"index"`
	Logprobs     any     `json:"logprobs"`
	FinishReason *string `json:"finish_reason"`
}

// NewTextCompletion builds the legacy envelope for an upstream
// response.
func NewTextCompletion(response *Response, model string, created time.Time) *TextCompletion {
	finish := FinishReason(response.StopReason)
	usage := NewCompletionUsage(response.Usage)
	return &TextCompletion{
		ID:      NewCompletionID("cmpl"),
		Object:  "text_completion",
		Created: created.Unix(),
		Model:   model,
		Choices: []TextChoice{{Text: response.Text(), FinishReason: &finish}},
		Usage:   &usage,
	}
}

// ChatCompletionChunk is one event of a streamed chat completion.
type ChatCompletionChunk struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []ChunkChoice    `json:"choices"`
	Usage   *CompletionUsage `json:"usage,omitempty"`
}

// ChunkChoice is the single choice of a chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta is the incremental message content of a chunk.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkBuilder stamps out the chunks of one streamed completion with a
// shared id, model, and creation time. Legacy text streams reuse it
// through TextChunk.
type ChunkBuilder struct {
	id      string
	model   string
	created int64
}

// NewChunkBuilder starts a streamed chat completion.
func NewChunkBuilder(model string, created time.Time) *ChunkBuilder {
	return &ChunkBuilder{id: NewCompletionID("chatcmpl"), model: model, created: created.Unix()}
}

// Role returns the opening chunk announcing the assistant role.
func (builder *ChunkBuilder) Role() ChatCompletionChunk {
	return builder.chunk(ChunkDelta{Role: string(RoleAssistant)}, nil, nil)
}

// Text returns a content chunk.
func (builder *ChunkBuilder) Text(text string) ChatCompletionChunk {
	return builder.chunk(ChunkDelta{Content: text}, nil, nil)
}

// Finish returns the closing chunk carrying the finish reason and
// usage.
func (builder *ChunkBuilder) Finish(response Response) ChatCompletionChunk {
	finish := FinishReason(response.StopReason)
	usage := NewCompletionUsage(response.Usage)
	return builder.chunk(ChunkDelta{}, &finish, &usage)
}

func (builder *ChunkBuilder) chunk(delta ChunkDelta, finish *string, usage *CompletionUsage) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      builder.id,
		Object:  "chat.completion.chunk",
		Created: builder.created,
		Model:   builder.model,
		Choices: []ChunkChoice{{Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}
}

// TextChunk returns a legacy streamed completion event. finish is
// empty for every event but the last.
func (builder *ChunkBuilder) TextChunk(text string, finish string) TextCompletion {
	choice := TextChoice{Text: text}
	if finish != "" {
		choice.FinishReason = &finish
	}
	return TextCompletion{
		ID:      "cmpl-" + strings.TrimPrefix(builder.id, "chatcmpl-"),
		Object:  "text_completion",
		Created: builder.created,
		Model:   builder.model,
		Choices: []TextChoice{choice},
	}
}

// ModelList is the /v1/models response.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ModelInfo is one entry of the model list.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// NewModelList lists the client-facing model names.
func NewModelList(mappings []ModelMapping, created time.Time) ModelList {
	list := ModelList{Object: "list", Data: make([]ModelInfo, 0, len(mappings))}
	for _, mapping := range mappings {
		owner := mapping.Family
		if owner == "" {
			owner = "anthropic"
		}
		list.Data = append(list.Data, ModelInfo{
			ID:      mapping.Name,
			Object:  "model",
			Created: created.Unix(),
			OwnedBy: owner,
		})
	}
	return list
}
