// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeChatRequestContentShapes(t *testing.T) {
	t.Parallel()

	body := `{
		"model": "claude-3-5-sonnet",
		"messages": [
			{"role": "system", "content": "Be brief."},
			{"role": "user", "content": [
				{"type": "text", "text": "Look at this"},
				{"type": "image_url", "image_url": {"url": "data:..."}},
				{"type": "text", "text": "and describe it"}
			]},
			{"role": "assistant", "content": null},
			{"role": "developer", "content": "Answer in English."},
			{"role": "user", "content": "thanks"}
		],
		"stop": "###",
		"max_completion_tokens": 64,
		"max_tokens": 9999,
		"presence_penalty": 0.3
	}`
	request, err := DecodeChatRequest(strings.NewReader(body))
	if err != nil {
		t.Fatalf("DecodeChatRequest: %v", err)
	}

	if got := string(request.Messages[1].Content); got != "Look at this\nand describe it" {
		t.Errorf("array content = %q, want text parts joined by newline", got)
	}
	if request.Messages[2].Content != "" {
		t.Errorf("null content = %q, want empty", request.Messages[2].Content)
	}
	if len(request.Stop) != 1 || request.Stop[0] != "###" {
		t.Errorf("Stop = %v, want [###]", request.Stop)
	}
	if request.TokenLimit() != 64 {
		t.Errorf("TokenLimit() = %d, want max_completion_tokens 64", request.TokenLimit())
	}
	if got := request.SystemPrompt(); got != "Be brief.\nAnswer in English." {
		t.Errorf("SystemPrompt() = %q", got)
	}
	conversation := request.Conversation()
	if len(conversation) != 3 {
		t.Fatalf("Conversation() length = %d, want 3", len(conversation))
	}
	for index, role := range []Role{RoleUser, RoleAssistant, RoleUser} {
		if conversation[index].Role != role {
			t.Errorf("Conversation()[%d].Role = %q, want %q", index, conversation[index].Role, role)
		}
	}
}

func TestDecodeChatRequestRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		wantParam string
	}{
		{"malformed json", `{"model":`, ""},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, "model"},
		{"no messages", `{"model":"m","messages":[]}`, "messages"},
		{"no user message", `{"model":"m","messages":[{"role":"system","content":"x"}]}`, "messages"},
		{"tool role", `{"model":"m","messages":[{"role":"user","content":"x"},{"role":"tool","content":"y"}]}`, "messages[1].role"},
		{"zero max_tokens", `{"model":"m","max_tokens":0,"messages":[{"role":"user","content":"x"}]}`, "max_tokens"},
		{"temperature too high", `{"model":"m","temperature":2.5,"messages":[{"role":"user","content":"x"}]}`, "temperature"},
		{"top_p out of range", `{"model":"m","top_p":1.5,"messages":[{"role":"user","content":"x"}]}`, "top_p"},
		{"numeric content", `{"model":"m","messages":[{"role":"user","content":42}]}`, ""},
		{"numeric stop", `{"model":"m","stop":7,"messages":[{"role":"user","content":"x"}]}`, ""},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, err := DecodeChatRequest(strings.NewReader(test.body))
			var requestError *RequestError
			if !errors.As(err, &requestError) {
				t.Fatalf("error = %v, want *RequestError", err)
			}
			if requestError.Param != test.wantParam {
				t.Errorf("Param = %q, want %q (error %v)", requestError.Param, test.wantParam, err)
			}
		})
	}
}

func TestToRequest(t *testing.T) {
	t.Parallel()

	temperature := 1.6
	topP := 0.9
	request := &ChatRequest{
		Model: "gpt-style-name",
		Messages: []ChatMessage{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "bye"},
		},
		Temperature: &temperature,
		TopP:        &topP,
		Stop:        StopList{"END", "  ", "STOP"},
	}

	upstream := ToRequest(request, "claude-3-haiku-20240307", 1000)

	if upstream.Model != "claude-3-haiku-20240307" {
		t.Errorf("Model = %q", upstream.Model)
	}
	if upstream.System != "You are terse." {
		t.Errorf("System = %q, want the system message", upstream.System)
	}
	if upstream.MaxTokens != 1000 {
		t.Errorf("MaxTokens = %d, want default 1000", upstream.MaxTokens)
	}
	if upstream.Temperature == nil || *upstream.Temperature != 1 {
		t.Errorf("Temperature = %v, want clamped to 1", upstream.Temperature)
	}
	if upstream.TopP == nil || *upstream.TopP != 0.9 {
		t.Errorf("TopP = %v, want 0.9", upstream.TopP)
	}
	if strings.Join(upstream.StopSequences, ",") != "END,STOP" {
		t.Errorf("StopSequences = %q, want blank entries dropped", upstream.StopSequences)
	}
	if len(upstream.Messages) != 3 || upstream.Messages[2].Content != "bye" {
		t.Errorf("Messages = %+v, want the three non-system turns in order", upstream.Messages)
	}
}

func TestFinishReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		reason StopReason
		want   string
	}{
		{StopReasonEndTurn, "stop"},
		{StopReasonStopSequence, "stop"},
		{StopReasonMaxTokens, "length"},
		{StopReasonToolUse, "tool_calls"},
		{StopReasonRefusal, "content_filter"},
		{"", "stop"},
		{"pause_turn", "stop"},
		{"something_new", "stop"},
	}
	for _, test := range tests {
		if got := FinishReason(test.reason); got != test.want {
			t.Errorf("FinishReason(%q) = %q, want %q", test.reason, got, test.want)
		}
	}
}

func TestChatCompletionRoundTrip(t *testing.T) {
	t.Parallel()

	inbound, err := DecodeChatRequest(strings.NewReader(
		`{"model":"claude-3-5-sonnet","max_tokens":20,"messages":[{"role":"user","content":"my name is Zhang San"}]}`))
	if err != nil {
		t.Fatalf("DecodeChatRequest: %v", err)
	}
	upstream := ToRequest(inbound, "claude-3-5-sonnet-20241022", 1000)
	if upstream.Messages[0].Content != "my name is Zhang San" {
		t.Fatalf("content changed on the way up: %q", upstream.Messages[0].Content)
	}

	for stop, finish := range map[StopReason]string{StopReasonEndTurn: "stop", StopReasonMaxTokens: "length"} {
		response := &Response{
			Content:    []ContentBlock{TextBlock("Nice to meet you, Zhang San.")},
			StopReason: stop,
			Usage:      Usage{InputTokens: 12, OutputTokens: 8, CacheReadTokens: 3},
		}
		created := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		completion := NewChatCompletion(response, inbound.Model, created)

		encoded, err := json.Marshal(completion)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		var wire struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			Created int64  `json:"created"`
			Model   string `json:"model"`
			Choices []struct {
				Index   int `json:"index"`
				Message struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				} `json:"message"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage map[string]int64 `json:"usage"`
		}
		if err := json.Unmarshal(encoded, &wire); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}

		if !strings.HasPrefix(wire.ID, "chatcmpl-") || len(wire.ID) != len("chatcmpl-")+29 {
			t.Errorf("id = %q, want chatcmpl- plus 29 hex characters", wire.ID)
		}
		if wire.Object != "chat.completion" || wire.Model != "claude-3-5-sonnet" || wire.Created != created.Unix() {
			t.Errorf("envelope = %s", encoded)
		}
		if len(wire.Choices) != 1 || wire.Choices[0].Index != 0 {
			t.Fatalf("choices = %+v, want one choice at index 0", wire.Choices)
		}
		if wire.Choices[0].Message.Role != "assistant" || wire.Choices[0].Message.Content != "Nice to meet you, Zhang San." {
			t.Errorf("message = %+v", wire.Choices[0].Message)
		}
		if wire.Choices[0].FinishReason != finish {
			t.Errorf("finish_reason for %q = %q, want %q", stop, wire.Choices[0].FinishReason, finish)
		}
		if wire.Usage["prompt_tokens"] != 15 || wire.Usage["completion_tokens"] != 8 || wire.Usage["total_tokens"] != 23 {
			t.Errorf("usage = %v, want 15/8/23", wire.Usage)
		}
	}
}

func TestTextRequestNormalizes(t *testing.T) {
	t.Parallel()

	request, err := DecodeTextRequest(strings.NewReader(`{"model":"m","prompt":["line one","line two"],"max_tokens":5,"stream":true}`))
	if err != nil {
		t.Fatalf("DecodeTextRequest: %v", err)
	}
	chat := request.ChatRequest()
	if err := chat.Validate(); err != nil {
		t.Fatalf("normalized request invalid: %v", err)
	}
	if len(chat.Messages) != 1 || chat.Messages[0].Role != "user" || chat.Messages[0].Content != "line one\nline two" {
		t.Errorf("Messages = %+v, want one user message with joined prompt", chat.Messages)
	}
	if !chat.Stream || chat.TokenLimit() != 5 {
		t.Errorf("Stream/TokenLimit = %v/%d, want true/5", chat.Stream, chat.TokenLimit())
	}

	if _, err := DecodeTextRequest(strings.NewReader(`{"model":"m","prompt":"  "}`)); err == nil {
		t.Error("blank prompt accepted")
	}
}

func TestChunkBuilder(t *testing.T) {
	t.Parallel()

	builder := NewChunkBuilder("claude-3-5-sonnet", time.Unix(1700000000, 0))
	role := builder.Role()
	text := builder.Text("hel")
	finish := builder.Finish(Response{StopReason: StopReasonMaxTokens, Usage: Usage{InputTokens: 2, OutputTokens: 3}})

	if role.ID != text.ID || text.ID != finish.ID {
		t.Errorf("chunk ids differ: %q %q %q", role.ID, text.ID, finish.ID)
	}
	if role.Object != "chat.completion.chunk" || role.Choices[0].Delta.Role != "assistant" {
		t.Errorf("role chunk = %+v", role)
	}
	if text.Choices[0].Delta.Content != "hel" || text.Choices[0].FinishReason != nil {
		t.Errorf("text chunk = %+v", text)
	}
	if finish.Choices[0].FinishReason == nil || *finish.Choices[0].FinishReason != "length" {
		t.Errorf("finish chunk reason = %v, want length", finish.Choices[0].FinishReason)
	}
	if finish.Usage == nil || finish.Usage.TotalTokens != 5 {
		t.Errorf("finish chunk usage = %+v, want total 5", finish.Usage)
	}

	encoded, _ := json.Marshal(text)
	if !strings.Contains(string(encoded), `"finish_reason":null`) {
		t.Errorf("intermediate chunk %s should carry finish_reason null", encoded)
	}

	legacy := builder.TextChunk("hel", "")
	if legacy.Object != "text_completion" || !strings.HasPrefix(legacy.ID, "cmpl-") {
		t.Errorf("legacy chunk = %+v", legacy)
	}
}

func TestNewModelList(t *testing.T) {
	t.Parallel()

	list := NewModelList([]ModelMapping{
		{Name: "claude-3-5-sonnet", ID: "claude-3-5-sonnet-20241022", Family: "claude-3.5"},
		{Name: "claude-haiku", ID: "claude-3-haiku-20240307"},
	}, time.Unix(100, 0))

	if list.Object != "list" || len(list.Data) != 2 {
		t.Fatalf("list = %+v", list)
	}
	if list.Data[0].ID != "claude-3-5-sonnet" || list.Data[0].Object != "model" || list.Data[0].OwnedBy != "claude-3.5" {
		t.Errorf("Data[0] = %+v", list.Data[0])
	}
	if list.Data[1].OwnedBy != "anthropic" {
		t.Errorf("Data[1].OwnedBy = %q, want anthropic fallback", list.Data[1].OwnedBy)
	}
}
