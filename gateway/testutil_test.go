// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/memgate/memgate/lib/clock"
	"github.com/memgate/memgate/lib/llm"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const testModel = "claude-3-5-sonnet"

func testModels() []llm.ModelMapping {
	return []llm.ModelMapping{
		{Name: testModel, ID: "claude-3-5-sonnet-20241022", Family: "claude-3.5"},
		{Name: "claude-3-haiku", ID: "claude-3-haiku-20240307", Family: "claude-3"},
	}
}

// fakeProvider records every upstream request and answers with
// "reply to: <last user message>". Scripted failures are returned
// first, one per call.
type fakeProvider struct {
	mu       sync.Mutex
	requests []llm.Request
	failures []error

	// hold, when set, is received from before each call answers;
	// entered is signalled as the call arrives.
	hold    chan struct{}
	entered chan struct{}

	// streamFailure, when set, is sent as an in-stream error after the
	// first text delta.
	streamFailure error

	// emptyReplies is how many calls, from the first, answer with no
	// content and a stop_sequence stop reason.
	emptyReplies int
}

func (provider *fakeProvider) begin(request llm.Request) error {
	provider.mu.Lock()
	provider.requests = append(provider.requests, request)
	var failure error
	if len(provider.failures) > 0 {
		failure = provider.failures[0]
		provider.failures = provider.failures[1:]
	}
	hold, entered := provider.hold, provider.entered
	provider.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if hold != nil {
		<-hold
	}
	return failure
}

func replyText(request llm.Request) string {
	last := request.Messages[len(request.Messages)-1]
	return "reply to: " + last.Content
}

func (provider *fakeProvider) Complete(ctx context.Context, request llm.Request) (*llm.Response, error) {
	if err := provider.begin(request); err != nil {
		return nil, err
	}
	provider.mu.Lock()
	empty := provider.emptyReplies > 0
	if empty {
		provider.emptyReplies--
	}
	provider.mu.Unlock()
	if empty {
		return &llm.Response{ID: "msg_empty", Model: request.Model, StopReason: llm.StopReasonStopSequence}, nil
	}
	return &llm.Response{
		ID:         "msg_test",
		Model:      request.Model,
		Content:    []llm.ContentBlock{llm.TextBlock(replyText(request))},
		StopReason: llm.StopReasonEndTurn,
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

// Stream answers with the reply split into two text deltas.
func (provider *fakeProvider) Stream(ctx context.Context, request llm.Request) (*llm.EventStream, error) {
	if err := provider.begin(request); err != nil {
		return nil, err
	}
	text := replyText(request)
	half := len(text) / 2
	events := []llm.StreamEvent{
		{Type: llm.EventTextDelta, Text: text[:half]},
		{Type: llm.EventTextDelta, Text: text[half:]},
		{Type: llm.EventContentBlockDone, ContentBlock: llm.TextBlock(text)},
		{Type: llm.EventDone},
	}
	if provider.streamFailure != nil {
		events = []llm.StreamEvent{
			{Type: llm.EventTextDelta, Text: text[:half]},
			{Type: llm.EventError, Error: provider.streamFailure},
		}
	}
	return llm.NewEventStream(func() (llm.StreamEvent, error) {
		if len(events) == 0 {
			return llm.StreamEvent{}, io.EOF
		}
		event := events[0]
		events = events[1:]
		return event, nil
	}, nil), nil
}

func (provider *fakeProvider) calls() []llm.Request {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	return append([]llm.Request(nil), provider.requests...)
}

func (provider *fakeProvider) lastRequest(t *testing.T) llm.Request {
	t.Helper()
	calls := provider.calls()
	if len(calls) == 0 {
		t.Fatal("upstream was never called")
	}
	return calls[len(calls)-1]
}

// newTestGateway builds a gateway over provider with a fake clock,
// rate limiting off, and the test model table. mutate may adjust the
// configuration first.
func newTestGateway(t *testing.T, provider llm.Provider, mutate func(*Config)) (*Gateway, *clock.FakeClock) {
	t.Helper()
	config := DefaultConfig()
	config.Claude.Models = testModels()
	config.RateLimit.Enabled = false
	config.Monitoring.LogRequests = false
	config.Context.FingerprintSecret = "test secret"
	if mutate != nil {
		mutate(config)
	}

	fakeClock := clock.Fake(epoch)
	gateway, err := New(Options{
		Config:   config,
		Provider: provider,
		Clock:    fakeClock,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return gateway, fakeClock
}

// userCall is a chat call carrying one user message.
func userCall(sessionID, text string) Call {
	return Call{
		Request: &llm.ChatRequest{
			Model:    testModel,
			Messages: []llm.ChatMessage{{Role: "user", Content: llm.MessageContent(text)}},
		},
		SessionID: sessionID,
		Client:    "203.0.113.7",
	}
}
