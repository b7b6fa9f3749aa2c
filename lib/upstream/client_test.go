// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/memgate/memgate/lib/clock"
	"github.com/memgate/memgate/lib/llm"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// scriptedProvider fails with each scripted error in turn, then
// succeeds.
type scriptedProvider struct {
	mu     sync.Mutex
	errors []error
	calls  int
}

func (provider *scriptedProvider) next() error {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	provider.calls++
	if len(provider.errors) == 0 {
		return nil
	}
	err := provider.errors[0]
	provider.errors = provider.errors[1:]
	return err
}

func (provider *scriptedProvider) Complete(ctx context.Context, request llm.Request) (*llm.Response, error) {
	if err := provider.next(); err != nil {
		return nil, err
	}
	return &llm.Response{
		ID:         "msg_1",
		Model:      request.Model,
		Content:    []llm.ContentBlock{llm.TextBlock("ok")},
		StopReason: llm.StopReasonEndTurn,
	}, nil
}

func (provider *scriptedProvider) Stream(ctx context.Context, request llm.Request) (*llm.EventStream, error) {
	if err := provider.next(); err != nil {
		return nil, err
	}
	return llm.NewEventStream(func() (llm.StreamEvent, error) { return llm.StreamEvent{}, io.EOF }, nil), nil
}

func (provider *scriptedProvider) callCount() int {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	return provider.calls
}

func serverError(code int) error {
	return &llm.ProviderError{StatusCode: code, Message: http.StatusText(code)}
}

func TestCompleteRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	fakeClock := clock.Fake(epoch)
	provider := &scriptedProvider{errors: []error{serverError(503), serverError(502)}}
	client := New(Config{
		Provider: provider,
		Policy:   Policy{MaxRetries: 3, InitialBackoff: time.Second},
		Clock:    fakeClock,
	})

	type result struct {
		response *llm.Response
		err      error
	}
	done := make(chan result, 1)
	go func() {
		response, err := client.Complete(context.Background(), llm.Request{Model: "m"})
		done <- result{response, err}
	}()

	// First backoff is 1s, second 2s.
	fakeClock.WaitForTimers(1)
	if snapshot := client.Health().Snapshot(); snapshot.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures after first attempt = %d, want 1", snapshot.ConsecutiveFailures)
	}
	fakeClock.Advance(999 * time.Millisecond)
	if provider.callCount() != 1 {
		t.Fatal("retried before the backoff elapsed")
	}
	fakeClock.Advance(time.Millisecond)
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(2 * time.Second)

	outcome := <-done
	if outcome.err != nil {
		t.Fatalf("Complete: %v", outcome.err)
	}
	if outcome.response.Text() != "ok" {
		t.Errorf("Text() = %q, want ok", outcome.response.Text())
	}
	if provider.callCount() != 3 {
		t.Errorf("provider called %d times, want 3", provider.callCount())
	}
	snapshot := client.Health().Snapshot()
	if snapshot.ConsecutiveFailures != 0 || snapshot.Attempts != 3 || snapshot.Failures != 2 || snapshot.LastSuccess == nil {
		t.Errorf("health = %+v, want 3 attempts, 2 failures, reset streak", snapshot)
	}
	if counters := client.Counters(); counters.Calls != 1 || counters.Attempts != 3 || counters.Retries != 2 || counters.Failed != 0 {
		t.Errorf("Counters = %+v", counters)
	}
}

func TestCompleteStopsOnPermanentFailure(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{errors: []error{serverError(401), serverError(503)}}
	client := New(Config{Provider: provider, Policy: Policy{MaxRetries: 3}, Clock: clock.Fake(epoch)})

	_, err := client.Complete(context.Background(), llm.Request{Model: "m"})
	var upstreamError *Error
	if !errors.As(err, &upstreamError) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if upstreamError.Class != ClassPermanent || upstreamError.Attempts != 1 || upstreamError.StatusCode() != 401 {
		t.Errorf("error = %+v (status %d), want permanent after 1 attempt with 401", upstreamError, upstreamError.StatusCode())
	}
	if provider.callCount() != 1 {
		t.Errorf("provider called %d times, want 1", provider.callCount())
	}
	if snapshot := client.Health().Snapshot(); snapshot.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", snapshot.ConsecutiveFailures)
	}
}

func TestCompleteExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	fakeClock := clock.Fake(epoch)
	provider := &scriptedProvider{errors: []error{serverError(500), serverError(500), serverError(500), serverError(500)}}
	client := New(Config{
		Provider: provider,
		Policy:   Policy{MaxRetries: 2, InitialBackoff: time.Second},
		Clock:    fakeClock,
	})

	done := make(chan error, 1)
	go func() {
		_, err := client.Complete(context.Background(), llm.Request{Model: "m"})
		done <- err
	}()
	for range 2 {
		fakeClock.WaitForTimers(1)
		fakeClock.Advance(time.Minute)
	}

	err := <-done
	var upstreamError *Error
	if !errors.As(err, &upstreamError) || upstreamError.Class != ClassTransient || upstreamError.Attempts != 3 {
		t.Fatalf("error = %v, want transient *Error after 3 attempts", err)
	}
	if client.Health().Report(3) != StatusDegraded {
		t.Error("three consecutive failures did not degrade health")
	}
	if client.Health().Report(4) != StatusHealthy {
		t.Error("health degraded below its threshold")
	}
}

func TestCompleteCallerCancellationDuringBackoff(t *testing.T) {
	t.Parallel()

	fakeClock := clock.Fake(epoch)
	provider := &scriptedProvider{errors: []error{serverError(503)}}
	client := New(Config{Provider: provider, Policy: Policy{MaxRetries: 3}, Clock: fakeClock})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.Complete(ctx, llm.Request{Model: "m"})
		done <- err
	}()
	fakeClock.WaitForTimers(1)
	cancel()

	err := <-done
	var upstreamError *Error
	if !errors.As(err, &upstreamError) || upstreamError.Class != ClassCanceled {
		t.Fatalf("error = %v, want canceled *Error", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error %v does not wrap context.Canceled", err)
	}
}

func TestAttemptTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		// Reading the body lets the server notice the client going away.
		io.Copy(io.Discard, request.Body)
		if requests.Add(1) == 1 {
			select {
			case <-request.Context().Done():
			case <-release:
			}
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		io.WriteString(writer, `{"id":"msg_2","model":"m","content":[{"type":"text","text":"late but fine"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":3}}`)
	}))
	t.Cleanup(server.Close)
	// Cleanups run last-in first-out: the stalled handler is released
	// before server.Close waits for it.
	t.Cleanup(func() { close(release) })

	client := New(Config{
		Provider: llm.NewAnthropic(llm.AnthropicConfig{HTTPClient: server.Client(), BaseURL: server.URL}),
		Policy:   Policy{MaxRetries: 1, InitialBackoff: time.Millisecond},
		// Real clock; the first attempt times out for real.
		AttemptTimeout: 100 * time.Millisecond,
	})

	response, err := client.Complete(context.Background(), llm.Request{Model: "m", MaxTokens: 8, Messages: []llm.Message{llm.UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if response.Text() != "late but fine" || requests.Load() != 2 {
		t.Errorf("Text() = %q after %d requests", response.Text(), requests.Load())
	}
}

func TestUpstreamServerErrorsThenSuccess(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if requests.Add(1) <= 2 {
			writer.Header().Set("Content-Type", "application/json")
			writer.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(writer, `{"type":"error","error":{"type":"api_error","message":"try later"}}`)
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		io.WriteString(writer, `{"id":"msg_3","model":"m","content":[{"type":"text","text":"recovered"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	t.Cleanup(server.Close)

	client := New(Config{
		Provider: llm.NewAnthropic(llm.AnthropicConfig{HTTPClient: server.Client(), BaseURL: server.URL}),
		Policy:   Policy{MaxRetries: 3, InitialBackoff: time.Millisecond},
	})
	response, err := client.Complete(context.Background(), llm.Request{Model: "m", MaxTokens: 8, Messages: []llm.Message{llm.UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if response.Text() != "recovered" || requests.Load() != 3 {
		t.Errorf("Text() = %q after %d requests, want recovered after 3", response.Text(), requests.Load())
	}
	if snapshot := client.Health().Snapshot(); snapshot.ConsecutiveFailures != 0 || snapshot.Failures != 2 {
		t.Errorf("health = %+v, want 2 failures and a reset streak", snapshot)
	}
}

func TestStreamRetriesEstablishment(t *testing.T) {
	t.Parallel()

	fakeClock := clock.Fake(epoch)
	provider := &scriptedProvider{errors: []error{serverError(529)}}
	client := New(Config{
		Provider:       provider,
		Policy:         Policy{MaxRetries: 1, InitialBackoff: time.Second},
		AttemptTimeout: time.Hour,
		Clock:          fakeClock,
	})

	done := make(chan error, 1)
	var stream *llm.EventStream
	go func() {
		var err error
		stream, err = client.Stream(context.Background(), llm.Request{Model: "m"})
		done <- err
	}()
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(time.Second)

	if err := <-done; err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("Next() = %v, want io.EOF", err)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider called %d times, want 2", provider.callCount())
	}
}
