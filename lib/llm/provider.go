// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Provider is an upstream chat backend.
type Provider interface {
	// Complete sends a request and blocks until the full response
	// is available.
	Complete(ctx context.Context, request Request) (*Response, error)

	// Stream sends a request and returns an [EventStream]. The caller
	// must Close the stream, even if iteration ended early.
	Stream(ctx context.Context, request Request) (*EventStream, error)
}

// nextFunc yields the next event, or io.EOF when the stream is done.
type nextFunc func() (StreamEvent, error)

// EventStream reads streaming events from an upstream response while
// accumulating the complete [Response]. It is not safe for concurrent
// iteration.
type EventStream struct {
	next     nextFunc
	closer   io.Closer
	mutex    sync.Mutex
	response Response
	done     bool
	release  []func()
}

// NewEventStream wraps a provider-specific iteration function and the
// resource backing it.
func NewEventStream(next nextFunc, closer io.Closer) *EventStream {
	return &EventStream{next: next, closer: closer}
}

// Next returns the next event, or io.EOF once the stream is complete.
//
//	for {
//	    event, err := stream.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    // handle event
//	}
//	response := stream.Response()
func (stream *EventStream) Next() (StreamEvent, error) {
	if stream.done {
		return StreamEvent{}, io.EOF
	}

	event, err := stream.next()
	if err != nil {
		if err == io.EOF {
			stream.done = true
		}
		return event, err
	}

	if event.Type == EventContentBlockDone {
		stream.mutex.Lock()
		stream.response.Content = append(stream.response.Content, event.ContentBlock)
		stream.mutex.Unlock()
	}
	return event, nil
}

// Response returns what has been accumulated so far. It is complete
// once Next has returned io.EOF.
func (stream *EventStream) Response() Response {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	return stream.response
}

// Close releases the underlying HTTP body and runs any functions
// registered with AfterClose.
func (stream *EventStream) Close() error {
	var err error
	if stream.closer != nil {
		err = stream.closer.Close()
	}
	for _, release := range stream.release {
		release()
	}
	stream.release = nil
	return err
}

// AfterClose registers release to run when the stream is closed. The
// upstream client uses it to hold an attempt's context open for the
// life of the stream.
func (stream *EventStream) AfterClose(release func()) {
	stream.release = append(stream.release, release)
}

func (stream *EventStream) update(apply func(*Response)) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	apply(&stream.response)
}

// ProviderError is a non-200 answer from the upstream API.
type ProviderError struct {
	StatusCode int

	// Type is the upstream error type, e.g. "overloaded_error".
	Type string

	Message string

	// RetryAfter is the delay the upstream asked for in its
	// Retry-After header. Zero when absent.
	RetryAfter time.Duration
}

func (err *ProviderError) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("llm: HTTP %d: %s: %s", err.StatusCode, err.Type, err.Message)
	}
	return fmt.Sprintf("llm: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsRateLimited reports an HTTP 429.
func (err *ProviderError) IsRateLimited() bool {
	return err.StatusCode == http.StatusTooManyRequests
}

// IsOverloaded reports Anthropic's HTTP 529.
func (err *ProviderError) IsOverloaded() bool {
	return err.StatusCode == 529
}

// IsServerError reports any 5xx status.
func (err *ProviderError) IsServerError() bool {
	return err.StatusCode >= 500 && err.StatusCode <= 599
}

// doProviderRequest POSTs wireRequest as JSON and returns the response
// when the status is 200. Any other status is returned as a
// *ProviderError with the body already closed.
func doProviderRequest(ctx context.Context, httpClient *http.Client, endpoint string, header http.Header, wireRequest any, prefix string, streaming bool) (*http.Response, error) {
	body, err := json.Marshal(wireRequest)
	if err != nil {
		return nil, fmt.Errorf("%s: marshaling request: %w", prefix, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", prefix, err)
	}
	for name, values := range header {
		httpRequest.Header[name] = values
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if streaming {
		httpRequest.Header.Set("Accept", "text/event-stream")
	}

	httpResponse, err := httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("%s: sending request: %w", prefix, err)
	}

	if httpResponse.StatusCode != http.StatusOK {
		defer httpResponse.Body.Close()
		return nil, readProviderError(httpResponse)
	}
	return httpResponse, nil
}

// wireResponse is implemented by pointers to provider response types.
type wireResponse[T any] interface {
	*T
	toResponse() *Response
}

// decodeResponse decodes a JSON body into the provider wire type and
// converts it. The body is closed on return. A body cut short
// surfaces as io.ErrUnexpectedEOF in the error chain.
func decodeResponse[T any, P wireResponse[T]](httpResponse *http.Response, prefix string) (*Response, error) {
	defer httpResponse.Body.Close()

	wire := P(new(T))
	if err := json.NewDecoder(httpResponse.Body).Decode(wire); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %w", prefix, err)
	}
	return wire.toResponse(), nil
}

// readProviderError parses {"error":{"type":"...","message":"..."}}
// from an error body, falling back to the raw body text.
func readProviderError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	providerError := &ProviderError{
		StatusCode: httpResponse.StatusCode,
		Message:    string(body),
	}
	if seconds, err := strconv.Atoi(httpResponse.Header.Get("Retry-After")); err == nil && seconds > 0 {
		providerError.RetryAfter = time.Duration(seconds) * time.Second
	}

	var wireError struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		providerError.Type = wireError.Error.Type
		providerError.Message = wireError.Error.Message
	}
	return providerError
}
