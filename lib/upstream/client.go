// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/memgate/memgate/lib/clock"
	"github.com/memgate/memgate/lib/llm"
)

// Config configures a [Client].
type Config struct {
	Provider llm.Provider
	Policy   Policy

	// AttemptTimeout bounds each attempt. For streams it bounds the
	// whole stream, as it would a single HTTP exchange. Zero disables
	// it.
	AttemptTimeout time.Duration

	// Health receives every attempt's outcome. Nil creates a private
	// record.
	Health *Health

	Clock  clock.Clock
	Logger *slog.Logger
}

// Error is the failure of a whole call, after retries.
type Error struct {
	Class    Class
	Attempts int
	Err      error
}

func (err *Error) Error() string {
	return fmt.Sprintf("upstream: %s failure after %d attempt(s): %v", err.Class, err.Attempts, err.Err)
}

func (err *Error) Unwrap() error { return err.Err }

// StatusCode returns the upstream HTTP status behind the failure, or
// zero when there was none.
func (err *Error) StatusCode() int {
	var providerError *llm.ProviderError
	if errors.As(err.Err, &providerError) {
		return providerError.StatusCode
	}
	return 0
}

// Counters are lifetime call totals.
type Counters struct {
	Calls    int64 `json:"calls"`
	Attempts int64 `json:"attempts"`
	Retries  int64 `json:"retries"`
	Failed   int64 `json:"failed"`
}

// Client calls the upstream with retry.
type Client struct {
	provider       llm.Provider
	policy         Policy
	attemptTimeout time.Duration
	health         *Health
	clock          clock.Clock
	logger         *slog.Logger

	calls    atomic.Int64
	attempts atomic.Int64
	retries  atomic.Int64
	failed   atomic.Int64
}

// New creates a Client.
func New(config Config) *Client {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Health == nil {
		config.Health = NewHealth(config.Clock)
	}
	return &Client{
		provider:       config.Provider,
		policy:         config.Policy.normalized(),
		attemptTimeout: config.AttemptTimeout,
		health:         config.Health,
		clock:          config.Clock,
		logger:         config.Logger,
	}
}

// Health returns the shared health record.
func (client *Client) Health() *Health { return client.health }

// Counters returns lifetime totals.
func (client *Client) Counters() Counters {
	return Counters{
		Calls:    client.calls.Load(),
		Attempts: client.attempts.Load(),
		Retries:  client.retries.Load(),
		Failed:   client.failed.Load(),
	}
}

// Complete sends request and returns the full response. Failures are
// returned as *Error.
func (client *Client) Complete(ctx context.Context, request llm.Request) (*llm.Response, error) {
	response, release, err := call(ctx, client, "complete", request.Model, func(attemptContext context.Context) (*llm.Response, error) {
		return client.provider.Complete(attemptContext, request)
	})
	if release != nil {
		release()
	}
	return response, err
}

// Stream opens a streaming response. Only establishing the stream is
// retried; once events flow, a failure ends the stream. The caller
// must Close the returned stream.
func (client *Client) Stream(ctx context.Context, request llm.Request) (*llm.EventStream, error) {
	stream, release, err := call(ctx, client, "stream", request.Model, func(attemptContext context.Context) (*llm.EventStream, error) {
		return client.provider.Stream(attemptContext, request)
	})
	if err != nil {
		return nil, err
	}
	stream.AfterClose(release)
	return stream, nil
}

// call runs attempt under the retry policy. On success it returns the
// attempt's context release function, which the caller must run once
// it is done with the result.
func call[T any](ctx context.Context, client *Client, operation, model string, attempt func(context.Context) (T, error)) (T, context.CancelFunc, error) {
	var zero T
	client.calls.Add(1)
	retry := NewRetry(client.policy)

	for {
		number := retry.Begin()
		client.attempts.Add(1)

		attemptContext, cancel := ctx, context.CancelFunc(func() {})
		if client.attemptTimeout > 0 {
			attemptContext, cancel = context.WithTimeout(ctx, client.attemptTimeout)
		}
		started := client.clock.Now()
		result, err := attempt(attemptContext)
		if err == nil {
			client.health.RecordSuccess(client.clock.Now().Sub(started))
			retry.Succeed()
			if number > 1 {
				client.logger.Info("upstream call succeeded after retry",
					"operation", operation,
					"model", model,
					"attempts", number,
				)
			}
			return result, cancel, nil
		}
		cancel()

		class := Classify(err)
		if ctx.Err() != nil {
			class = ClassCanceled
		}
		if class == ClassCanceled {
			client.failed.Add(1)
			return zero, nil, &Error{Class: ClassCanceled, Attempts: number, Err: err}
		}
		client.health.RecordFailure(err)

		delay, again := retry.Fail(err, class, retryAfter(err))
		if !again {
			client.failed.Add(1)
			client.logger.Warn("upstream call failed",
				"operation", operation,
				"model", model,
				"class", class.String(),
				"attempts", number,
				"error", err,
			)
			return zero, nil, &Error{Class: class, Attempts: number, Err: err}
		}

		client.logger.Warn("transient upstream failure, retrying",
			"operation", operation,
			"model", model,
			"attempt", number,
			"backoff", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			client.failed.Add(1)
			return zero, nil, &Error{Class: ClassCanceled, Attempts: number, Err: ctx.Err()}
		case <-client.clock.After(delay):
		}
		client.retries.Add(1)
		retry.Resume()
	}
}
