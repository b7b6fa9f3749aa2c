// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/memgate/memgate/lib/llm"
)

// Class sorts failures by what the retry loop should do with them.
type Class int

const (
	// ClassTransient failures may succeed on retry: 5xx, 529, 429,
	// 408, network errors, attempt timeouts and truncated bodies.
	ClassTransient Class = iota

	// ClassPermanent failures will fail again: other 4xx answers and
	// responses that do not decode.
	ClassPermanent

	// ClassCanceled means the caller's own context ended.
	ClassCanceled
)

func (class Class) String() string {
	switch class {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("Class(%d)", int(class))
	}
}

// Classify sorts err. It cannot tell a caller's cancellation from an
// attempt timeout, so [Client] checks the caller's context itself;
// Classify treats deadline errors as transient and explicit
// cancellation as canceled.
func Classify(err error) Class {
	var providerError *llm.ProviderError
	if errors.As(err, &providerError) {
		switch {
		case providerError.IsServerError(),
			providerError.IsOverloaded(),
			providerError.IsRateLimited(),
			providerError.StatusCode == http.StatusRequestTimeout:
			return ClassTransient
		default:
			return ClassPermanent
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, io.ErrUnexpectedEOF):
		return ClassTransient
	}

	var netError net.Error
	if errors.As(err, &netError) {
		return ClassTransient
	}
	return ClassPermanent
}

// retryAfter extracts the upstream's Retry-After hint, if any.
func retryAfter(err error) (hint time.Duration) {
	var providerError *llm.ProviderError
	if errors.As(err, &providerError) {
		return providerError.RetryAfter
	}
	return 0
}
