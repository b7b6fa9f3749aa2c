// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/memgate/memgate/lib/llm"
	"github.com/memgate/memgate/lib/upstream"
)

// RateLimitError rejects a request at admission.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (err *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", err.RetryAfter.Round(time.Second))
}

// Error types reported in the response envelope.
const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeModelNotFound  = "model_not_found"
	ErrorTypeRateLimit      = "rate_limit_error"
	ErrorTypeUpstream       = "upstream_error"
	ErrorTypeInternal       = "internal_error"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the content of an [ErrorBody].
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// classifyError maps a pipeline error to a status and envelope.
func classifyError(err error) (int, ErrorBody) {
	body := func(status int, kind, message string) (int, ErrorBody) {
		return status, ErrorBody{Error: ErrorDetail{Message: message, Type: kind, Code: status}}
	}

	var unknownModel *llm.UnknownModelError
	var requestError *llm.RequestError
	var rateLimit *RateLimitError
	var upstreamError *upstream.Error
	switch {
	case errors.As(err, &unknownModel):
		return body(http.StatusBadRequest, ErrorTypeModelNotFound, unknownModel.Error())
	case errors.As(err, &requestError):
		return body(http.StatusBadRequest, ErrorTypeInvalidRequest, requestError.Error())
	case errors.As(err, &rateLimit):
		return body(http.StatusTooManyRequests, ErrorTypeRateLimit, rateLimit.Error())
	case errors.As(err, &upstreamError):
		if upstreamError.Class == upstream.ClassPermanent {
			switch status := upstreamError.StatusCode(); status {
			case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
				return body(status, ErrorTypeInvalidRequest, upstreamMessage(upstreamError))
			}
		}
		return body(http.StatusBadGateway, ErrorTypeUpstream, upstreamMessage(upstreamError))
	default:
		return body(http.StatusInternalServerError, ErrorTypeInternal, "internal server error")
	}
}

// upstreamMessage describes an upstream failure without leaking the
// upstream's raw error text for server-side failures.
func upstreamMessage(err *upstream.Error) string {
	var providerError *llm.ProviderError
	if errors.As(err.Err, &providerError) && providerError.StatusCode < 500 {
		return "upstream rejected the request: " + providerError.Message
	}
	if err.Class == upstream.ClassTransient {
		return fmt.Sprintf("upstream unavailable after %d attempt(s)", err.Attempts)
	}
	return "upstream request failed"
}
