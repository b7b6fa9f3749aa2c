// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"fmt"
	"time"
)

// Policy bounds the retry loop.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt, so
	// a call makes at most 1+MaxRetries attempts.
	MaxRetries int

	// InitialBackoff is the wait before the first retry. Default one
	// second.
	InitialBackoff time.Duration

	// MaxBackoff caps every wait, including a Retry-After hint from
	// the upstream. Zero means no cap.
	MaxBackoff time.Duration

	// Multiplier scales the wait after each failure. Default 2.
	Multiplier float64
}

// DefaultPolicy is three retries starting at one second, doubling,
// capped at thirty seconds.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, Multiplier: 2}
}

func (policy Policy) normalized() Policy {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = time.Second
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 2
	}
	return policy
}

// Backoff returns the wait after the given number of failed attempts:
// InitialBackoff * Multiplier^(failures-1), capped at MaxBackoff.
func (policy Policy) Backoff(failures int) time.Duration {
	policy = policy.normalized()
	if failures < 1 {
		return 0
	}
	delay := float64(policy.InitialBackoff)
	for range failures - 1 {
		delay *= policy.Multiplier
		if policy.MaxBackoff > 0 && delay >= float64(policy.MaxBackoff) {
			return policy.MaxBackoff
		}
	}
	result := time.Duration(delay)
	if policy.MaxBackoff > 0 && result > policy.MaxBackoff {
		result = policy.MaxBackoff
	}
	return result
}

// State is a [Retry] state.
type State int

const (
	StateAttempting State = iota
	StateBackingOff
	StateSucceeded
	StateFailed
)

func (state State) String() string {
	switch state {
	case StateAttempting:
		return "attempting"
	case StateBackingOff:
		return "backing-off"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(state))
	}
}

// Retry tracks one call through its attempts:
//
//	attempting --Fail(transient, budget left)--> backing-off --Resume--> attempting
//	attempting --Succeed--> succeeded
//	attempting --Fail(otherwise)--> failed
//
// It performs no I/O. Calling a transition from the wrong state
// panics.
type Retry struct {
	policy   Policy
	state    State
	attempts int
	lastErr  error
}

// NewRetry starts a call in the attempting state.
func NewRetry(policy Policy) *Retry {
	return &Retry{policy: policy.normalized()}
}

// Begin records the start of an attempt and returns its 1-based
// number.
func (retry *Retry) Begin() int {
	retry.expect(StateAttempting, "Begin")
	retry.attempts++
	return retry.attempts
}

// Succeed ends the call successfully.
func (retry *Retry) Succeed() {
	retry.expect(StateAttempting, "Succeed")
	retry.state = StateSucceeded
	retry.lastErr = nil
}

// Fail records a failed attempt. When class is transient and the
// attempt budget is not spent, Fail moves to backing-off and returns
// the wait before the next attempt and true. The wait is the policy's
// backoff or hint, whichever is longer, capped at MaxBackoff.
// Otherwise the call has failed and Fail returns false.
func (retry *Retry) Fail(err error, class Class, hint time.Duration) (time.Duration, bool) {
	retry.expect(StateAttempting, "Fail")
	retry.lastErr = err
	if class != ClassTransient || retry.attempts >= 1+retry.policy.MaxRetries {
		retry.state = StateFailed
		return 0, false
	}
	delay := max(retry.policy.Backoff(retry.attempts), hint)
	if retry.policy.MaxBackoff > 0 {
		delay = min(delay, retry.policy.MaxBackoff)
	}
	retry.state = StateBackingOff
	return delay, true
}

// Resume returns to attempting after a backoff wait.
func (retry *Retry) Resume() {
	retry.expect(StateBackingOff, "Resume")
	retry.state = StateAttempting
}

// State returns the current state.
func (retry *Retry) State() State { return retry.state }

// Attempts returns the number of attempts begun.
func (retry *Retry) Attempts() int { return retry.attempts }

// Err returns the error of the most recent failed attempt.
func (retry *Retry) Err() error { return retry.lastErr }

func (retry *Retry) expect(state State, transition string) {
	if retry.state != state {
		panic(fmt.Sprintf("upstream: Retry.%s in state %s", transition, retry.state))
	}
}
