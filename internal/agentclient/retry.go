// Package agentclient provides the HTTP transport to agent microservices.
package agentclient

import (
	"time"
)

// RetryPolicy describes bounded exponential backoff. It is applied only to
// failures the Retryable predicate accepts, so non-idempotent calls can never
// be replayed after a permanent rejection.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, first included.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration
	// Multiplier scales the delay after each attempt.
	Multiplier float64
	// Retryable decides whether a failure is transient.
	Retryable func(statusCode int, err error) bool
}

// DefaultRetryPolicy retries transport errors and 5xx responses up to three
// attempts with a 2s base delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Multiplier:  2.0,
		Retryable:   TransientOnly,
	}
}

// TransientOnly accepts transport-level errors and 5xx responses. 4xx and
// application-level failures are permanent.
func TransientOnly(statusCode int, err error) bool {
	if err != nil {
		return true
	}
	return statusCode >= 500
}

// Delay returns the backoff before the given retry (attempt is 1-indexed;
// the delay precedes attempt+1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
	return delay
}
