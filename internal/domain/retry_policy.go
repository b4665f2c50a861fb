// Package domain defines retry behavior for resilient job processing.
package domain

import (
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy is a value object describing bounded exponential backoff.
// It is consumed by the queue manager for whole-job requeues and by the
// graders for per-call retry decisions.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of retry attempts.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// Jitter adds randomness to prevent thundering herd.
	Jitter bool
}

// DefaultRetryPolicy returns the recommended job-level retry configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Delay returns the backoff delay before retry attempt n (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	delay := time.Duration(d)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter && delay > 0 {
		// up to 10% extra
		delay += time.Duration(rand.Int63n(int64(delay)/10 + 1)) //nolint:gosec // weak random is fine for jitter
	}
	return delay
}

// Exhausted reports whether attempt n (0-based retry count) is past the budget.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxAttempts
}

// Retryable classifies an error against the sentinel taxonomy. Transient
// upstream failures retry; caller mistakes and schema errors do not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrSchemaInvalid):
		return false
	case errors.Is(err, ErrUpstreamTimeout),
		errors.Is(err, ErrUpstreamRateLimit),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrCircuitOpen):
		return true
	}
	// Unknown errors default to retryable.
	return true
}
