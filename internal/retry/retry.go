// Package retry orchestrates retrying a fallible operation using
// internal/backoff for delay computation, classifying errors as retriable
// or terminal along the way.
//
// Grounded on the teacher's internal/retry/retry.go: same Do/Config/Result
// shape and Permanent-error wrapping convention, adapted to delegate delay
// math to internal/backoff instead of duplicating the formula, and extended
// with a Classifiable interface so provider errors (§7) can self-report
// retriability instead of relying solely on the Permanent wrapper.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/relaykit/agentcore/internal/backoff"
)

// Config configures a retry run.
type Config struct {
	MaxAttempts int
	Policy      backoff.Policy
}

// DefaultConfig returns 3 attempts with backoff.DefaultPolicy.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, Policy: backoff.DefaultPolicy()}
}

// Result is the outcome of a Do call.
type Result struct {
	Attempts int
	Err      error
	Duration time.Duration
}

// PermanentError marks a wrapped error as not retriable regardless of what
// Classifiable.Retryable would otherwise report.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so IsRetryable reports false for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Classifiable is implemented by subsystem error types (e.g. provider
// errors per §7) that know their own retriability.
type Classifiable interface {
	Retryable() bool
}

// IsRetryable reports whether err should be retried: false for nil, false
// for anything wrapped with Permanent, otherwise the verdict of a
// Classifiable error if one is found via errors.As, defaulting to true
// (matching the teacher's "retry unless told otherwise" stance) when no
// Classifiable is present in the chain.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	var classifiable Classifiable
	if errors.As(err, &classifiable) {
		return classifiable.Retryable()
	}
	return true
}

// Do executes op, retrying up to config.MaxAttempts times while
// IsRetryable(err) holds, sleeping backoff.ComputeBackoff(config.Policy,
// attempt) between attempts (attempt 1 waits zero, per the backoff law).
func Do(ctx context.Context, config Config, op func(attempt int) error) Result {
	start := time.Now()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	var result Result
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.Err = err
			result.Duration = time.Since(start)
			return result
		}

		err := op(attempt)
		if err == nil {
			result.Err = nil
			result.Duration = time.Since(start)
			return result
		}
		result.Err = err

		if !IsRetryable(err) || attempt >= config.MaxAttempts {
			result.Duration = time.Since(start)
			return result
		}

		delay := backoff.ComputeBackoff(config.Policy, attempt)
		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		case <-time.After(delay):
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoWithValue is Do for an operation that also produces a value.
func DoWithValue[T any](ctx context.Context, config Config, op func(attempt int) (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func(attempt int) error {
		var err error
		value, err = op(attempt)
		return err
	})
	return value, result
}
