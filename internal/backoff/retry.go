package backoff

import (
	"context"
	"errors"
	"fmt"
)

// ErrMaxAttemptsExhausted matches (via errors.Is) the error returned when
// every attempt failed with a retryable error.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// ExhaustedError carries the last failure after all attempts were used.
// It unwraps to that failure so callers can still classify it.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Is reports ErrMaxAttemptsExhausted as a match.
func (e *ExhaustedError) Is(target error) bool { return target == ErrMaxAttemptsExhausted }

// Result holds the outcome of a retry loop.
type Result[T any] struct {
	Value    T
	Attempts int
	// Errors holds every failure in attempt order.
	Errors []error
}

// Options tune Retry. Zero values retry every error with DefaultPolicy.
type Options struct {
	Policy      Policy
	MaxAttempts int
	// Retryable decides whether err is worth another attempt. Nil retries everything.
	Retryable func(err error) bool
	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error)
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx ends. A non-retryable error is returned as is;
// exhaustion returns an *ExhaustedError; a cancelled context returns ctx.Err().
//
// fn receives the current attempt number (1-indexed).
func Retry[T any](ctx context.Context, opts Options, fn func(ctx context.Context, attempt int) (T, error)) (Result[T], error) {
	var result Result[T]
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			return result, err
		}

		value, err := fn(ctx, attempt)
		if err == nil {
			result.Value = value
			return result, nil
		}
		result.Errors = append(result.Errors, err)

		if opts.Retryable != nil && !opts.Retryable(err) {
			return result, err
		}
		if attempt == maxAttempts {
			return result, &ExhaustedError{Attempts: attempt, Err: err}
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}
		if err := SleepWithContext(ctx, opts.Policy.Delay(attempt)); err != nil {
			return result, err
		}
	}
	return result, nil
}
