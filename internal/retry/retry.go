// Package retry provides bounded, jittered retries for transient database
// failures. The executor returns a tagged Result instead of panicking or
// overloading error returns, so callers decide how failure propagates.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// ExhaustedError marks a retry loop that ran out of attempts. The last
// cause is retained for unwrapping.
type ExhaustedError struct {
	Name     string
	Attempts int
	Cause    error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Name, e.Attempts, e.Cause)
}

func (e *ExhaustedError) Unwrap() error { return e.Cause }

// Result is the outcome of a retried operation. Exactly one of Value (with
// OK true) or Err (with OK false) is meaningful.
type Result[T any] struct {
	OK       bool
	Value    T
	Err      error
	Attempts int
}

// Do runs op until it succeeds, fails fatally, or exhausts opts.MaxAttempts.
// Sleeps between attempts are context-aware; cancellation surfaces as a
// failed Result carrying ctx.Err().
func Do[T any](ctx context.Context, op func(context.Context) (T, error), opts Options) Result[T] {
	opts = opts.normalized()

	classify := opts.IsRetryable
	if classify == nil {
		classify = IsRetryable
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return Result[T]{OK: true, Value: v, Attempts: attempt}
		}
		lastErr = err

		if attempt >= opts.MaxAttempts {
			return Result[T]{
				Err:      &ExhaustedError{Name: opts.Name, Attempts: attempt, Cause: lastErr},
				Attempts: attempt,
			}
		}
		if !classify(err) || slices.Contains(opts.NonRetryable, Code(err)) {
			return Result[T]{Err: err, Attempts: attempt}
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}

		delay := Delay(attempt, opts)
		slog.Warn("Transient failure, retrying",
			"operation", opts.Name,
			"attempt", attempt,
			"max_attempts", opts.MaxAttempts,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return Result[T]{Err: ctx.Err(), Attempts: attempt}
		case <-time.After(delay):
		}
	}
}
