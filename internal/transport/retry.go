package transport

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Backoff configures randomized exponential retry.
//
// Each failed attempt waits at least as long as the attempt itself took,
// then grows the wait by a random amount up to its current size, capped at
// MaxWait.
type Backoff struct {
	// Initial is the first wait. Defaults to 10ms.
	Initial time.Duration

	// MaxWait caps a single wait. Zero means no cap.
	MaxWait time.Duration

	// MaxAttempts bounds the number of tries. Zero means retry until ctx ends.
	MaxAttempts int

	// Report, if non-nil, observes each failure. Returning a non-nil error
	// aborts the retry loop with that error.
	Report func(attempt int, err error) error
}

// RetryExhaustedError is returned when MaxAttempts tries all failed.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the last attempt's error.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// Retry calls try until it succeeds, the attempt budget runs out, or ctx
// ends. If ctx is already done, Retry returns ctx.Err() without calling try.
func (b Backoff) Retry(ctx context.Context, try func() error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	wait := b.Initial
	if wait <= 0 {
		wait = 10 * time.Millisecond
	}

	for attempt := 1; ; attempt++ {
		before := time.Now()
		err := try()
		if err == nil {
			return nil
		}
		elapsed := time.Since(before)

		if b.Report != nil {
			if abort := b.Report(attempt, err); abort != nil {
				return abort
			}
		}

		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return &RetryExhaustedError{Attempts: attempt, Last: err}
		}

		if wait < elapsed {
			wait = elapsed
		}
		wait += time.Duration(rand.Int64N(int64(wait)))
		if b.MaxWait > 0 && wait > b.MaxWait {
			wait = b.MaxWait
		}

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
