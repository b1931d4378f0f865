// Package ratelimit caps how many ticks a machine processes per wall-clock
// period (one second by default).
//
// Work is done in batches. Each batch opens a Window at the current time with
// a budget of rate ticks. The caller takes ticks from the window until the
// budget is spent or the period has elapsed, then calls Wait to sleep off the
// rest of the period. No batch ever straddles more than one period and no
// period sees more than rate ticks.
//
//	lim, _ := ratelimit.New(rate, ratelimit.SystemClock{})
//	for {
//	    w := lim.Begin()
//	    for w.Take(1) {
//	        // one tick
//	    }
//	    if err := lim.Wait(ctx, w); err != nil {
//	        return err
//	    }
//	}
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// DefaultPeriod is the length of one batch window.
const DefaultPeriod = time.Second

// Clock is the time source used by the limiter.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// After returns time.After(d).
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Limiter hands out per-period tick windows.
type Limiter struct {
	rate   int
	period time.Duration
	clock  Clock
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPeriod overrides the window length. Used to compress runs in tests.
func WithPeriod(d time.Duration) Option {
	return func(l *Limiter) {
		l.period = d
	}
}

// New creates a limiter allowing rate ticks per period.
func New(rate int, clk Clock, opts ...Option) (*Limiter, error) {
	if rate < 1 {
		return nil, fmt.Errorf("rate must be positive, got %d", rate)
	}
	if clk == nil {
		clk = SystemClock{}
	}

	l := &Limiter{rate: rate, period: DefaultPeriod, clock: clk}
	for _, opt := range opts {
		opt(l)
	}
	if l.period <= 0 {
		return nil, fmt.Errorf("period must be positive, got %s", l.period)
	}
	return l, nil
}

// Rate returns the configured ticks per period.
func (l *Limiter) Rate() int { return l.rate }

// Period returns the window length.
func (l *Limiter) Period() time.Duration { return l.period }

// Begin opens a window starting now.
func (l *Limiter) Begin() *Window {
	return &Window{
		start:  l.clock.Now(),
		budget: l.rate,
		period: l.period,
		clock:  l.clock,
	}
}

// Wait sleeps until the window's period has elapsed. It returns immediately
// if the period is already over, and ctx.Err() if ctx ends first.
func (l *Limiter) Wait(ctx context.Context, w *Window) error {
	remaining := w.period - w.Elapsed()
	if remaining <= 0 {
		return ctx.Err()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.clock.After(remaining):
		return nil
	}
}

// Window is one period's tick budget. It is not safe for concurrent use;
// it belongs to the goroutine running the batch.
type Window struct {
	start  time.Time
	budget int
	used   int
	period time.Duration
	clock  Clock
}

// Take consumes n ticks if the budget still holds them and the period has
// not elapsed. It consumes nothing and returns false otherwise.
func (w *Window) Take(n int) bool {
	if n < 1 || w.used+n > w.budget || w.Expired() {
		return false
	}
	w.used += n
	return true
}

// Remaining returns the unspent budget.
func (w *Window) Remaining() int { return w.budget - w.used }

// Used returns the ticks taken so far.
func (w *Window) Used() int { return w.used }

// Start returns when the window opened.
func (w *Window) Start() time.Time { return w.start }

// Elapsed returns the time since the window opened.
func (w *Window) Elapsed() time.Duration { return w.clock.Now().Sub(w.start) }

// Expired reports whether the period has fully elapsed.
func (w *Window) Expired() bool { return w.Elapsed() >= w.period }
