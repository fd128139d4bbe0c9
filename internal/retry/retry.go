// Package retry provides the pluggable retry policies used by the builder
// and the engine.
package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"github.com/rahul/goalscript/internal/errs"
)

// Policy decides whether a failed attempt is retried and how long to wait.
// attempt counts the failures so far, starting at 1.
type Policy interface {
	Next(attempt int, err error) (time.Duration, bool)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(attempt int, err error) (time.Duration, bool)

// Next implements Policy.
func (f PolicyFunc) Next(attempt int, err error) (time.Duration, bool) {
	return f(attempt, err)
}

// Backoff retries up to MaxAttempts total attempts with exponential delays.
type Backoff struct {
	MaxAttempts int
	b           backoff.Backoff
}

// NewBackoff creates an exponential policy. maxAttempts counts the first
// attempt too, so 3 means two retries.
func NewBackoff(maxAttempts int, min, max time.Duration, factor float64, jitter bool) *Backoff {
	if factor < 1 {
		factor = 2
	}
	return &Backoff{
		MaxAttempts: maxAttempts,
		b:           backoff.Backoff{Min: min, Max: max, Factor: factor, Jitter: jitter},
	}
}

// Default is three attempts starting at 500ms.
func Default() *Backoff {
	return NewBackoff(3, 500*time.Millisecond, 10*time.Second, 2, true)
}

// Next implements Policy.
func (p *Backoff) Next(attempt int, _ error) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	return p.b.ForAttempt(float64(attempt - 1)), true
}

// Fixed retries up to maxAttempts times with no delay. It suits tests.
func Fixed(maxAttempts int) Policy {
	return PolicyFunc(func(attempt int, _ error) (time.Duration, bool) {
		return 0, attempt < maxAttempts
	})
}

// None never retries.
func None() Policy {
	return Fixed(1)
}

// Do runs fn until it succeeds, the policy gives up, the error is not
// retryable or ctx is done. It returns the last error.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	if p == nil {
		p = None()
	}
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil || !errs.IsRetryable(err) {
			return err
		}
		wait, ok := p.Next(attempt, err)
		if !ok {
			return err
		}
		if wait <= 0 {
			if ctx.Err() != nil {
				return err
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
