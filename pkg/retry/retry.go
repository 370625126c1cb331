// Package retry runs one operation under a bounded exponential-backoff policy.
//
// Attempts run strictly sequentially. Only errors accepted by the caller's
// retryIf predicate are retried; anything else returns after the attempt that
// produced it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/avast/retry-go/v5"
)

// Policy describes the retry budget and backoff shape.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	Multiplier  float64       // growth factor between delays
	Jitter      float64       // extra delay, as a fraction of the computed delay
	MaxDelay    time.Duration // 0 means uncapped

	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64
	// OnDelay, when set, observes each backoff before it is slept.
	OnDelay func(afterAttempt int, d time.Duration)
}

// DefaultPolicy is three attempts, 200ms base delay, doubling, up to 50%
// jitter. No single delay, hinted or computed, exceeds 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		Multiplier:  2,
		Jitter:      0.5,
		MaxDelay:    10 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// Backoff returns the delay to wait after the given 1-based attempt failed.
func (p Policy) Backoff(afterAttempt int) time.Duration {
	p = p.normalized()
	if afterAttempt < 1 {
		afterAttempt = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < afterAttempt; i++ {
		d *= p.Multiplier
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	d += d * p.Jitter * p.Rand()
	return time.Duration(d)
}

// Delayer lets an error dictate its own backoff, e.g. a Retry-After hint or
// an immediate retry after a forced credential refresh.
type Delayer interface {
	RetryDelay() (time.Duration, bool)
}

// delayFor prefers the error's own hint, capped at MaxDelay.
func (p Policy) delayFor(afterAttempt int, err error) time.Duration {
	var d Delayer
	if errors.As(err, &d) {
		if v, ok := d.RetryDelay(); ok {
			if p.MaxDelay > 0 && v > p.MaxDelay {
				v = p.MaxDelay
			}
			return max(v, 0)
		}
	}
	return p.Backoff(afterAttempt)
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do invokes fn until it succeeds, returns an error retryIf rejects, the
// attempt budget is spent, or ctx is done. It returns the result, the number
// of attempts started and the terminal error:
//
//   - nil on success
//   - the attempt's own error when retryIf rejected it
//   - *ExhaustedError when the budget ran out on retryable errors
//   - the attempt's own error when the next delay would outlive ctx's deadline
//   - ctx.Err() when the context ended first
//
// A nil retryIf retries every error.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error), retryIf func(error) bool) (T, int, error) {
	p = p.normalized()
	if retryIf == nil {
		retryIf = func(error) bool { return true }
	}

	var (
		zero     T
		result   T
		attempts int
		lastErr  error
		ok       bool
		next     time.Duration // delay planned after the latest failure
		cut      bool          // next would end past ctx's deadline
	)
	deadline, hasDeadline := ctx.Deadline()

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(p.MaxAttempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !cut && retryIf(err) }),
		retry.DelayType(func(uint, error, retry.DelayContext) time.Duration {
			if p.OnDelay != nil {
				p.OnDelay(attempts, next)
			}
			return next
		}),
	)

	_ = r.Do(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempts++
		v, err := fn(ctx, attempts)
		if err != nil {
			lastErr = err
			if attempts < p.MaxAttempts && retryIf(err) {
				next = p.delayFor(attempts, err)
				cut = hasDeadline && time.Until(deadline) <= next
			}
			return err
		}
		result, ok = v, true
		return nil
	})

	switch {
	case ok:
		return result, attempts, nil
	case ctx.Err() != nil:
		return zero, attempts, ctx.Err()
	case lastErr == nil:
		return zero, attempts, errors.New("retry: no attempt made")
	case cut, !retryIf(lastErr):
		return zero, attempts, lastErr
	default:
		return zero, attempts, &ExhaustedError{Attempts: attempts, Last: lastErr}
	}
}
