// Package retryer is the single retry/backoff/circuit-breaking wrapper used
// for every call to an external collaborator or retried internal operation.
package retryer

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy configures one Execute call.
type Policy struct {
	MaxRetries        int           // retries after the first attempt
	BaseDelay         time.Duration // delay before the first retry
	MaxDelay          time.Duration // backoff cap
	BackoffMultiplier float64
	Timeout           time.Duration // per-attempt timeout, 0 = none
	UseCircuitBreaker bool
}

// DefaultPolicy returns the policy used for collaborator calls unless a
// caller overrides specific knobs.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         200 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		Timeout:           15 * time.Second,
		UseCircuitBreaker: true,
	}
}

// Outcome names the mechanism that produced the final result.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeExhausted   Outcome = "retries_exhausted"
	OutcomePermanent   Outcome = "permanent_error"
	OutcomeBreakerOpen Outcome = "circuit_open"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeCanceled    Outcome = "canceled"
)

// Result carries the final error plus observability data about how it was
// reached.
type Result struct {
	Err      error
	Attempts int
	Elapsed  time.Duration
	Outcome  Outcome
}

// Success reports whether the operation eventually succeeded.
func (r Result) Success() bool {
	return r.Outcome == OutcomeSuccess
}

// Operation is the unit of work wrapped by Execute.
type Operation func(ctx context.Context) error

// Execute runs op with per-attempt timeout, bounded retries with exponential
// backoff and jitter, and (optionally) the process-wide circuit breaker for
// the named downstream. Permanent errors bypass the retry loop.
func Execute(ctx context.Context, downstream string, p Policy, op Operation) Result {
	p = normalize(p)

	var breaker *CircuitBreaker
	if p.UseCircuitBreaker {
		breaker = ForDownstream(downstream)
	}

	start := time.Now()
	result := Result{}
	delay := p.BaseDelay

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			result.Err = err
			result.Outcome = OutcomeCanceled
			break
		}

		if breaker != nil && !breaker.Allow() {
			result.Err = ErrCircuitOpen
			result.Outcome = OutcomeBreakerOpen
			break
		}

		err := runAttempt(ctx, p.Timeout, op)
		result.Attempts++

		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			// Clear the error a failed earlier attempt left behind.
			result.Err = nil
			result.Outcome = OutcomeSuccess
			break
		}

		if breaker != nil {
			breaker.RecordFailure()
		}
		result.Err = err

		if IsPermanent(err) {
			result.Outcome = OutcomePermanent
			break
		}
		if attempt == p.MaxRetries {
			if errors.Is(err, context.DeadlineExceeded) {
				result.Outcome = OutcomeTimeout
			} else {
				result.Outcome = OutcomeExhausted
			}
			break
		}

		if !sleepWithContext(ctx, withJitter(delay)) {
			result.Err = ctx.Err()
			result.Outcome = OutcomeCanceled
			break
		}
		delay = nextDelay(delay, p)
	}

	result.Elapsed = time.Since(start)
	return result
}

func runAttempt(ctx context.Context, timeout time.Duration, op Operation) error {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}

func normalize(p Policy) Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 2.0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p
}

// nextDelay grows the delay by the multiplier and clamps it at the cap, so
// the sequence of delays is non-decreasing and bounded.
func nextDelay(current time.Duration, p Policy) time.Duration {
	next := time.Duration(float64(current) * p.BackoffMultiplier)
	if next > p.MaxDelay {
		next = p.MaxDelay
	}
	if next < current {
		next = current
	}
	return next
}

// withJitter adds up to 10% random jitter on top of the delay.
func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay + jitter
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
