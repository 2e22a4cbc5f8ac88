package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Backoff selects how the delay between attempts grows.
type Backoff uint8

const (
	// BackoffLinear grows the delay as BaseDelay * attempt. Used by the
	// body-transfer paths where attempts are cheap and bounded.
	BackoffLinear Backoff = iota
	// BackoffExponential grows the delay as BaseDelay * 2^attempt,
	// capped at MaxDelay. Used by the connection path.
	BackoffExponential
)

// DefaultMaxDelay caps exponential backoff when Policy.MaxDelay is unset.
const DefaultMaxDelay = 30 * time.Second

// ExhaustedError reports that every attempt in the budget failed. It wraps
// the error from the final attempt.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %d attempts exhausted: %v", e.Attempts, e.Err)
}

// Unwrap returns the error from the final attempt.
func (e *ExhaustedError) Unwrap() error { return e.Err }

// Sleeper abstracts the inter-attempt delay for deterministic testing.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// contextSleeper waits with time.After but aborts if the context is done.
type contextSleeper struct{}

func (contextSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy describes a bounded retry loop. The zero value retries once with
// no delay; callers normally construct it explicitly per call site.
type Policy struct {
	// MaxAttempts is the total attempt budget, including the first try.
	MaxAttempts int
	// BaseDelay seeds the backoff curve.
	BaseDelay time.Duration
	// Backoff selects the curve shape.
	Backoff Backoff
	// MaxDelay caps exponential delays. Ignored for linear backoff.
	MaxDelay time.Duration

	// Sleeper overrides the delay mechanism. Nil means real time.
	Sleeper Sleeper
}

// Delay returns the wait before the given retry. attempt counts retries,
// so attempt 1 is the delay between the first failure and the second try.
func (p Policy) Delay(attempt int) time.Duration {
	switch p.Backoff {
	case BackoffExponential:
		cap := p.MaxDelay
		if cap <= 0 {
			cap = DefaultMaxDelay
		}
		d := p.BaseDelay
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= cap {
				return cap
			}
		}
		if d > cap {
			return cap
		}
		return d
	default:
		return p.BaseDelay * time.Duration(attempt)
	}
}

// Do runs op until it succeeds or the attempt budget is spent. Context
// cancellation aborts immediately and propagates the context error without
// wrapping, so callers can distinguish cancellation from exhaustion.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	sleeper := p.Sleeper
	if sleeper == nil {
		sleeper = contextSleeper{}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		// Cancellation surfaced through the operation stops the loop too.
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}

		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		logrus.WithFields(logrus.Fields{
			"function": "Do",
			"attempt":  attempt,
			"delay":    delay,
			"error":    lastErr.Error(),
		}).Debug("Attempt failed, backing off before retry")

		if err := sleeper.Sleep(ctx, delay); err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Do",
		"attempts": attempts,
		"error":    lastErr.Error(),
	}).Warn("Retry budget exhausted")

	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}
