// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"time"
)

// Policy bounds a retry loop. Retries counts attempts after the first.
type Policy struct {
	Retries      int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// AttemptTimeout, when positive, bounds each attempt separately.
	AttemptTimeout time.Duration
}

// Classifier reports whether a failed attempt may be retried.
type Classifier func(error) bool

// Do calls fn until it succeeds, fails with a non-retryable error, the
// retries are spent, or ctx ends. It returns the number of attempts made
// and the last error.
func Do(ctx context.Context, policy Policy, retryable Classifier, fn func(context.Context) error) (int, error) {
	delay := policy.InitialDelay
	attempts := 0
	for {
		attempts++
		err := runAttempt(ctx, policy.AttemptTimeout, fn)
		if err == nil {
			return attempts, nil
		}
		if attempts > policy.Retries || retryable == nil || !retryable(err) {
			return attempts, err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, err
		case <-timer.C:
		}
		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
