package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errTransient = errors.New("connection reset")
	errPermanent = errors.New("bad request")
)

func isTransient(err error) bool {
	return errors.Is(err, errTransient) || errors.Is(err, context.DeadlineExceeded)
}

func TestDoStopsAfterRetries(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), Policy{Retries: 2, InitialDelay: time.Millisecond}, isTransient, func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("expected 3 attempts, got %d (calls %d)", attempts, calls)
	}
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	attempts, err := Do(context.Background(), Policy{Retries: 5, InitialDelay: time.Millisecond}, isTransient, func(context.Context) error {
		return errPermanent
	})
	if !errors.Is(err, errPermanent) || attempts != 1 {
		t.Fatalf("expected single permanent failure, got %d attempts and %v", attempts, err)
	}
}

func TestDoSucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), Policy{Retries: 2, InitialDelay: time.Millisecond}, isTransient, func(context.Context) error {
		calls++
		if calls == 1 {
			return errTransient
		}
		return nil
	})
	if err != nil || attempts != 2 {
		t.Fatalf("expected success on second attempt, got %d attempts and %v", attempts, err)
	}
}

func TestDoZeroRetriesMakesOneAttempt(t *testing.T) {
	attempts, err := Do(context.Background(), Policy{}, isTransient, func(context.Context) error {
		return errTransient
	})
	if attempts != 1 || err == nil {
		t.Fatalf("expected one failed attempt, got %d and %v", attempts, err)
	}
}

func TestDoAppliesAttemptTimeout(t *testing.T) {
	policy := Policy{Retries: 1, InitialDelay: time.Millisecond, AttemptTimeout: 10 * time.Millisecond}
	attempts, err := Do(context.Background(), policy, isTransient, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) || attempts != 2 {
		t.Fatalf("expected two timed out attempts, got %d and %v", attempts, err)
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	attempts, err := Do(ctx, Policy{Retries: 10, InitialDelay: time.Hour}, isTransient, func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	if attempts != 1 || calls != 1 || !errors.Is(err, errTransient) {
		t.Fatalf("expected cancellation to stop retries, got %d attempts and %v", attempts, err)
	}
}
