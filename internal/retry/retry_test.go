package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "guardian-bootstrap/internal/errors"
)

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, Interval: time.Millisecond}, func(attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	last := errors.New("still failing")
	err := Do(context.Background(), Policy{Attempts: 4, Interval: time.Millisecond}, func(int) error {
		calls++
		return last
	})
	if calls != 4 {
		t.Fatalf("expected exactly 4 calls, got %d", calls)
	}
	if xerrors.CodeOf(err) != xerrors.CodeRetriesExhausted {
		t.Fatalf("expected RETRIES_EXHAUSTED, got %v", err)
	}
	if !errors.Is(err, last) {
		t.Fatalf("expected the last error to be wrapped, got %v", err)
	}
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	cause := xerrors.New(xerrors.CodeConfiguration, "bad config")
	err := Do(context.Background(), Policy{Attempts: 5, Interval: time.Millisecond}, func(int) error {
		calls++
		return cause
	})
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
	if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}

	calls = 0
	err = Do(context.Background(), Policy{Attempts: 5, Interval: time.Millisecond}, func(int) error {
		calls++
		return Permanent(errors.New("give up"))
	})
	if calls != 1 || err == nil {
		t.Fatalf("expected one call and an error, got %d calls (%v)", calls, err)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 10, Interval: time.Hour}, func(int) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestZeroAttemptsMeansOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{}, func(int) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}
