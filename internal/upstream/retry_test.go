package upstream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_StopsWhenNotRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	_, err := retry(context.Background(), 5, ExponentialBackoff(time.Microsecond),
		func(err error) bool { return false },
		func(context.Context) (int, error) {
			calls++
			return 0, permanent
		})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected single attempt, got %d", calls)
	}
}

func TestRetry_BoundedAttempts(t *testing.T) {
	transient := errors.New("transient")
	calls := 0
	_, err := retry(context.Background(), 3, ExponentialBackoff(time.Microsecond),
		func(err error) bool { return true },
		func(context.Context) (int, error) {
			calls++
			return 0, transient
		})
	if !errors.Is(err, transient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetry_SucceedsMidway(t *testing.T) {
	calls := 0
	out, err := retry(context.Background(), 4, ExponentialBackoff(time.Microsecond),
		func(err error) bool { return true },
		func(context.Context) (int, error) {
			calls++
			if calls < 2 {
				return 0, errors.New("flaky")
			}
			return 42, nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != 42 || calls != 2 {
		t.Fatalf("expected 42 after 2 calls, got %d after %d", out, calls)
	}
}

func TestRetry_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := retry(ctx, 10, func(int) time.Duration { return time.Hour },
		func(err error) bool { return true },
		func(context.Context) (int, error) {
			calls++
			return 0, errors.New("flaky")
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt before cancelled wait, got %d", calls)
	}
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(100 * time.Millisecond)
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, w := range want {
		if got := b(i + 1); got != w {
			t.Fatalf("attempt %d: got %s, want %s", i+1, got, w)
		}
	}
}
