package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

type nonRetryableErr struct{ msg string }

func (e nonRetryableErr) Error() string  { return e.msg }
func (e nonRetryableErr) Retryable() bool { return false }

func TestRetry_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{}, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetry_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	cfg := RetryConfig{BaseDelay: time.Millisecond, MaxAttempts: 3}
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	cfg := RetryConfig{BaseDelay: time.Millisecond, MaxAttempts: 5}
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return nonRetryableErr{"bad input"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetry_ExhaustsMaxAttempts(t *testing.T) {
	calls := 0
	cfg := RetryConfig{BaseDelay: time.Millisecond, MaxAttempts: 3}
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Retry(ctx, RetryConfig{}, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err == nil {
		t.Fatal("expected context error")
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want 0", calls)
	}
}
