package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	rcerrors "github.com/cmatc13/rollupcore/pkg/errors"
)

func TestRetryPolicy_Do_SucceedsAfterRetries(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 5}, nil, nil)

	attempts := 0
	err := rp.Do(context.Background(), "dep", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return retriableErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryPolicy_Do_NonRetriableReturnsImmediately(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{Initial: time.Millisecond, MaxAttempts: 5}, nil, nil)

	attempts := 0
	wantErr := rcerrors.WrapWithKind(errors.New("bad request"), rcerrors.KindValidation)
	err := rp.Do(context.Background(), "dep", func(ctx context.Context) error {
		attempts++
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("Do error = %v, want %v", err, wantErr)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 for a non-retriable error", attempts)
	}
}

func TestRetryPolicy_Do_ExhaustsMaxAttempts(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3}, nil, nil)

	attempts := 0
	err := rp.Do(context.Background(), "dep", func(ctx context.Context) error {
		attempts++
		return retriableErr()
	})
	if err == nil {
		t.Fatal("Do should return the last error once attempts are exhausted")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want MaxAttempts (3)", attempts)
	}
}

func TestRetryPolicy_Do_RespectsContextCancellation(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{Initial: 50 * time.Millisecond, MaxAttempts: 5}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := rp.Do(ctx, "dep", func(ctx context.Context) error {
		attempts++
		return retriableErr()
	})
	if err != context.Canceled {
		t.Fatalf("Do error = %v, want context.Canceled", err)
	}
	if attempts >= 5 {
		t.Errorf("attempts = %d, should have stopped early on cancellation", attempts)
	}
}

func TestRetryPolicy_Delay_BoundedByMax(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{Initial: time.Second, Factor: 10, Max: 2 * time.Second, Jitter: 0.5}, nil, nil)

	d := rp.Delay(5)
	if d > 3*time.Second {
		t.Errorf("Delay(5) = %v, want bounded near Max (2s) plus jitter", d)
	}
}

func TestRetryPolicy_DoWithBreaker_OpenBreakerShortCircuits(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "dep", FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}, nil, nil)
	cb.Record(retriableErr())
	if cb.CurrentState() != Open {
		t.Fatalf("breaker state = %v, want Open", cb.CurrentState())
	}

	rp := NewRetryPolicy(RetryConfig{Initial: time.Millisecond, MaxAttempts: 2}, nil, nil)
	calls := 0
	err := rp.DoWithBreaker(context.Background(), cb, "dep", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != ErrOpen {
		t.Fatalf("DoWithBreaker error = %v, want ErrOpen", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0 since the breaker was already open", calls)
	}
}
