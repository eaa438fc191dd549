package resilience

import (
	"errors"
	"testing"
	"time"

	rcerrors "github.com/cmatc13/rollupcore/pkg/errors"
)

func retriableErr() error {
	return rcerrors.WrapWithKind(errors.New("boom"), rcerrors.KindDependencyUnavailable)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "dep", FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: time.Hour}, nil, nil)

	for i := 0; i < 2; i++ {
		if !cb.Allow() {
			t.Fatalf("Allow() should be true before threshold (iteration %d)", i)
		}
		cb.Record(retriableErr())
	}
	if cb.CurrentState() != Closed {
		t.Fatalf("state = %v, want Closed before threshold reached", cb.CurrentState())
	}

	cb.Record(retriableErr())
	if cb.CurrentState() != Open {
		t.Fatalf("state = %v, want Open after threshold reached", cb.CurrentState())
	}
	if cb.Allow() {
		t.Error("Allow() should be false while Open and before reset timeout")
	}
}

func TestCircuitBreaker_HalfOpenRecoversToClose(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "dep", FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: time.Millisecond}, nil, nil)

	cb.Record(retriableErr())
	if cb.CurrentState() != Open {
		t.Fatalf("state = %v, want Open", cb.CurrentState())
	}

	time.Sleep(5 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("Allow() should transition Open -> HalfOpen once reset timeout elapses")
	}
	if cb.CurrentState() != HalfOpen {
		t.Fatalf("state = %v, want HalfOpen", cb.CurrentState())
	}

	cb.Record(nil)
	if cb.CurrentState() != HalfOpen {
		t.Fatalf("state = %v, want still HalfOpen after one success (threshold 2)", cb.CurrentState())
	}
	cb.Record(nil)
	if cb.CurrentState() != Closed {
		t.Fatalf("state = %v, want Closed after success threshold reached", cb.CurrentState())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "dep", FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: time.Millisecond}, nil, nil)
	cb.Record(retriableErr())
	time.Sleep(5 * time.Millisecond)
	cb.Allow()
	if cb.CurrentState() != HalfOpen {
		t.Fatalf("state = %v, want HalfOpen", cb.CurrentState())
	}

	cb.Record(retriableErr())
	if cb.CurrentState() != Open {
		t.Fatalf("state = %v, want Open after a HalfOpen failure", cb.CurrentState())
	}
}

func TestCircuitBreaker_Execute(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "dep", FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}, nil, nil)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute with a succeeding fn: %v", err)
	}

	if err := cb.Execute(func() error { return retriableErr() }); err == nil {
		t.Fatal("Execute should propagate the guarded call's error")
	}

	if err := cb.Execute(func() error { return nil }); err != ErrOpen {
		t.Fatalf("Execute on an open breaker = %v, want ErrOpen", err)
	}
}

func TestRegistry_GetIsIdempotentPerDependency(t *testing.T) {
	reg := NewRegistry(BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: time.Second}, nil, nil)
	a1 := reg.Get("settlement_chain")
	a2 := reg.Get("settlement_chain")
	if a1 != a2 {
		t.Error("Get should return the same breaker instance for the same dependency name")
	}
	b := reg.Get("hsm")
	if a1 == b {
		t.Error("Get should return distinct breakers for distinct dependency names")
	}

	snap := reg.Snapshot()
	if len(snap) != 2 {
		t.Errorf("Snapshot() len = %d, want 2", len(snap))
	}
}

func TestDefaultIsFailure(t *testing.T) {
	if DefaultIsFailure(nil) {
		t.Error("DefaultIsFailure(nil) should be false")
	}
	if !DefaultIsFailure(retriableErr()) {
		t.Error("DefaultIsFailure should treat a KindDependencyUnavailable error as a failure")
	}
	nonRetriable := rcerrors.WrapWithKind(errors.New("bad input"), rcerrors.KindValidation)
	if DefaultIsFailure(nonRetriable) {
		t.Error("DefaultIsFailure should not treat a KindValidation error as a failure")
	}
}
