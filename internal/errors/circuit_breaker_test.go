package errors

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		if err := cb.Allow(); err != nil {
			t.Fatalf("request %d unexpectedly blocked: %v", i, err)
		}
		cb.Mark(boom)
	}

	if cb.State() != StateOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}
	if err := cb.Allow(); err == nil {
		t.Fatal("expected open breaker to block requests")
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          time.Millisecond,
	})

	cb.Mark(errors.New("boom"))
	if cb.State() != StateOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}

	time.Sleep(5 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected half-open probe to be allowed: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open state, got %s", cb.State())
	}

	cb.Mark(nil)
	cb.Mark(nil)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed state after recovery, got %s", cb.State())
	}
}

func TestCircuitBreakerFailureResetOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 2})

	cb.Mark(errors.New("boom"))
	cb.Mark(nil)
	cb.Mark(errors.New("boom"))

	if cb.State() != StateClosed {
		t.Fatalf("expected non-consecutive failures to keep the breaker closed, got %s", cb.State())
	}
}
