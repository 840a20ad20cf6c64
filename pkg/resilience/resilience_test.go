package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	policy := NewRetryPolicy(3, time.Millisecond)
	calls := 0
	err := policy.Do(func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRetryPolicyExhaustsAttempts(t *testing.T) {
	policy := NewRetryPolicy(2, time.Millisecond)
	calls := 0
	wantErr := errors.New("still down")
	err := policy.Do(func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do = %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
}

func TestCircuitBreakerOpensOnRateLimit(t *testing.T) {
	breaker := NewCircuitBreaker(2, time.Minute)
	if !breaker.Allow() {
		t.Fatal("new breaker should allow")
	}

	rl := RateLimitError{Provider: "backend", Message: "429"}
	breaker.OnError(rl)
	if !breaker.Allow() {
		t.Fatal("breaker open below threshold")
	}
	breaker.OnError(rl)
	if breaker.Allow() {
		t.Fatal("breaker still allows after threshold")
	}

	breaker.OnSuccess()
	if !breaker.Allow() {
		t.Fatal("breaker did not reset on success")
	}
}

func TestCircuitBreakerIgnoresOtherErrors(t *testing.T) {
	breaker := NewCircuitBreaker(1, time.Minute)
	breaker.OnError(errors.New("timeout"))
	breaker.OnError(errors.New("timeout"))
	if !breaker.Allow() {
		t.Fatal("non-rate-limit errors should not open the breaker")
	}
}

func TestIsRateLimit(t *testing.T) {
	if !IsRateLimit(RateLimitError{}) {
		t.Fatal("IsRateLimit(RateLimitError{}) = false")
	}
	if IsRateLimit(errors.New("429")) {
		t.Fatal("plain error misclassified as rate limit")
	}
}
