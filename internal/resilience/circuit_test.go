package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("flood", CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: reset})
	cb.nowFunc = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker_ClosedAllows(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	if !cb.Allow() {
		t.Fatal("closed breaker should allow")
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	for i := 0; i < 3; i++ {
		cb.Record(Transient("flood", errors.New("503"), 503))
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}
	if cb.Allow() {
		t.Error("open breaker should reject")
	}
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)
	for i := 0; i < 5; i++ {
		cb.Record(Permanent("flood", errors.New("bad input"), 400))
	}
	if cb.State() != CircuitClosed {
		t.Errorf("permanent errors should not open the circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	cb.Record(Transient("flood", errors.New("x"), 503))
	cb.Record(Transient("flood", errors.New("x"), 503))
	cb.Record(nil)
	cb.Record(Transient("flood", errors.New("x"), 503))
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)
	cb.Record(Transient("flood", errors.New("x"), 503))
	if cb.Allow() {
		t.Fatal("should reject before reset timeout")
	}

	*now = now.Add(61 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("half-open should allow a probe")
	}
	cb.Record(nil)
	if cb.State() != CircuitClosed {
		t.Errorf("successful probe should close, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)
	cb.Record(Transient("flood", errors.New("x"), 503))
	*now = now.Add(2 * time.Minute)
	cb.Allow()
	cb.Record(Transient("flood", errors.New("x"), 503))
	if cb.Allow() {
		t.Error("failed probe should reopen the circuit")
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("epa", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(provider string, from, to CircuitState) {
			transitions = append(transitions, provider+":"+from.String()+"->"+to.String())
		},
	})
	cb.Record(Transient("epa", errors.New("x"), 500))
	cb.Reset()
	if len(transitions) != 2 || transitions[0] != "epa:closed->open" || transitions[1] != "epa:open->closed" {
		t.Errorf("unexpected transitions: %v", transitions)
	}
}

func TestProviderBreakers_GetIsStable(t *testing.T) {
	pb := NewProviderBreakers(DefaultCircuitBreakerConfig())

	var wg sync.WaitGroup
	got := make([]*CircuitBreaker, 20)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = pb.Get("wetlands")
		}(i)
	}
	wg.Wait()
	for _, cb := range got {
		if cb != got[0] {
			t.Fatal("expected the same breaker for the same provider")
		}
	}
	if states := pb.States(); states["wetlands"] != "closed" {
		t.Errorf("unexpected states: %v", states)
	}
}

func TestCircuitOpenError(t *testing.T) {
	err := CircuitOpenError("flood")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("expected ErrCircuitOpen in chain")
	}
	if !IsRetryable(err) {
		t.Error("an open circuit should be retryable later")
	}
}
