package invoker

import (
	"testing"
	"time"

	"github.com/pitabwire/officeflow/internal/config"
)

// newTestBreaker returns a breaker whose clock is driven by the test.
func newTestBreaker(cfg config.CircuitBreakerConfig, changes *[]BreakerState) (*CircuitBreaker, *time.Time) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(cfg, func(s BreakerState) {
		if changes != nil {
			*changes = append(*changes, s)
		}
	})
	cb.now = func() time.Time { return now }
	cb.windowStart = now
	return cb, &now
}

func TestCircuitBreaker_startsClosed(t *testing.T) {
	cb, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3}, nil)

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil", err)
	}
}

func TestCircuitBreaker_opensAfterThreshold(t *testing.T) {
	var changes []BreakerState
	cb, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3}, &changes)

	cb.RecordFailure()
	cb.RecordFailure()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	if err := cb.Allow(); err != ErrBreakerOpen {
		t.Errorf("Allow() = %v, want ErrBreakerOpen", err)
	}
	if len(changes) != 1 || changes[0] != BreakerOpen {
		t.Errorf("changes = %v, want [open]", changes)
	}
}

func TestCircuitBreaker_successResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3}, nil)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed", s)
	}
}

func TestCircuitBreaker_halfOpenRecovery(t *testing.T) {
	var changes []BreakerState
	cb, now := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
	}, &changes)

	cb.RecordFailure()
	*now = now.Add(11 * time.Second)

	if s := cb.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", s)
	}
	cb.RecordSuccess()
	cb.RecordSuccess()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed", s)
	}

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("changes[%d] = %v, want %v", i, changes[i], want[i])
		}
	}
}

func TestCircuitBreaker_halfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          time.Second,
	}, nil)

	cb.RecordFailure()
	*now = now.Add(2 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() in half-open = %v, want nil", err)
	}
	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open", s)
	}
}

func TestCircuitBreaker_errorRate(t *testing.T) {
	cb, _ := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	}, nil)

	for i := 0; i < 5; i++ {
		cb.RecordSuccess()
	}
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	if s := cb.State(); s != BreakerClosed {
		t.Fatalf("state with 9 samples = %v, want closed", s)
	}
	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state at 50%% error rate = %v, want open", s)
	}
}
