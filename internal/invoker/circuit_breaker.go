package invoker

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/officeflow/internal/config"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all requests through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets trial requests through.
	BreakerHalfOpen
	// BreakerOpen rejects all requests immediately.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// minErrorRateSamples is the minimum number of calls in a window before the
// error rate threshold is evaluated.
const minErrorRateSamples = 10

// CircuitBreaker trips on consecutive failures or on the error rate within a
// tumbling window. It is safe for concurrent use.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	timeout          time.Duration

	errorRateThreshold float64
	errorRateWindow    time.Duration
	windowStart        time.Time
	windowTotal        int
	windowFailures     int

	onChange func(BreakerState)
	now      func() time.Time
}

// NewCircuitBreaker creates a breaker from configuration. onChange, when
// non-nil, is called with the new state after every transition.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig, onChange func(BreakerState)) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:              BreakerClosed,
		failureThreshold:   cfg.FailureThreshold,
		successThreshold:   cfg.SuccessThreshold,
		timeout:            cfg.Timeout,
		errorRateThreshold: cfg.ErrorRateThreshold,
		errorRateWindow:    cfg.ErrorRateWindow,
		onChange:           onChange,
		now:                time.Now,
	}
	if cb.failureThreshold < 1 {
		cb.failureThreshold = 5
	}
	if cb.successThreshold < 1 {
		cb.successThreshold = 2
	}
	if cb.timeout <= 0 {
		cb.timeout = 30 * time.Second
	}
	cb.windowStart = cb.now()
	return cb
}

// Allow returns nil when a call may proceed, ErrBreakerOpen otherwise.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpen()
	if cb.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.countWindow(false)
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transition(BreakerClosed)
		}
	}
}

// RecordFailure records an infrastructure failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.countWindow(true)
		if cb.failures >= cb.failureThreshold || cb.errorRateExceeded() {
			cb.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.transition(BreakerOpen)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// maybeHalfOpen moves an expired open breaker to half-open. Lock held.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.timeout {
		cb.transition(BreakerHalfOpen)
	}
}

// transition switches state and resets counters. Lock held.
func (cb *CircuitBreaker) transition(to BreakerState) {
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	if to == BreakerOpen {
		cb.openedAt = cb.now()
	}
	cb.windowStart = cb.now()
	cb.windowTotal = 0
	cb.windowFailures = 0
	if cb.onChange != nil {
		cb.onChange(to)
	}
}

// countWindow tracks a call in the tumbling window. Lock held.
func (cb *CircuitBreaker) countWindow(failed bool) {
	if cb.errorRateWindow <= 0 {
		return
	}
	if cb.now().Sub(cb.windowStart) > cb.errorRateWindow {
		cb.windowStart = cb.now()
		cb.windowTotal = 0
		cb.windowFailures = 0
	}
	cb.windowTotal++
	if failed {
		cb.windowFailures++
	}
}

// errorRateExceeded reports whether the window error rate crossed the
// threshold. Lock held.
func (cb *CircuitBreaker) errorRateExceeded() bool {
	if cb.errorRateThreshold <= 0 || cb.errorRateWindow <= 0 {
		return false
	}
	if cb.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(cb.windowFailures)/float64(cb.windowTotal) >= cb.errorRateThreshold
}
