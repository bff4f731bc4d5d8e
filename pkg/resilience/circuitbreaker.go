package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/fenwick-labs/ratelimitd/pkg/errors"
)

// ErrCircuitOpen is returned when the circuit is open and a request is
// rejected without attempting the underlying operation.
var ErrCircuitOpen = errors.Conflict("circuit breaker is open", nil)

// ErrTooManyRequests is returned when the half-open trial budget is
// exhausted for the current probe window.
var ErrTooManyRequests = errors.Conflict("too many requests in half-open state", nil)

// CircuitBreaker implements the closed/open/half-open state machine
// described by CircuitBreakerConfig, executing an Executor under
// protection.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu            sync.RWMutex
	state         State
	failures      int64
	successes     int64
	lastFailure   time.Time
	halfOpenCount int64

	maxHalfOpenRequests int64
}

// NewCircuitBreaker builds a CircuitBreaker from cfg, filling in defaults
// matching DefaultCircuitBreakerConfig for any zero-valued field.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		cfg:                 cfg,
		state:               StateClosed,
		maxHalfOpenRequests: cfg.SuccessThreshold,
	}
}

// Execute runs fn under circuit breaker protection, translating a rejected
// call into ErrCircuitOpen/ErrTooManyRequests.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn Executor) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(cb.lastFailure) > cb.cfg.Timeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenCount = 1
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		if cb.halfOpenCount >= cb.maxHalfOpenRequests {
			return ErrTooManyRequests
		}
		cb.halfOpenCount++
		return nil
	}

	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if success {
			cb.failures = 0
			return
		}
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.setState(StateOpen)
		}

	case StateHalfOpen:
		if success {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.setState(StateClosed)
			}
			return
		}
		cb.setState(StateOpen)
	}
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}

	from := cb.state
	cb.state = state
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenCount = 0

	if state == StateOpen {
		cb.lastFailure = time.Now()
	}

	if cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(cb.cfg.Name, from, state)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// CircuitBreakerMetrics reports a point-in-time snapshot of breaker counters.
type CircuitBreakerMetrics struct {
	State       State
	Failures    int64
	Successes   int64
	LastFailure time.Time
}

// Metrics returns a snapshot of the breaker's current counters.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return CircuitBreakerMetrics{
		State:       cb.state,
		Failures:    cb.failures,
		Successes:   cb.successes,
		LastFailure: cb.lastFailure,
	}
}

// ForceOpen forces the circuit into the open state, e.g. for an operator
// kill switch.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateOpen)
}

// ForceClose forces the circuit back to the closed state.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
}
