package forwarder

import (
	"sync/atomic"
	"time"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed means exchanges are attempted normally
	StateClosed CircuitState = iota
	// StateOpen means exchanges fail fast
	StateOpen
	// StateHalfOpen means a few trial exchanges are let through
	StateHalfOpen
)

// String returns the string representation of the circuit state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards the upstream. Only errors for which isFault returns
// true move it towards open; other errors leave the counters untouched.
type CircuitBreaker struct {
	state           atomic.Int32
	failures        atomic.Int64 // consecutive faults
	successes       atomic.Int64 // consecutive successes while half-open
	lastStateChange atomic.Int64 // unix nanos
	halfOpenReqs    atomic.Int32

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	halfOpenMax      int32
	isFault          func(error) bool
	onStateChange    func(from, to CircuitState)
}

// NewCircuitBreaker creates a closed breaker. A nil isFault treats every
// error as a fault.
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration, isFault func(error) bool) *CircuitBreaker {
	if isFault == nil {
		isFault = func(error) bool { return true }
	}
	cb := &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		halfOpenMax:      3,
		isFault:          isFault,
	}
	cb.state.Store(int32(StateClosed))
	cb.lastStateChange.Store(time.Now().UnixNano())
	return cb
}

// OnStateChange registers fn to run once for every transition. It must be
// set before the breaker is shared between goroutines.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) {
	cb.onStateChange = fn
}

// transition moves the breaker from one state to another. Only the caller
// that wins the swap sees true and fires the hook.
func (cb *CircuitBreaker) transition(from, to CircuitState) bool {
	if !cb.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	cb.lastStateChange.Store(time.Now().UnixNano())
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
	return true
}

// Call runs fn unless the circuit is open.
func (cb *CircuitBreaker) Call(fn func() error) error {
	switch CircuitState(cb.state.Load()) {
	case StateOpen:
		if time.Since(time.Unix(0, cb.lastStateChange.Load())) <= cb.openTimeout {
			return ErrCircuitOpen
		}
		if cb.transition(StateOpen, StateHalfOpen) {
			cb.successes.Store(0)
			cb.failures.Store(0)
			cb.halfOpenReqs.Store(0)
		}

	case StateHalfOpen:
		current := cb.halfOpenReqs.Add(1)
		defer cb.halfOpenReqs.Add(-1)
		if current > cb.halfOpenMax {
			return ErrCircuitOpen
		}
	}

	err := fn()
	switch {
	case err == nil:
		cb.onSuccess()
	case cb.isFault(err):
		cb.onFailure()
	}
	return err
}

func (cb *CircuitBreaker) onFailure() {
	failures := cb.failures.Add(1)

	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		if failures >= int64(cb.failureThreshold) {
			cb.transition(StateClosed, StateOpen)
		}

	case StateHalfOpen:
		if cb.transition(StateHalfOpen, StateOpen) {
			cb.failures.Store(0)
			cb.successes.Store(0)
		}
	}
}

func (cb *CircuitBreaker) onSuccess() {
	successes := cb.successes.Add(1)
	cb.failures.Store(0)

	if CircuitState(cb.state.Load()) == StateHalfOpen && successes >= int64(cb.successThreshold) {
		cb.transition(StateHalfOpen, StateClosed)
	}
}

// State returns the current circuit state
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Stats returns the consecutive failure and success counts.
func (cb *CircuitBreaker) Stats() (failures, successes int64, state CircuitState) {
	return cb.failures.Load(), cb.successes.Load(), cb.State()
}
