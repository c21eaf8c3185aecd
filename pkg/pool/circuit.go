package pool

import "time"

// CircuitState is the failure-isolation state of one adapter.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker implements closed -> open -> half_open -> closed.
//
// The breaker opens after threshold consecutive failures. It stays open until
// stateChangeAt; the first State call after that instant moves it to
// half_open. There is no background timer. While half_open, probeSuccesses
// consecutive successes close it and any failure reopens it.
//
// CircuitBreaker is not safe for concurrent use; the owning adapter's mutex
// guards it.
type CircuitBreaker struct {
	state          CircuitState
	failures       int
	probes         int
	threshold      int
	probeSuccesses int
	cooldown       time.Duration
	stateChangeAt  time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold, probeSuccesses int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	if probeSuccesses < 1 {
		probeSuccesses = 1
	}
	return &CircuitBreaker{
		state:          CircuitClosed,
		threshold:      threshold,
		probeSuccesses: probeSuccesses,
		cooldown:       cooldown,
	}
}

// State returns the current state, promoting an expired open circuit to
// half_open as a side effect.
func (cb *CircuitBreaker) State(now time.Time) CircuitState {
	if cb.state == CircuitOpen && !now.Before(cb.stateChangeAt) {
		cb.state = CircuitHalfOpen
		cb.probes = 0
	}
	return cb.state
}

// Peek returns the state without promoting.
func (cb *CircuitBreaker) Peek() CircuitState { return cb.state }

// StateChangeAt is when an open circuit may be probed again.
func (cb *CircuitBreaker) StateChangeAt() time.Time { return cb.stateChangeAt }

// Success records a successful call.
func (cb *CircuitBreaker) Success() {
	cb.failures = 0
	if cb.state == CircuitHalfOpen {
		cb.probes++
		if cb.probes >= cb.probeSuccesses {
			cb.state = CircuitClosed
			cb.probes = 0
		}
	}
}

// Failure records a failed call and reports whether it opened the circuit.
func (cb *CircuitBreaker) Failure(now time.Time) bool {
	cb.failures++
	switch cb.state {
	case CircuitHalfOpen:
		cb.open(now)
		return true
	case CircuitClosed:
		if cb.failures >= cb.threshold {
			cb.open(now)
			return true
		}
	}
	return false
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.state = CircuitOpen
	cb.probes = 0
	cb.stateChangeAt = now.Add(cb.cooldown)
}
