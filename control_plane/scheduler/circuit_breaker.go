package scheduler

import (
	"sync"
	"time"

	"github.com/itskum47/accountforge/control_plane/clock"
	"github.com/itskum47/accountforge/control_plane/observability"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitHalfOpen                     // Testing recovery
	CircuitOpen                         // Rejecting new actions
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards submission against a runaway backlog.
type CircuitBreaker struct {
	state CircuitState
	mu    sync.RWMutex
	clock clock.Clock

	queueThreshold      int
	saturationThreshold float64
	cooldownPeriod      time.Duration

	openedAt  time.Time
	testCount int // admissions granted while half-open
	testLimit int
}

// NewCircuitBreaker creates a new circuit breaker with production defaults.
func NewCircuitBreaker(queueThreshold int, c clock.Clock) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:               CircuitClosed,
		clock:               clock.OrReal(c),
		queueThreshold:      queueThreshold,
		saturationThreshold: 0.95,
		cooldownPeriod:      30 * time.Second,
		testLimit:           5,
	}
	cb.publish()
	return cb
}

// ShouldAdmit reports whether a new action may be accepted. Saturation
// only opens the circuit together with a queue at least half the threshold:
// busy workers with a short queue are healthy.
func (cb *CircuitBreaker) ShouldAdmit(queueDepth int, workerSaturation float64) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	defer cb.publish()

	if cb.state == CircuitOpen && cb.clock.Now().Sub(cb.openedAt) > cb.cooldownPeriod {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
	}

	if cb.state == CircuitHalfOpen {
		if cb.testCount < cb.testLimit {
			cb.testCount++
			return true
		}
		if queueDepth < cb.queueThreshold/2 && workerSaturation < cb.saturationThreshold {
			cb.state = CircuitClosed
			return true
		}
		return false
	}

	overloaded := queueDepth >= cb.queueThreshold ||
		(workerSaturation > cb.saturationThreshold && queueDepth >= cb.queueThreshold/2)
	if overloaded {
		cb.state = CircuitOpen
		cb.openedAt = cb.clock.Now()
		return false
	}
	return cb.state == CircuitClosed
}

// RecordSuccess notes a completed execution; enough of them while
// half-open close the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen && cb.testCount >= cb.testLimit {
		cb.state = CircuitClosed
		cb.publish()
	}
}

// RecordFailure notes an execution that ran out of time. While half-open
// it re-opens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = cb.clock.Now()
		cb.testCount = 0
		cb.publish()
	}
}

// GetState returns the current circuit state (thread-safe).
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *CircuitBreaker) publish() {
	for _, s := range []CircuitState{CircuitClosed, CircuitHalfOpen, CircuitOpen} {
		v := 0.0
		if s == cb.state {
			v = 1
		}
		observability.SchedulerCircuitState.WithLabelValues(s.String()).Set(v)
	}
}
