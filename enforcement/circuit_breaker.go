package enforcement

import (
	"sync"
	"time"
)

// BreakerState is the lifecycle state of a CircuitBreaker.
type BreakerState int

const (
	// Closed allows all requests through.
	Closed BreakerState = iota
	// Open fails all requests fast without attempting them.
	Open
	// HalfOpen allows limited requests through to probe recovery.
	HalfOpen
)

// String renders the state the way the metrics and logs expect it.
func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker is a classic Closed/Open/HalfOpen state machine,
// complementing the rolling-window error-rate estimator that the gateway
// uses for its admit decision: this one gives callers an explicit,
// inspectable state and a cooldown-gated recovery probe.
type CircuitBreaker struct {
	failureThreshold uint32
	cooldown         time.Duration
	successThreshold uint32

	mu             sync.Mutex
	state          BreakerState
	failureCount   uint32
	successCount   uint32
	openedAt       time.Time
	lastTransition time.Time
}

// NewCircuitBreaker builds a breaker that opens after failureThreshold
// consecutive failures and probes recovery after cooldown elapses. The
// original implementation this is ported from fixes successThreshold at
// 3; callers here may configure it (see config.EnforcementConfig).
func NewCircuitBreaker(failureThreshold uint32, cooldown time.Duration) *CircuitBreaker {
	return NewCircuitBreakerWithSuccessThreshold(failureThreshold, cooldown, 3)
}

// NewCircuitBreakerWithSuccessThreshold is NewCircuitBreaker with an
// explicit HalfOpen success threshold.
func NewCircuitBreakerWithSuccessThreshold(failureThreshold uint32, cooldown time.Duration, successThreshold uint32) *CircuitBreaker {
	if successThreshold == 0 {
		successThreshold = 3
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		successThreshold: successThreshold,
		state:            Closed,
		lastTransition:   time.Now(),
	}
}

// IsRequestAllowed reports whether a request may proceed. In Open state,
// it also performs the cooldown-elapsed transition into HalfOpen.
func (b *CircuitBreaker) IsRequestAllowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if !b.openedAt.IsZero() && time.Since(b.openedAt) >= b.cooldown {
			b.state = HalfOpen
			b.successCount = 0
			b.lastTransition = time.Now()
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call. In Closed it resets the
// failure streak; in HalfOpen it counts toward closing the circuit.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
			b.openedAt = time.Time{}
			b.lastTransition = time.Now()
		}
	case Open:
		b.failureCount = 0
	}
}

// RecordFailure records a failed call. In Closed it may open the circuit
// once failureThreshold is reached; in HalfOpen any failure reopens it
// immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = Open
			b.openedAt = time.Now()
			b.lastTransition = time.Now()
		}
	case HalfOpen:
		b.state = Open
		b.failureCount = b.failureThreshold
		b.successCount = 0
		b.openedAt = time.Now()
		b.lastTransition = time.Now()
	case Open:
		// already open
	}
}

// State returns the breaker's current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive-failure count.
func (b *CircuitBreaker) FailureCount() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Reset forces the breaker back to Closed, clearing all counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.openedAt = time.Time{}
	b.lastTransition = time.Now()
}

// TimeUntilHalfOpen returns the remaining cooldown before the breaker
// will allow a recovery probe, or false if it isn't Open.
func (b *CircuitBreaker) TimeUntilHalfOpen() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return 0, false
	}
	if b.openedAt.IsZero() {
		return 0, false
	}
	elapsed := time.Since(b.openedAt)
	if elapsed < b.cooldown {
		return b.cooldown - elapsed, true
	}
	return 0, true
}
