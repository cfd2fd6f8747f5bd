// Package circuitbreaker gates payment initiation per payment method. When a
// method's provider keeps rejecting or timing out, the breaker opens and
// Initiate fails fast instead of queueing payers against a dead provider.
// Status checks are never gated; an open breaker must not abort an
// already-initiated payment.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of one method's circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes breaker behavior. Zero values fall back to defaults.
type Config struct {
	FailureThreshold         int           // consecutive failures to open the circuit
	OpenStateTimeout         time.Duration // time before Open transitions to HalfOpen
	HalfOpenSuccessThreshold int           // successes in HalfOpen to close the circuit
}

const (
	defaultFailureThreshold         = 5
	defaultOpenStateTimeout         = 30 * time.Second
	defaultHalfOpenSuccessThreshold = 2
)

type methodState struct {
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureTime      time.Time
	openUntil            time.Time
}

// CircuitBreaker tracks provider health per payment method in memory.
type CircuitBreaker struct {
	mu      sync.Mutex
	methods map[string]*methodState
	cfg     Config
}

// New creates a CircuitBreaker, applying defaults for zero Config fields.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.OpenStateTimeout <= 0 {
		cfg.OpenStateTimeout = defaultOpenStateTimeout
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = defaultHalfOpenSuccessThreshold
	}
	return &CircuitBreaker{
		methods: make(map[string]*methodState),
		cfg:     cfg,
	}
}

// getMethodState assumes cb.mu is held.
func (cb *CircuitBreaker) getMethodState(method string) *methodState {
	ms, ok := cb.methods[method]
	if !ok {
		ms = &methodState{state: Closed}
		cb.methods[method] = ms
	}
	return ms
}

// Allow reports whether an initiation for the method may proceed. An expired
// Open window transitions to HalfOpen and lets probe requests through.
func (cb *CircuitBreaker) Allow(method string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ms := cb.getMethodState(method)
	switch ms.state {
	case Closed:
		return true
	case Open:
		if time.Now().After(ms.openUntil) {
			ms.state = HalfOpen
			ms.consecutiveSuccesses = 0
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		ms.state = Closed
		return true
	}
}

// RecordFailure records a failed initiation for the method.
func (cb *CircuitBreaker) RecordFailure(method string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ms := cb.getMethodState(method)
	ms.lastFailureTime = time.Now()

	switch ms.state {
	case Closed:
		ms.consecutiveFailures++
		if ms.consecutiveFailures >= cb.cfg.FailureThreshold {
			ms.state = Open
			ms.openUntil = time.Now().Add(cb.cfg.OpenStateTimeout)
		}
	case HalfOpen:
		// Probe failed; re-open immediately.
		ms.state = Open
		ms.openUntil = time.Now().Add(cb.cfg.OpenStateTimeout)
		ms.consecutiveFailures = 0
		ms.consecutiveSuccesses = 0
	case Open:
		// Already open; the window is not extended.
	}
}

// RecordSuccess records a successful initiation for the method.
func (cb *CircuitBreaker) RecordSuccess(method string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ms := cb.getMethodState(method)
	switch ms.state {
	case Closed:
		ms.consecutiveFailures = 0
	case HalfOpen:
		ms.consecutiveSuccesses++
		if ms.consecutiveSuccesses >= cb.cfg.HalfOpenSuccessThreshold {
			ms.state = Closed
			ms.consecutiveFailures = 0
			ms.consecutiveSuccesses = 0
		}
	case Open:
		// Success while open only happens on a race; ignored.
	}
}

// GetState returns the current circuit state for monitoring. Read-only: it
// never performs the Open -> HalfOpen transition.
func (cb *CircuitBreaker) GetState(method string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	ms, ok := cb.methods[method]
	if !ok {
		return Closed
	}
	return ms.state
}
