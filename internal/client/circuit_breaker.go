package client

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
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

// CircuitBreaker guards the downstream Flight sink. After maxFailures
// consecutive failures it opens and rejects publishes until the cooldown
// passes, then lets a single probe through. Safe for concurrent use.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	cooldown    time.Duration
	lastFailure time.Time
}

func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:       StateClosed,
		maxFailures: maxFailures,
		cooldown:    cooldown,
	}
}

// Allow reports whether a publish may proceed. An open breaker past its
// cooldown moves to half-open and admits the caller as a probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.cooldown {
			cb.setState(StateHalfOpen)
			return true
		}
		return false
	default:
		// Half-open carries exactly one probe, admitted by the transition
		// above; concurrent publishers stay rejected until it reports.
		return false
	}
}

// Success records a completed publish and closes the breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
	}
}

// Failure records a failed publish, opening the breaker when the limit is
// reached or a half-open probe fails.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// setState transitions the breaker; callers hold the lock.
func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}
	log.Warn().
		Stringer("from", cb.state).
		Stringer("to", next).
		Int("failures", cb.failures).
		Msg("Circuit breaker state change")
	cb.state = next
	breakerState.Set(float64(next))
}
