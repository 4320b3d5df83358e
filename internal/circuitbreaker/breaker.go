// Package circuitbreaker stops calling an endpoint after repeated failures
// and lets a single probe through once a cooldown has elapsed.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state for one key.
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
		return "half_open"
	default:
		return "unknown"
	}
}

type keyState struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

// CircuitBreaker tracks state per key, typically an endpoint URL.
type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*keyState
	threshold int
	cooldown  time.Duration

	now          func() time.Time
	onTransition func(key string, from, to State)
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		states:    make(map[string]*keyState),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock replaces the clock used for cooldowns.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// OnTransition registers fn to be called, under the breaker lock, on every
// state change. fn must not call back into the breaker.
func (cb *CircuitBreaker) OnTransition(fn func(key string, from, to State)) *CircuitBreaker {
	cb.onTransition = fn
	return cb
}

// Allow returns ErrCircuitOpen if calls to key should not be attempted.
// After the cooldown exactly one caller is let through as a probe.
func (cb *CircuitBreaker) Allow(key string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return nil
	}

	switch s.state {
	case StateOpen:
		if cb.now().Sub(s.openedAt) >= cb.cooldown {
			cb.transition(key, s, StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return
	}
	s.consecutiveFailures = 0
	cb.transition(key, s, StateClosed)
}

func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		s = &keyState{}
		cb.states[key] = s
	}

	s.consecutiveFailures++
	// A failed probe reopens immediately.
	if s.state == StateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.openedAt = cb.now()
		cb.transition(key, s, StateOpen)
	}
}

// Abandon gives up a half-open trial call that ended without an answer from
// the provider. The cooldown is not restarted, so the next Allow lets a new
// trial through. In any other state it does nothing.
func (cb *CircuitBreaker) Abandon(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok || s.state != StateHalfOpen {
		return
	}
	cb.transition(key, s, StateOpen)
}

// State reports the current state for key.
func (cb *CircuitBreaker) State(key string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if s, ok := cb.states[key]; ok {
		return s.state
	}
	return StateClosed
}

func (cb *CircuitBreaker) transition(key string, s *keyState, to State) {
	from := s.state
	s.state = to
	if from != to && cb.onTransition != nil {
		cb.onTransition(key, from, to)
	}
}
