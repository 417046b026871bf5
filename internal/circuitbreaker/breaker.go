// Package circuitbreaker protects external providers from hammering while
// they are down. State is tracked per reaction service: all reaction
// endpoints of one provider share fate, so one key per service is enough.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type serviceState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*serviceState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*serviceState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// Allow reports whether a call to the service may proceed. After the
// cooldown one probe call is let through (half-open); its outcome decides
// whether the circuit closes again.
func (cb *CircuitBreaker) Allow(service string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[service]
	if !ok {
		return nil
	}

	switch s.state {
	case stateClosed:
		return nil
	case stateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(service string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[service]
	if !ok {
		return
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

func (cb *CircuitBreaker) RecordFailure(service string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[service]
	if !ok {
		s = &serviceState{}
		cb.states[service] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = cb.clock()
	}
}

// Disabled is a breaker that never opens. Wired when breaking is turned
// off so callers keep a single code path.
type Disabled struct{}

func (Disabled) Allow(service string) error { return nil }
func (Disabled) RecordSuccess(service string) {}
func (Disabled) RecordFailure(service string) {}
