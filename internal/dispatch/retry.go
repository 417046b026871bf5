package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Policy bounds the retry behavior of a single execution. Attempts are
// counted across the whole life of the execution, so an execution requeued
// by the watchdog resumes at its persisted retry count instead of getting
// a fresh budget.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var DefaultPolicy = Policy{
	MaxAttempts: 4,
	BaseDelay:   30 * time.Second,
	MaxDelay:    10 * time.Minute,
}

// Delay returns the backoff before the given attempt (2-based: the first
// attempt has no delay). Exponential doubling capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.BaseDelay
	for i := 2; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// MaxRetryDuration returns the worst-case wall time one execution spends
// waiting in backoff. Watchdog thresholds must exceed this so an execution
// still inside its in-line retry window is never mistaken for stalled.
func (p Policy) MaxRetryDuration() time.Duration {
	var total time.Duration
	for attempt := 2; attempt <= p.MaxAttempts; attempt++ {
		total += p.Delay(attempt)
	}
	return total
}

// areaHealth counts consecutive configuration failures per area. Once an
// area keeps failing on its own config the engine stops burning attempts
// on it and flags the area instead.
type areaHealth struct {
	mu        sync.Mutex
	strikes   map[uuid.UUID]int
	threshold int
}

func newAreaHealth(threshold int) *areaHealth {
	return &areaHealth{
		strikes:   make(map[uuid.UUID]int),
		threshold: threshold,
	}
}

// recordConfigFailure returns true when the area crossed the threshold and
// should be moved to error status.
func (h *areaHealth) recordConfigFailure(areaID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.strikes[areaID]++
	if h.strikes[areaID] >= h.threshold {
		delete(h.strikes, areaID)
		return true
	}
	return false
}

func (h *areaHealth) reset(areaID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.strikes, areaID)
}
