package domain

import (
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionStatusPending ExecutionStatus = "pending"
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
	ExecutionStatusSkipped ExecutionStatus = "skipped"
)

// Terminal reports whether the status is final. Terminal executions are
// never mutated again; further attempts increment RetryCount on a
// non-terminal row instead.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusSkipped:
		return true
	}
	return false
}

// DeadLetterPrefix marks the error message of executions routed to the
// dead-letter path for operator inspection.
const DeadLetterPrefix = "dead-letter: "

// Execution records one attempt at processing one triggering event of one
// area. The pair (AreaID, ExternalEventID) is unique whenever
// ExternalEventID is non-empty; that uniqueness is the sole idempotency
// guarantee of the engine.
type Execution struct {
	ID     uuid.UUID
	AreaID uuid.UUID

	// ExternalEventID is the provider-supplied stable event identifier.
	// Empty for purely time-based triggers, in which case dedup does not apply.
	ExternalEventID string

	TriggerPayload map[string]any

	Status     ExecutionStatus
	RetryCount int

	CreatedAt   time.Time
	StartedAt   *time.Time // set once, on the first running transition
	CompletedAt *time.Time // set once, on the terminal transition

	ResultPayload map[string]any
	ErrorMessage  string
}

// Duration returns the elapsed time between start and completion.
// Defined only once both timestamps are set.
func (e Execution) Duration() (time.Duration, bool) {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0, false
	}
	return e.CompletedAt.Sub(*e.StartedAt), true
}

// DeadLettered reports whether the execution was routed to the dead-letter
// path.
func (e Execution) DeadLettered() bool {
	return e.Status == ExecutionStatusFailed &&
		len(e.ErrorMessage) >= len(DeadLetterPrefix) &&
		e.ErrorMessage[:len(DeadLetterPrefix)] == DeadLetterPrefix
}
