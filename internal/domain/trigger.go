package domain

import (
	"time"

	"github.com/google/uuid"
)

// TriggerEvent is a candidate trigger observation produced by intake
// (poller or push receiver) before ledger deduplication.
type TriggerEvent struct {
	AreaID          uuid.UUID
	ExternalEventID string
	Payload         map[string]any
	ObservedAt      time.Time
}

// DispatchTask is queued on the task bus for the dispatch workers once the
// ledger has accepted an execution.
type DispatchTask struct {
	ExecutionID uuid.UUID
	AreaID      uuid.UUID
	EnqueuedAt  time.Time
}
