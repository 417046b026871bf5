// Package ledger is the idempotency and state-machine core of the engine.
//
// It creates at most one execution per (area, external event id) and owns
// every status transition. The state machine is
//
//	pending -> running -> {success, failed, skipped}
//
// with skipped also reachable directly from pending. Terminal rows are
// immutable; retries increment retry_count on a non-terminal row.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/area-engine/internal/domain"
)

// ErrDuplicateExecution is returned by Store.InsertExecution when the
// (area_id, external_event_id) unique constraint is violated.
var ErrDuplicateExecution = errors.New("execution already exists")

// ErrNotPending is returned by MarkStarted when the execution is not in
// pending state. Losing the pending->running race is expected under
// concurrent dispatch and callers must stop processing the row.
var ErrNotPending = errors.New("execution is not pending")

// ErrTerminalTransition is returned when a terminal transition targets an
// already-terminal execution. This indicates a dedup or locking bug and
// must never be silently swallowed.
var ErrTerminalTransition = errors.New("execution already in terminal state")

// ErrExecutionNotFound is returned when the execution id is unknown.
var ErrExecutionNotFound = errors.New("execution not found")

// Store is the persistence boundary for the ledger. The insert must rely
// on a storage-level unique constraint for (area_id, external_event_id),
// with empty event ids exempt from it, and every conditional update must
// be atomic (single compare-and-set statement, not read-then-write).
type Store interface {
	InsertExecution(ctx context.Context, exec domain.Execution) error
	GetExecution(ctx context.Context, id uuid.UUID) (domain.Execution, error)
	FindExecutionByEvent(ctx context.Context, areaID uuid.UUID, externalEventID string) (domain.Execution, error)

	// StartExecution atomically moves pending->running and sets started_at
	// if unset. Returns false when the row was not pending.
	StartExecution(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// CompleteExecution atomically moves a non-terminal row to the given
	// terminal status and sets completed_at once. Returns false when the
	// row was already terminal.
	CompleteExecution(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, result map[string]any, errMsg string, at time.Time) (bool, error)

	// IncrementRetry bumps retry_count on a non-terminal row and returns
	// the new count.
	IncrementRetry(ctx context.Context, id uuid.UUID) (int, error)

	// RequeueExecution atomically moves running->pending for a fresh
	// attempt, bumping retry_count. Returns false when the row was not
	// running.
	RequeueExecution(ctx context.Context, id uuid.UUID) (bool, error)
}

// MetricsSink records ledger metrics. Fire-and-forget.
type MetricsSink interface {
	SubmitAccepted(isNew bool)
	ExecutionLatencyObserve(latencySeconds float64)
}

type Ledger struct {
	store   Store
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{
		store: store,
		clock: time.Now,
	}
}

// WithMetrics attaches a metrics sink to the ledger.
func (l *Ledger) WithMetrics(sink MetricsSink) *Ledger {
	l.metrics = sink
	return l
}

// Submit records a candidate trigger observation. When externalEventID is
// non-empty and an execution already exists for (areaID, externalEventID),
// the existing row is returned with isNew=false and nothing else happens;
// the insert-or-lose race between concurrent submitters is closed by the
// store's unique constraint, and the loser observes the winner's row.
// An empty externalEventID always creates a new row (pure time triggers
// have no cross-event dedup).
func (l *Ledger) Submit(ctx context.Context, areaID uuid.UUID, externalEventID string, payload map[string]any) (domain.Execution, bool, error) {
	now := l.clock().UTC()

	exec := domain.Execution{
		ID:              uuid.New(),
		AreaID:          areaID,
		ExternalEventID: externalEventID,
		TriggerPayload:  payload,
		Status:          domain.ExecutionStatusPending,
		CreatedAt:       now,
	}

	err := l.store.InsertExecution(ctx, exec)
	if err == nil {
		if l.metrics != nil {
			l.metrics.SubmitAccepted(true)
		}
		return exec, true, nil
	}

	if externalEventID != "" && errors.Is(err, ErrDuplicateExecution) {
		existing, findErr := l.store.FindExecutionByEvent(ctx, areaID, externalEventID)
		if findErr != nil {
			return domain.Execution{}, false, fmt.Errorf("find duplicate execution: %w", findErr)
		}
		if l.metrics != nil {
			l.metrics.SubmitAccepted(false)
		}
		return existing, false, nil
	}

	return domain.Execution{}, false, fmt.Errorf("insert execution: %w", err)
}

// Get returns the execution by id.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (domain.Execution, error) {
	return l.store.GetExecution(ctx, id)
}

// MarkStarted moves pending->running and sets started_at on the first
// transition. A non-pending row is a no-op: the guard is what prevents two
// workers from dispatching the same execution, so losing it is logged and
// reported as ErrNotPending rather than treated as a failure.
func (l *Ledger) MarkStarted(ctx context.Context, id uuid.UUID) error {
	ok, err := l.store.StartExecution(ctx, id, l.clock().UTC())
	if err != nil {
		return fmt.Errorf("start execution: %w", err)
	}
	if !ok {
		log.Printf("ledger: execution=%s not pending, skipping start", id)
		return ErrNotPending
	}
	return nil
}

// MarkSuccess moves the execution to success and records the result.
func (l *Ledger) MarkSuccess(ctx context.Context, id uuid.UUID, result map[string]any) error {
	return l.complete(ctx, id, domain.ExecutionStatusSuccess, result, "")
}

// MarkFailed moves the execution to failed and records the error message.
func (l *Ledger) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return l.complete(ctx, id, domain.ExecutionStatusFailed, nil, errMsg)
}

// MarkSkipped moves the execution to skipped. Skips reflect correct
// behavior given current state (paused area, unmet precondition), not
// failures.
func (l *Ledger) MarkSkipped(ctx context.Context, id uuid.UUID, reason string) error {
	return l.complete(ctx, id, domain.ExecutionStatusSkipped, nil, reason)
}

func (l *Ledger) complete(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, result map[string]any, errMsg string) error {
	now := l.clock().UTC()

	ok, err := l.store.CompleteExecution(ctx, id, status, result, errMsg, now)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	if !ok {
		// Zero rows means either the row is terminal or it never existed.
		if _, getErr := l.store.GetExecution(ctx, id); errors.Is(getErr, ErrExecutionNotFound) {
			return fmt.Errorf("mark %s on execution %s: %w", status, id, ErrExecutionNotFound)
		}
		// Terminal transition on a terminal row indicates a dedup or
		// locking bug upstream. Surface it loudly.
		return fmt.Errorf("mark %s on execution %s: %w", status, id, ErrTerminalTransition)
	}

	if l.metrics != nil {
		if exec, getErr := l.store.GetExecution(ctx, id); getErr == nil {
			if d, defined := exec.Duration(); defined {
				l.metrics.ExecutionLatencyObserve(d.Seconds())
			}
		}
	}
	return nil
}

// IncrementRetry bumps retry_count in place; the row must not be terminal.
func (l *Ledger) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	return l.store.IncrementRetry(ctx, id)
}

// RequeueForRetry moves a running execution back to pending for a fresh
// attempt, bumping retry_count. Used by the watchdog sweep for stale
// running rows. Returns false when the row is no longer running.
func (l *Ledger) RequeueForRetry(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := l.store.RequeueExecution(ctx, id)
	if err != nil {
		return false, fmt.Errorf("requeue execution: %w", err)
	}
	return ok, nil
}
