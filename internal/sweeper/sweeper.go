// Package sweeper repairs executions that fell out of the normal dispatch
// path and enforces ledger retention.
//
// Three duties run on one periodic cycle:
//
//   - watchdog: executions stuck in running past the threshold (worker
//     crash, lost task) are requeued to pending for a fresh attempt, or
//     dead-lettered when the retry budget is already spent;
//   - orphan re-emit: pending executions that never reached a worker
//     (buffer overflow, crash between insert and emit) are re-emitted to
//     the task bus. Idempotency is guaranteed by the ledger's guards, a
//     duplicate task is a no-op;
//   - retention: terminal executions past their retention window are
//     deleted. Pending and running rows are never touched.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/djlord-it/area-engine/internal/dispatch"
	"github.com/djlord-it/area-engine/internal/domain"
	"github.com/djlord-it/area-engine/internal/ledger"
)

// SafetyMargin is added on top of the dispatcher's worst-case retry window
// when deriving the default watchdog threshold. An execution inside its
// in-line backoff must never be judged stalled.
const SafetyMargin = 5 * time.Minute

type Store interface {
	// ListStaleRunning returns running executions whose started_at is
	// before olderThan.
	ListStaleRunning(ctx context.Context, olderThan time.Time, limit int) ([]domain.Execution, error)

	// ListOrphanedPending returns pending executions whose created_at is
	// before olderThan.
	ListOrphanedPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Execution, error)

	// DeleteTerminalExecutionsBefore deletes executions in the given
	// terminal statuses completed before the cutoff and returns the count.
	DeleteTerminalExecutionsBefore(ctx context.Context, statuses []domain.ExecutionStatus, before time.Time) (int64, error)
}

// TaskEmitter re-emits dispatch tasks onto the task bus.
type TaskEmitter interface {
	Emit(ctx context.Context, task domain.DispatchTask) error
}

// MetricsSink records sweep metrics. Fire-and-forget.
type MetricsSink interface {
	SweepRequeued(count int)
	SweepDeadLettered(count int)
	SweepReemitted(count int)
	SweepPurged(status string, count int64)
}

type Config struct {
	// Interval is how often the sweep cycle runs.
	Interval time.Duration

	// RunningThreshold is the age past which a running execution is
	// considered stalled. Must exceed the dispatcher's worst-case retry
	// window.
	RunningThreshold time.Duration

	// PendingThreshold is the age past which a pending execution is
	// considered orphaned.
	PendingThreshold time.Duration

	// BatchSize is the maximum number of rows per duty per cycle.
	BatchSize int

	// MaxAttempts mirrors the dispatcher's retry budget; stalled
	// executions at or past it are dead-lettered instead of requeued.
	MaxAttempts int

	// SuccessRetention and FailureRetention bound how long terminal rows
	// are kept. Failed rows (dead letters included) are kept longer for
	// operator inspection.
	SuccessRetention time.Duration
	FailureRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:         5 * time.Minute,
		RunningThreshold: dispatch.DefaultPolicy.MaxRetryDuration() + SafetyMargin,
		PendingThreshold: 10 * time.Minute,
		BatchSize:        100,
		MaxAttempts:      dispatch.DefaultPolicy.MaxAttempts,
		SuccessRetention: 7 * 24 * time.Hour,
		FailureRetention: 30 * 24 * time.Hour,
	}
}

type Sweeper struct {
	config  Config
	store   Store
	ledger  *ledger.Ledger
	emitter TaskEmitter
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

func New(config Config, store Store, led *ledger.Ledger, emitter TaskEmitter) *Sweeper {
	return &Sweeper{
		config:  config,
		store:   store,
		ledger:  led,
		emitter: emitter,
		clock:   time.Now,
	}
}

// WithMetrics attaches a metrics sink to the sweeper.
func (s *Sweeper) WithMetrics(sink MetricsSink) *Sweeper {
	s.metrics = sink
	return s
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	log.Printf("sweeper: started (interval=%s, running_threshold=%s, pending_threshold=%s, batch=%d)",
		s.config.Interval, s.config.RunningThreshold, s.config.PendingThreshold, s.config.BatchSize)

	// Run immediately on startup, then on ticker
	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("sweeper: stopped")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Sweeper) runCycle(ctx context.Context) {
	s.recoverStaleRunning(ctx)
	s.reemitOrphanedPending(ctx)
	s.purgeExpired(ctx)
}

// recoverStaleRunning requeues stalled executions, or dead-letters them
// when their retry budget is spent.
func (s *Sweeper) recoverStaleRunning(ctx context.Context) {
	now := s.clock().UTC()
	cutoff := now.Add(-s.config.RunningThreshold)

	stale, err := s.store.ListStaleRunning(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		// DB error: log and abort the duty. Will retry next interval.
		log.Printf("sweeper: failed to list stale running: %v", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	log.Printf("sweeper: found %d stale running executions", len(stale))

	requeued := 0
	deadLettered := 0

	for _, exec := range stale {
		if ctx.Err() != nil {
			log.Printf("sweeper: watchdog interrupted, processed %d/%d", requeued+deadLettered, len(stale))
			return
		}

		if exec.RetryCount >= s.config.MaxAttempts {
			err := s.ledger.MarkFailed(ctx, exec.ID, domain.DeadLetterPrefix+"stalled with retry budget exhausted")
			if err != nil {
				log.Printf("sweeper: dead-letter stalled execution=%s: %v", exec.ID, err)
				continue
			}
			log.Printf("sweeper: dead-lettered stalled execution=%s area=%s retries=%d", exec.ID, exec.AreaID, exec.RetryCount)
			deadLettered++
			continue
		}

		ok, err := s.ledger.RequeueForRetry(ctx, exec.ID)
		if err != nil {
			log.Printf("sweeper: requeue execution=%s: %v", exec.ID, err)
			continue
		}
		if !ok {
			// Finished between the list query and the requeue.
			continue
		}

		task := domain.DispatchTask{ExecutionID: exec.ID, AreaID: exec.AreaID, EnqueuedAt: now}
		if err := s.emitter.Emit(ctx, task); err != nil {
			// The row is pending again; the orphan duty picks it up.
			log.Printf("sweeper: re-emit requeued execution=%s: %v", exec.ID, err)
			continue
		}
		requeued++
	}

	if s.metrics != nil {
		s.metrics.SweepRequeued(requeued)
		s.metrics.SweepDeadLettered(deadLettered)
	}
	log.Printf("sweeper: watchdog complete, requeued=%d dead_lettered=%d", requeued, deadLettered)
}

// reemitOrphanedPending puts pending executions that never reached a
// worker back on the task bus.
func (s *Sweeper) reemitOrphanedPending(ctx context.Context) {
	now := s.clock().UTC()
	cutoff := now.Add(-s.config.PendingThreshold)

	orphans, err := s.store.ListOrphanedPending(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		log.Printf("sweeper: failed to list orphaned pending: %v", err)
		return
	}
	if len(orphans) == 0 {
		return
	}

	log.Printf("sweeper: found %d orphaned pending executions", len(orphans))

	emitted := 0
	failed := 0

	for _, exec := range orphans {
		if ctx.Err() != nil {
			log.Printf("sweeper: re-emit interrupted, processed %d/%d", emitted+failed, len(orphans))
			return
		}

		task := domain.DispatchTask{ExecutionID: exec.ID, AreaID: exec.AreaID, EnqueuedAt: now}
		if err := s.emitter.Emit(ctx, task); err != nil {
			// Emit failed (buffer full, context cancelled).
			// Log and continue - will retry next cycle.
			log.Printf("sweeper: re-emit execution=%s area=%s: %v", exec.ID, exec.AreaID, err)
			failed++
			continue
		}
		log.Printf("sweeper: re-emitted execution=%s area=%s (age=%s)",
			exec.ID, exec.AreaID, now.Sub(exec.CreatedAt).Round(time.Second))
		emitted++
	}

	if s.metrics != nil {
		s.metrics.SweepReemitted(emitted)
	}
	log.Printf("sweeper: re-emit complete, emitted=%d failed=%d", emitted, failed)
}

// purgeExpired deletes terminal executions past their retention window.
func (s *Sweeper) purgeExpired(ctx context.Context) {
	now := s.clock().UTC()

	succeeded, err := s.store.DeleteTerminalExecutionsBefore(ctx,
		[]domain.ExecutionStatus{domain.ExecutionStatusSuccess},
		now.Add(-s.config.SuccessRetention))
	if err != nil {
		log.Printf("sweeper: purge succeeded executions: %v", err)
	} else if succeeded > 0 {
		if s.metrics != nil {
			s.metrics.SweepPurged("success", succeeded)
		}
		log.Printf("sweeper: purged %d succeeded executions", succeeded)
	}

	finished, err := s.store.DeleteTerminalExecutionsBefore(ctx,
		[]domain.ExecutionStatus{domain.ExecutionStatusFailed, domain.ExecutionStatusSkipped},
		now.Add(-s.config.FailureRetention))
	if err != nil {
		log.Printf("sweeper: purge failed executions: %v", err)
	} else if finished > 0 {
		if s.metrics != nil {
			s.metrics.SweepPurged("failed", finished)
		}
		log.Printf("sweeper: purged %d failed executions", finished)
	}
}
