// Package dispatch runs reactions for accepted executions. Workers consume
// DispatchTasks from the task bus, claim the execution through the ledger's
// pending->running guard, and drive one reaction invocation to a terminal
// status with bounded in-line retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/area-engine/internal/capability"
	"github.com/djlord-it/area-engine/internal/domain"
	"github.com/djlord-it/area-engine/internal/ledger"
)

// ErrAreaNotFound is returned by AreaStore.GetArea for an unknown area id.
var ErrAreaNotFound = domain.ErrAreaNotFound

type AreaStore interface {
	GetArea(ctx context.Context, id uuid.UUID) (domain.Area, error)
	SetAreaStatus(ctx context.Context, id uuid.UUID, status domain.AreaStatus) error
}

type TokenProvider interface {
	GetValidToken(ctx context.Context, userID uuid.UUID, service string) (domain.ServiceToken, bool, error)
}

type Breaker interface {
	Allow(service string) error
	RecordSuccess(service string)
	RecordFailure(service string)
}

// ReauthNotifier is told when a credential needs the user to re-authorize.
// Implementations must be best-effort and non-blocking.
type ReauthNotifier interface {
	ReauthRequired(ctx context.Context, userID uuid.UUID, service string)
}

// AnalyticsSink records per-area outcome counts. Best-effort: failures are
// logged and never affect dispatch correctness.
type AnalyticsSink interface {
	Record(ctx context.Context, areaID uuid.UUID, outcome string, at time.Time) error
}

// MetricsSink defines the interface for recording dispatch metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DispatchAttemptCompleted(attempt int, outcome string, duration time.Duration)
	DispatchOutcome(outcome string)
	RetryAttempt(retryable bool)
	TasksInFlightIncr()
	TasksInFlightDecr()
}

type Dispatcher struct {
	ledger   *ledger.Ledger
	areas    AreaStore
	registry *capability.Registry
	tokens   TokenProvider
	breaker  Breaker

	notifier  ReauthNotifier // optional, nil = disabled
	metrics   MetricsSink    // optional, nil = disabled
	analytics AnalyticsSink  // optional, nil = disabled

	policy        Policy
	invokeTimeout time.Duration
	drainTimeout  time.Duration
	health        *areaHealth
	clock         func() time.Time
}

// configStrikeThreshold is the number of consecutive config failures after
// which an area is moved to error status.
const configStrikeThreshold = 3

func New(led *ledger.Ledger, areas AreaStore, registry *capability.Registry, tokens TokenProvider, breaker Breaker, policy Policy, invokeTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		ledger:        led,
		areas:         areas,
		registry:      registry,
		tokens:        tokens,
		breaker:       breaker,
		policy:        policy,
		invokeTimeout: invokeTimeout,
		drainTimeout:  DrainTimeout,
		health:        newAreaHealth(configStrikeThreshold),
		clock:         time.Now,
	}
}

// WithDrainTimeout overrides the shutdown drain timeout.
func (d *Dispatcher) WithDrainTimeout(timeout time.Duration) *Dispatcher {
	d.drainTimeout = timeout
	return d
}

// WithNotifier attaches a re-authorization notifier.
func (d *Dispatcher) WithNotifier(n ReauthNotifier) *Dispatcher {
	d.notifier = n
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithAnalytics attaches a per-area outcome analytics sink.
func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

// Run processes tasks from the channel until context is cancelled.
// After cancellation, it drains remaining buffered tasks with a timeout.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.DispatchTask) {
	for {
		select {
		case <-ctx.Done():
			d.drain(ch)
			return
		case task := <-ch:
			if err := d.Dispatch(ctx, task); err != nil {
				log.Printf("dispatch: error: %v", err)
			}
		}
	}
}

// DrainTimeout is the default maximum time to wait for buffered tasks
// during shutdown.
const DrainTimeout = 30 * time.Second

// drain processes remaining tasks in the channel buffer after shutdown signal.
// Uses a background context since the main context is already cancelled.
func (d *Dispatcher) drain(ch <-chan domain.DispatchTask) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				log.Printf("dispatch: drain timeout, processed %d tasks", count)
			}
			return
		case task, ok := <-ch:
			if !ok {
				log.Printf("dispatch: drain complete, processed %d tasks", count)
				return
			}
			if err := d.Dispatch(drainCtx, task); err != nil {
				log.Printf("dispatch: drain error: %v", err)
			}
			count++
		default:
			if count > 0 {
				log.Printf("dispatch: drain complete, processed %d tasks", count)
			}
			return
		}
	}
}

// Dispatch drives one execution to a terminal status. It is safe to call
// with a task that was already processed: the ledger's guards turn the
// replay into a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, task domain.DispatchTask) error {
	if d.metrics != nil {
		d.metrics.TasksInFlightIncr()
		defer d.metrics.TasksInFlightDecr()
	}

	exec, err := d.ledger.Get(ctx, task.ExecutionID)
	if err != nil {
		return fmt.Errorf("get execution: %w", err)
	}
	if exec.Status.Terminal() {
		// Replayed task for a finished execution.
		return nil
	}

	area, err := d.areas.GetArea(ctx, task.AreaID)
	if errors.Is(err, ErrAreaNotFound) {
		return d.skip(ctx, task.AreaID, exec.ID, "area deleted")
	}
	if err != nil {
		return fmt.Errorf("get area: %w", err)
	}

	switch area.Status {
	case domain.AreaStatusPaused:
		return d.skip(ctx, area.ID, exec.ID, "area paused")
	case domain.AreaStatusError:
		return d.skip(ctx, area.ID, exec.ID, "area in error status")
	}

	if err := d.ledger.MarkStarted(ctx, exec.ID); err != nil {
		if errors.Is(err, ledger.ErrNotPending) {
			// Another worker claimed it.
			return nil
		}
		return err
	}

	return d.runAttempts(ctx, exec, area)
}

// runAttempts invokes the reaction with in-line retries on transient
// failures. The execution stays running for the whole attempt loop;
// retry_count is persisted after every failed attempt so a crash mid-loop
// leaves an accurate budget for the watchdog requeue.
func (d *Dispatcher) runAttempts(ctx context.Context, exec domain.Execution, area domain.Area) error {
	key := area.Reaction.Key()
	service := area.Reaction.Service

	handler, ok := d.registry.Reaction(key)
	if !ok {
		return d.failConfig(ctx, exec, area, fmt.Sprintf("unknown reaction %q", key))
	}

	merged := mergeConfig(area.Reaction.Config, exec.TriggerPayload, handler)

	token, err := d.fetchToken(ctx, area.UserID, service)
	if err != nil {
		return err
	}

	reauthTried := false
	var lastErr error

	for attempt := exec.RetryCount + 1; attempt <= d.policy.MaxAttempts; attempt++ {
		if lastErr != nil {
			if d.metrics != nil {
				d.metrics.RetryAttempt(true)
			}
			backoff := d.policy.Delay(attempt)
			log.Printf("dispatch: area=%s execution=%s attempt=%d backoff=%s", area.ID, exec.ID, attempt, backoff)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				// Left running on purpose; the watchdog sweep requeues it.
				return ctx.Err()
			case <-timer.C:
			}
		}

		if berr := d.breaker.Allow(service); berr != nil {
			lastErr = berr
			if d.metrics != nil {
				d.metrics.DispatchAttemptCompleted(attempt, "circuit_open", 0)
			}
			if _, rerr := d.ledger.IncrementRetry(ctx, exec.ID); rerr != nil {
				log.Printf("dispatch: increment retry: %v", rerr)
			}
			continue
		}

		result, invErr, duration := d.invoke(ctx, handler, merged, token)

		var aerr *capability.AuthError
		if errors.As(invErr, &aerr) && aerr.Refreshable && !reauthTried {
			// One refresh exchange, then re-invoke within the same attempt.
			reauthTried = true
			if fresh, ferr := d.fetchToken(ctx, area.UserID, service); ferr == nil && fresh != nil {
				token = fresh
				result, invErr, duration = d.invoke(ctx, handler, merged, token)
			}
		}

		if d.metrics != nil {
			d.metrics.DispatchAttemptCompleted(attempt, classifyError(invErr), duration)
		}

		if invErr == nil {
			d.breaker.RecordSuccess(service)
			d.health.reset(area.ID)
			d.recordOutcome(ctx, area.ID, "success")
			log.Printf("dispatch: area=%s execution=%s succeeded attempt=%d", area.ID, exec.ID, attempt)
			return d.ledger.MarkSuccess(ctx, exec.ID, result)
		}

		var perr *capability.PreconditionError
		if errors.As(invErr, &perr) {
			return d.skip(ctx, area.ID, exec.ID, perr.Reason)
		}

		var cerr *capability.ConfigError
		if errors.As(invErr, &cerr) {
			return d.failConfig(ctx, exec, area, cerr.Error())
		}

		if errors.As(invErr, &aerr) {
			if d.notifier != nil {
				d.notifier.ReauthRequired(ctx, area.UserID, service)
			}
			log.Printf("dispatch: area=%s execution=%s auth failure: %v", area.ID, exec.ID, aerr)
			return d.deadLetter(ctx, exec.ID, area.ID, invErr.Error())
		}

		// TransientError and anything unclassified: retry with backoff.
		d.breaker.RecordFailure(service)
		lastErr = invErr
		if _, rerr := d.ledger.IncrementRetry(ctx, exec.ID); rerr != nil {
			log.Printf("dispatch: increment retry: %v", rerr)
		}
		log.Printf("dispatch: area=%s execution=%s attempt=%d failed: %v", area.ID, exec.ID, attempt, invErr)
	}

	if lastErr == nil {
		// Budget was already spent before this worker picked the task up.
		lastErr = errors.New("retry budget exhausted")
	}
	log.Printf("dispatch: area=%s execution=%s exhausted retries: %v", area.ID, exec.ID, lastErr)
	return d.deadLetter(ctx, exec.ID, area.ID, lastErr.Error())
}

func (d *Dispatcher) invoke(ctx context.Context, handler capability.Reaction, config map[string]any, token *domain.ServiceToken) (map[string]any, error, time.Duration) {
	invokeCtx, cancel := context.WithTimeout(ctx, d.invokeTimeout)
	defer cancel()

	start := d.clock()
	result, err := handler.Invoke(invokeCtx, config, token)
	return result, err, d.clock().Sub(start)
}

func (d *Dispatcher) fetchToken(ctx context.Context, userID uuid.UUID, service string) (*domain.ServiceToken, error) {
	tok, found, err := d.tokens.GetValidToken(ctx, userID, service)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if !found {
		// Reactions that need a credential raise AuthError themselves.
		return nil, nil
	}
	return &tok, nil
}

func (d *Dispatcher) skip(ctx context.Context, areaID, execID uuid.UUID, reason string) error {
	d.recordOutcome(ctx, areaID, "skipped")
	err := d.ledger.MarkSkipped(ctx, execID, reason)
	if errors.Is(err, ledger.ErrTerminalTransition) {
		// Two workers raced the skip; the first one won.
		return nil
	}
	return err
}

// recordOutcome reports a terminal outcome to the metrics and analytics
// sinks.
func (d *Dispatcher) recordOutcome(ctx context.Context, areaID uuid.UUID, outcome string) {
	if d.metrics != nil {
		d.metrics.DispatchOutcome(outcome)
	}
	if d.analytics != nil {
		if err := d.analytics.Record(ctx, areaID, outcome, d.clock().UTC()); err != nil {
			log.Printf("dispatch: analytics record: %v", err)
		}
	}
}

// failConfig dead-letters the execution and counts a config strike
// against the area. Repeated strikes move the area to error status so
// pollers and workers stop picking it up.
func (d *Dispatcher) failConfig(ctx context.Context, exec domain.Execution, area domain.Area, msg string) error {
	if d.health.recordConfigFailure(area.ID) {
		if err := d.areas.SetAreaStatus(ctx, area.ID, domain.AreaStatusError); err != nil {
			log.Printf("dispatch: area=%s flag error status: %v", area.ID, err)
		} else {
			log.Printf("dispatch: area=%s moved to error status after repeated config failures", area.ID)
		}
	}
	return d.deadLetter(ctx, exec.ID, area.ID, msg)
}

// deadLetter records a permanent failure: the execution moves to failed
// with the dead-letter marker prefix so operators can list permanently
// failed work, and the outcome is reported as dead_letter.
func (d *Dispatcher) deadLetter(ctx context.Context, execID, areaID uuid.UUID, msg string) error {
	d.recordOutcome(ctx, areaID, "dead_letter")
	return d.ledger.MarkFailed(ctx, execID, domain.DeadLetterPrefix+msg)
}

// mergeConfig builds the invocation config from the reaction's static
// config and the trigger payload. Config wins everywhere except the keys
// the reaction lists in PayloadOverrides, where the payload's value for
// the same key is substituted when the payload carries one. The raw
// payload is always available under "trigger".
func mergeConfig(config, payload map[string]any, handler capability.Reaction) map[string]any {
	merged := make(map[string]any, len(config)+1)
	for k, v := range config {
		merged[k] = v
	}
	if payload != nil {
		merged["trigger"] = payload
		if po, ok := handler.(capability.PayloadOverrider); ok {
			for _, k := range po.PayloadOverrides() {
				if v, ok := payload[k]; ok {
					merged[k] = v
				}
			}
		}
	}
	return merged
}

// classifyError maps an invocation error to a bounded-cardinality metrics
// class.
func classifyError(err error) string {
	if err == nil {
		return "success"
	}
	var (
		cerr *capability.ConfigError
		aerr *capability.AuthError
		terr *capability.TransientError
		perr *capability.PreconditionError
	)
	switch {
	case errors.As(err, &cerr):
		return "config_error"
	case errors.As(err, &aerr):
		return "auth_error"
	case errors.As(err, &terr):
		return "transient"
	case errors.As(err, &perr):
		return "precondition"
	default:
		return "other_error"
	}
}
