package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Ledger metrics
	SubmitAccepted(isNew bool)
	ExecutionLatencyObserve(latencySeconds float64)

	// Dispatch metrics
	DispatchAttemptCompleted(attempt int, outcome string, duration time.Duration)
	DispatchOutcome(outcome string)
	RetryAttempt(retryable bool)
	TasksInFlightIncr()
	TasksInFlightDecr()

	// Intake metrics
	PollRunCompleted(service string, duration time.Duration, events int, err error)
	PushNotificationReceived(service string, authenticated bool, events int)

	// Task bus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()

	// Credential and watch lifecycle metrics
	TokenRefreshCompleted(outcome string)
	WatchRenewalCompleted(outcome string)
	WatchesExpiringUpdate(count int)

	// Sweeper metrics
	SweepRequeued(count int)
	SweepDeadLettered(count int)
	SweepReemitted(count int)
	SweepPurged(status string, count int64)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Outcome constants for DispatchOutcome metric.
const (
	OutcomeSuccess    = "success"
	OutcomeFailed     = "failed"
	OutcomeSkipped    = "skipped"
	OutcomeDeadLetter = "dead_letter"
)

// Attempt outcome constants for DispatchAttemptCompleted metric. Bounded
// cardinality: one label value per error class.
const (
	AttemptSuccess      = "success"
	AttemptConfigError  = "config_error"
	AttemptAuthError    = "auth_error"
	AttemptTransient    = "transient"
	AttemptPrecondition = "precondition"
	AttemptCircuitOpen  = "circuit_open"
	AttemptOtherError   = "other_error"
)
