package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestNoopSink_AllMethods(t *testing.T) {
	// Verify that calling all methods on NoopSink does not panic.
	s := NewNoopSink()

	// Ledger metrics
	s.SubmitAccepted(true)
	s.SubmitAccepted(false)
	s.ExecutionLatencyObserve(1.5)

	// Dispatch metrics
	s.DispatchAttemptCompleted(1, AttemptSuccess, 200*time.Millisecond)
	s.DispatchOutcome(OutcomeSuccess)
	s.DispatchOutcome(OutcomeFailed)
	s.DispatchOutcome(OutcomeDeadLetter)
	s.RetryAttempt(true)
	s.RetryAttempt(false)
	s.TasksInFlightIncr()
	s.TasksInFlightDecr()

	// Intake metrics
	s.PollRunCompleted("github", 100*time.Millisecond, 3, nil)
	s.PollRunCompleted("github", 100*time.Millisecond, 0, errors.New("boom"))
	s.PushNotificationReceived("calendar", true, 2)

	// Task bus metrics
	s.BufferSizeUpdate(10)
	s.BufferCapacitySet(100)
	s.BufferSaturationUpdate(0.1)
	s.EmitError()

	// Credential and watch lifecycle metrics
	s.TokenRefreshCompleted("success")
	s.WatchRenewalCompleted("failure")
	s.WatchesExpiringUpdate(3)

	// Sweeper metrics
	s.SweepRequeued(2)
	s.SweepDeadLettered(1)
	s.SweepReemitted(5)
	s.SweepPurged("success", 40)

	// Leader election metrics
	s.LeaderStatusChanged(true)
	s.LeaderAcquired()
	s.LeaderLost("conn_lost")
}

// Verify NoopSink implements Sink interface.
var _ Sink = (*NoopSink)(nil)
