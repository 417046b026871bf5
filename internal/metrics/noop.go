package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) SubmitAccepted(isNew bool)                                               {}
func (n *NoopSink) ExecutionLatencyObserve(latencySeconds float64)                          {}
func (n *NoopSink) DispatchAttemptCompleted(attempt int, outcome string, d time.Duration)   {}
func (n *NoopSink) DispatchOutcome(outcome string)                                          {}
func (n *NoopSink) RetryAttempt(retryable bool)                                             {}
func (n *NoopSink) TasksInFlightIncr()                                                      {}
func (n *NoopSink) TasksInFlightDecr()                                                      {}
func (n *NoopSink) PollRunCompleted(service string, d time.Duration, events int, err error) {}
func (n *NoopSink) PushNotificationReceived(service string, authenticated bool, events int) {}
func (n *NoopSink) BufferSizeUpdate(size int)                                               {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                          {}
func (n *NoopSink) BufferSaturationUpdate(saturation float64)                               {}
func (n *NoopSink) EmitError()                                                              {}
func (n *NoopSink) TokenRefreshCompleted(outcome string)                                    {}
func (n *NoopSink) WatchRenewalCompleted(outcome string)                                    {}
func (n *NoopSink) WatchesExpiringUpdate(count int)                                         {}
func (n *NoopSink) SweepRequeued(count int)                                                 {}
func (n *NoopSink) SweepDeadLettered(count int)                                             {}
func (n *NoopSink) SweepReemitted(count int)                                                {}
func (n *NoopSink) SweepPurged(status string, count int64)                                  {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                       {}
func (n *NoopSink) LeaderAcquired()                                                         {}
func (n *NoopSink) LeaderLost(reason string)                                                {}
