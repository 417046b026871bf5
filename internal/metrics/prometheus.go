package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Ledger metrics
	submitsTotal     *prometheus.CounterVec
	executionLatency prometheus.Histogram

	// Dispatch metrics
	dispatchAttemptsTotal *prometheus.CounterVec
	dispatchOutcomesTotal *prometheus.CounterVec
	invokeDuration        prometheus.Histogram
	retryAttemptsTotal    *prometheus.CounterVec
	tasksInFlight         prometheus.Gauge

	// Intake metrics
	pollRunsTotal   *prometheus.CounterVec
	pollRunDuration prometheus.Histogram
	pollEventsTotal *prometheus.CounterVec
	pushNotifsTotal *prometheus.CounterVec
	pushEventsTotal *prometheus.CounterVec

	// Task bus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	// Credential and watch lifecycle metrics
	tokenRefreshesTotal *prometheus.CounterVec
	watchRenewalsTotal  *prometheus.CounterVec
	watchesExpiring     prometheus.Gauge

	// Sweeper metrics
	sweepRequeuedTotal     prometheus.Counter
	sweepDeadLetteredTotal prometheus.Counter
	sweepReemittedTotal    prometheus.Counter
	sweepPurgedTotal       *prometheus.CounterVec

	// Leader election metrics
	leaderStatus            prometheus.Gauge
	leaderAcquisitionsTotal prometheus.Counter
	leaderLossesTotal       *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initLedgerMetrics(reg)
	s.initDispatchMetrics(reg)
	s.initIntakeMetrics(reg)
	s.initBusMetrics(reg)
	s.initLifecycleMetrics(reg)
	s.initSweepMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initLedgerMetrics(reg prometheus.Registerer) {
	s.submitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "areaengine_ledger_submits_total",
		Help: "Total number of trigger submits accepted by the ledger.",
	}, []string{"dedup"})
	s.executionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "areaengine_execution_latency_seconds",
		Help:    "Latency from execution start to terminal status in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	})

	s.register(reg, s.submitsTotal, "areaengine_ledger_submits_total")
	s.register(reg, s.executionLatency, "areaengine_execution_latency_seconds")
}

func (s *PrometheusSink) initDispatchMetrics(reg prometheus.Registerer) {
	s.dispatchAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "areaengine_dispatch_attempts_total",
		Help: "Total number of reaction invocation attempts.",
	}, []string{"attempt", "outcome"})

	s.dispatchOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "areaengine_dispatch_outcomes_total",
		Help: "Total number of final dispatch outcomes per execution.",
	}, []string{"outcome"})

	s.invokeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "areaengine_dispatch_invoke_duration_seconds",
		Help:    "Reaction invocation latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "areaengine_dispatch_retry_attempts_total",
		Help: "Total number of retry attempts (excludes first attempt).",
	}, []string{"retryable"})

	s.tasksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "areaengine_dispatch_tasks_in_flight",
		Help: "Number of dispatch tasks currently being processed.",
	})

	s.register(reg, s.dispatchAttemptsTotal, "areaengine_dispatch_attempts_total")
	s.register(reg, s.dispatchOutcomesTotal, "areaengine_dispatch_outcomes_total")
	s.register(reg, s.invokeDuration, "areaengine_dispatch_invoke_duration_seconds")
	s.register(reg, s.retryAttemptsTotal, "areaengine_dispatch_retry_attempts_total")
	s.register(reg, s.tasksInFlight, "areaengine_dispatch_tasks_in_flight")
}

func (s *PrometheusSink) initIntakeMetrics(reg prometheus.Registerer) {
	s.pollRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "areaengine_poll_runs_total",
		Help: "Total number of poll cycles per service.",
	}, []string{"service", "status"})

	s.pollRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "areaengine_poll_run_duration_seconds",
		Help:    "Duration of each poll cycle in seconds.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	s.pollEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "areaengine_poll_events_total",
		Help: "Total number of events observed by pollers.",
	}, []string{"service"})

	s.pushNotifsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "areaengine_push_notifications_total",
		Help: "Total number of inbound push notifications.",
	}, []string{"service", "authenticated"})

	s.pushEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "areaengine_push_events_total",
		Help: "Total number of events extracted from push notifications.",
	}, []string{"service"})

	s.register(reg, s.pollRunsTotal, "areaengine_poll_runs_total")
	s.register(reg, s.pollRunDuration, "areaengine_poll_run_duration_seconds")
	s.register(reg, s.pollEventsTotal, "areaengine_poll_events_total")
	s.register(reg, s.pushNotifsTotal, "areaengine_push_notifications_total")
	s.register(reg, s.pushEventsTotal, "areaengine_push_events_total")
}

func (s *PrometheusSink) initBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "areaengine_taskbus_buffer_size",
		Help: "Current number of tasks in the task bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "areaengine_taskbus_buffer_capacity",
		Help: "Capacity of the task bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "areaengine_taskbus_buffer_saturation",
		Help: "Task bus buffer fill ratio (0 to 1).",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "areaengine_taskbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "areaengine_taskbus_buffer_size")
	s.register(reg, s.bufferCapacity, "areaengine_taskbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "areaengine_taskbus_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "areaengine_taskbus_emit_errors_total")
}

func (s *PrometheusSink) initLifecycleMetrics(reg prometheus.Registerer) {
	s.tokenRefreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "areaengine_token_refreshes_total",
		Help: "Total number of OAuth refresh exchanges by outcome.",
	}, []string{"outcome"})

	s.watchRenewalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "areaengine_watch_renewals_total",
		Help: "Total number of push subscription renewals by outcome.",
	}, []string{"outcome"})

	s.watchesExpiring = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "areaengine_watches_expiring",
		Help: "Number of watches inside the renewal margin at the last sweep.",
	})

	s.register(reg, s.tokenRefreshesTotal, "areaengine_token_refreshes_total")
	s.register(reg, s.watchRenewalsTotal, "areaengine_watch_renewals_total")
	s.register(reg, s.watchesExpiring, "areaengine_watches_expiring")
}

func (s *PrometheusSink) initSweepMetrics(reg prometheus.Registerer) {
	s.sweepRequeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "areaengine_sweep_requeued_total",
		Help: "Total number of stalled executions requeued by the watchdog.",
	})
	s.sweepDeadLetteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "areaengine_sweep_dead_lettered_total",
		Help: "Total number of stalled executions dead-lettered by the watchdog.",
	})
	s.sweepReemittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "areaengine_sweep_reemitted_total",
		Help: "Total number of orphaned pending executions re-emitted.",
	})
	s.sweepPurgedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "areaengine_sweep_purged_total",
		Help: "Total number of terminal executions deleted by retention.",
	}, []string{"status"})

	s.register(reg, s.sweepRequeuedTotal, "areaengine_sweep_requeued_total")
	s.register(reg, s.sweepDeadLetteredTotal, "areaengine_sweep_dead_lettered_total")
	s.register(reg, s.sweepReemittedTotal, "areaengine_sweep_reemitted_total")
	s.register(reg, s.sweepPurgedTotal, "areaengine_sweep_purged_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "areaengine_leader_status",
		Help: "Whether this instance currently holds leadership (1 or 0).",
	})
	s.leaderAcquisitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "areaengine_leader_acquisitions_total",
		Help: "Total number of leadership acquisitions.",
	})
	s.leaderLossesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "areaengine_leader_losses_total",
		Help: "Total number of leadership losses by reason.",
	}, []string{"reason"})

	s.register(reg, s.leaderStatus, "areaengine_leader_status")
	s.register(reg, s.leaderAcquisitionsTotal, "areaengine_leader_acquisitions_total")
	s.register(reg, s.leaderLossesTotal, "areaengine_leader_losses_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Ledger metrics implementation

func (s *PrometheusSink) SubmitAccepted(isNew bool) {
	dedup := "duplicate"
	if isNew {
		dedup = "new"
	}
	s.submitsTotal.WithLabelValues(dedup).Inc()
}

func (s *PrometheusSink) ExecutionLatencyObserve(latencySeconds float64) {
	s.executionLatency.Observe(latencySeconds)
}

// Dispatch metrics implementation

func (s *PrometheusSink) DispatchAttemptCompleted(attempt int, outcome string, duration time.Duration) {
	s.dispatchAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), outcome).Inc()
	s.invokeDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DispatchOutcome(outcome string) {
	s.dispatchOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt(retryable bool) {
	label := "false"
	if retryable {
		label = "true"
	}
	s.retryAttemptsTotal.WithLabelValues(label).Inc()
}

func (s *PrometheusSink) TasksInFlightIncr() {
	s.tasksInFlight.Inc()
}

func (s *PrometheusSink) TasksInFlightDecr() {
	s.tasksInFlight.Dec()
}

// Intake metrics implementation

func (s *PrometheusSink) PollRunCompleted(service string, duration time.Duration, events int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.pollRunsTotal.WithLabelValues(service, status).Inc()
	s.pollRunDuration.Observe(duration.Seconds())
	if events > 0 {
		s.pollEventsTotal.WithLabelValues(service).Add(float64(events))
	}
}

func (s *PrometheusSink) PushNotificationReceived(service string, authenticated bool, events int) {
	auth := "false"
	if authenticated {
		auth = "true"
	}
	s.pushNotifsTotal.WithLabelValues(service, auth).Inc()
	if events > 0 {
		s.pushEventsTotal.WithLabelValues(service).Add(float64(events))
	}
}

// Task bus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Credential and watch lifecycle metrics implementation

func (s *PrometheusSink) TokenRefreshCompleted(outcome string) {
	s.tokenRefreshesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) WatchRenewalCompleted(outcome string) {
	s.watchRenewalsTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) WatchesExpiringUpdate(count int) {
	s.watchesExpiring.Set(float64(count))
}

// Sweeper metrics implementation

func (s *PrometheusSink) SweepRequeued(count int) {
	s.sweepRequeuedTotal.Add(float64(count))
}

func (s *PrometheusSink) SweepDeadLettered(count int) {
	s.sweepDeadLetteredTotal.Add(float64(count))
}

func (s *PrometheusSink) SweepReemitted(count int) {
	s.sweepReemittedTotal.Add(float64(count))
}

func (s *PrometheusSink) SweepPurged(status string, count int64) {
	s.sweepPurgedTotal.WithLabelValues(status).Add(float64(count))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
	} else {
		s.leaderStatus.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquisitionsTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLossesTotal.WithLabelValues(reason).Inc()
}
