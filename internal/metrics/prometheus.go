package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/abhishekkushwahaa/signsetu/internal/circuitbreaker"
	"github.com/abhishekkushwahaa/signsetu/internal/dispatcher"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	log *zap.Logger

	// Dispatcher metrics
	runsTotal       prometheus.Counter
	runErrorsTotal  prometheus.Counter
	runDuration     prometheus.Histogram
	runsInterrupted prometheus.Counter
	blockOutcomes   *prometheus.CounterVec
	sendsTotal      *prometheus.CounterVec
	sendDuration    prometheus.Histogram
	commitAnomalies *prometheus.CounterVec
	blocksInFlight  prometheus.Gauge

	// Scheduler metrics
	ticksTotal       prometheus.Counter
	tickErrorsTotal  prometheus.Counter
	tickDuration     prometheus.Histogram
	tickDrift        prometheus.Histogram
	ticksMissedTotal prometheus.Counter

	// Reconciler metrics
	unmarkedDeliveries prometheus.Gauge
	remarkOutcomes     *prometheus.CounterVec

	// Notifier metrics
	breakerRejections prometheus.Counter
	breakerState      *prometheus.GaugeVec

	// Leader election metrics
	leaderStatus   prometheus.Gauge
	leaderAcquired prometheus.Counter
	leaderLost     *prometheus.CounterVec

	analyticsFailures prometheus.Counter
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink;
// the affected collector still accepts updates but is not exported.
func NewPrometheusSink(reg prometheus.Registerer, log *zap.Logger) *PrometheusSink {
	if log == nil {
		log = zap.NewNop()
	}
	s := &PrometheusSink{log: log}
	s.initDispatcherMetrics(reg)
	s.initSchedulerMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initNotifierMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.runsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quiethours_dispatcher_runs_total",
		Help: "Total number of dispatch runs started.",
	})
	s.runErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quiethours_dispatcher_run_errors_total",
		Help: "Total number of dispatch runs that failed before dispatching (store unavailable).",
	})
	s.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiethours_dispatcher_run_duration_seconds",
		Help:    "Duration of each dispatch run in seconds.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	s.runsInterrupted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quiethours_dispatcher_runs_interrupted_total",
		Help: "Total number of dispatch runs cut short by cancellation or deadline.",
	})
	s.blockOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quiethours_dispatcher_block_outcomes_total",
		Help: "Total number of per-block outcomes.",
	}, []string{"outcome"})
	s.sendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quiethours_notifier_sends_total",
		Help: "Total number of email send attempts by status class.",
	}, []string{"status_class"})
	s.sendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiethours_notifier_send_duration_seconds",
		Help:    "Email provider request latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	s.commitAnomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quiethours_dispatcher_commit_anomalies_total",
		Help: "Total number of sent blocks whose mark did not apply cleanly.",
	}, []string{"kind"})
	s.blocksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quiethours_dispatcher_blocks_in_flight",
		Help: "Number of blocks currently being dispatched.",
	})

	s.register(reg, s.runsTotal, "quiethours_dispatcher_runs_total")
	s.register(reg, s.runErrorsTotal, "quiethours_dispatcher_run_errors_total")
	s.register(reg, s.runDuration, "quiethours_dispatcher_run_duration_seconds")
	s.register(reg, s.runsInterrupted, "quiethours_dispatcher_runs_interrupted_total")
	s.register(reg, s.blockOutcomes, "quiethours_dispatcher_block_outcomes_total")
	s.register(reg, s.sendsTotal, "quiethours_notifier_sends_total")
	s.register(reg, s.sendDuration, "quiethours_notifier_send_duration_seconds")
	s.register(reg, s.commitAnomalies, "quiethours_dispatcher_commit_anomalies_total")
	s.register(reg, s.blocksInFlight, "quiethours_dispatcher_blocks_in_flight")
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quiethours_scheduler_ticks_total",
		Help: "Total number of scheduled runs triggered.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quiethours_scheduler_tick_errors_total",
		Help: "Total number of scheduled runs that returned an error.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiethours_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduled run in seconds.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	s.tickDrift = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiethours_scheduler_tick_drift_seconds",
		Help:    "Difference between actual and scheduled activation time in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
	s.ticksMissedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quiethours_scheduler_ticks_missed_total",
		Help: "Total number of activations skipped because a previous run overran.",
	})

	s.register(reg, s.ticksTotal, "quiethours_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "quiethours_scheduler_tick_errors_total")
	s.register(reg, s.tickDuration, "quiethours_scheduler_tick_duration_seconds")
	s.register(reg, s.tickDrift, "quiethours_scheduler_tick_drift_seconds")
	s.register(reg, s.ticksMissedTotal, "quiethours_scheduler_ticks_missed_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.unmarkedDeliveries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quiethours_reconciler_unmarked_deliveries",
		Help: "Blocks with a successful delivery that are still not marked notified.",
	})
	s.remarkOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quiethours_reconciler_remark_outcomes_total",
		Help: "Total number of reconciler mark attempts by outcome.",
	}, []string{"outcome"})

	s.register(reg, s.unmarkedDeliveries, "quiethours_reconciler_unmarked_deliveries")
	s.register(reg, s.remarkOutcomes, "quiethours_reconciler_remark_outcomes_total")
}

func (s *PrometheusSink) initNotifierMetrics(reg prometheus.Registerer) {
	s.breakerRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quiethours_notifier_breaker_rejections_total",
		Help: "Total number of sends rejected by an open circuit breaker.",
	})
	s.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quiethours_notifier_breaker_state",
		Help: "Circuit breaker state per key (0=closed, 1=half_open, 2=open).",
	}, []string{"key"})
	s.analyticsFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quiethours_analytics_write_failures_total",
		Help: "Total number of failed run analytics writes.",
	})

	s.register(reg, s.breakerRejections, "quiethours_notifier_breaker_rejections_total")
	s.register(reg, s.breakerState, "quiethours_notifier_breaker_state")
	s.register(reg, s.analyticsFailures, "quiethours_analytics_write_failures_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quiethours_leader_status",
		Help: "1 if this instance currently holds the leader lock.",
	})
	s.leaderAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quiethours_leader_acquired_total",
		Help: "Total number of times leadership was acquired.",
	})
	s.leaderLost = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quiethours_leader_lost_total",
		Help: "Total number of times leadership was lost, by reason.",
	}, []string{"reason"})

	s.register(reg, s.leaderStatus, "quiethours_leader_status")
	s.register(reg, s.leaderAcquired, "quiethours_leader_acquired_total")
	s.register(reg, s.leaderLost, "quiethours_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.Warn("metrics: failed to register collector", zap.String("name", name), zap.Error(err))
	}
}

// Dispatcher metrics implementation

func (s *PrometheusSink) RunStarted() {
	s.runsTotal.Inc()
}

func (s *PrometheusSink) RunCompleted(duration time.Duration, result dispatcher.RunResult, err error) {
	s.runDuration.Observe(duration.Seconds())
	if err != nil {
		s.runErrorsTotal.Inc()
	}
	if result.Interrupted {
		s.runsInterrupted.Inc()
	}
}

func (s *PrometheusSink) BlockOutcome(outcome string) {
	s.blockOutcomes.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) SendCompleted(statusClass string, duration time.Duration) {
	s.sendsTotal.WithLabelValues(statusClass).Inc()
	s.sendDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) CommitAnomaly(kind string) {
	s.commitAnomalies.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) BlocksInFlightIncr() {
	s.blocksInFlight.Inc()
}

func (s *PrometheusSink) BlocksInFlightDecr() {
	s.blocksInFlight.Dec()
}

// Scheduler metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, err error) {
	s.tickDuration.Observe(duration.Seconds())
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TickDrift(drift time.Duration) {
	// Record absolute drift value
	d := drift.Seconds()
	if d < 0 {
		d = -d
	}
	s.tickDrift.Observe(d)
}

func (s *PrometheusSink) TicksMissed(n int) {
	if n > 0 {
		s.ticksMissedTotal.Add(float64(n))
	}
}

// Reconciler metrics implementation

func (s *PrometheusSink) UnmarkedDeliveriesUpdate(count int) {
	s.unmarkedDeliveries.Set(float64(count))
}

func (s *PrometheusSink) RemarkOutcome(outcome string) {
	s.remarkOutcomes.WithLabelValues(outcome).Inc()
}

// Notifier metrics implementation

func (s *PrometheusSink) BreakerRejected() {
	s.breakerRejections.Inc()
}

func (s *PrometheusSink) BreakerStateChanged(key string, _, to circuitbreaker.State) {
	var v float64
	switch to {
	case circuitbreaker.StateHalfOpen:
		v = 1
	case circuitbreaker.StateOpen:
		v = 2
	}
	s.breakerState.WithLabelValues(key).Set(v)
}

func (s *PrometheusSink) AnalyticsWriteFailed() {
	s.analyticsFailures.Inc()
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
	s.leaderAcquired.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLost.WithLabelValues(reason).Inc()
}
