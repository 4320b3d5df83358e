// Package metrics records quiethours operational metrics.
package metrics

import (
	"github.com/abhishekkushwahaa/signsetu/internal/analytics"
	"github.com/abhishekkushwahaa/signsetu/internal/circuitbreaker"
	"github.com/abhishekkushwahaa/signsetu/internal/dispatcher"
	"github.com/abhishekkushwahaa/signsetu/internal/leaderelection"
	"github.com/abhishekkushwahaa/signsetu/internal/notify"
	"github.com/abhishekkushwahaa/signsetu/internal/reconciler"
	"github.com/abhishekkushwahaa/signsetu/internal/scheduler"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	dispatcher.MetricsSink
	scheduler.MetricsSink
	reconciler.MetricsSink
	leaderelection.MetricsSink
	notify.RejectionRecorder
	analytics.FailureRecorder

	// BreakerStateChanged is wired to circuitbreaker.CircuitBreaker.OnTransition.
	BreakerStateChanged(key string, from, to circuitbreaker.State)
}

var (
	_ Sink = (*PrometheusSink)(nil)
	_ Sink = (*NoopSink)(nil)
)
