package metrics

import (
	"time"

	"github.com/abhishekkushwahaa/signsetu/internal/circuitbreaker"
	"github.com/abhishekkushwahaa/signsetu/internal/dispatcher"
)

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) RunStarted()                                                     {}
func (n *NoopSink) RunCompleted(d time.Duration, r dispatcher.RunResult, err error) {}
func (n *NoopSink) BlockOutcome(outcome string)                                     {}
func (n *NoopSink) SendCompleted(statusClass string, d time.Duration)               {}
func (n *NoopSink) CommitAnomaly(kind string)                                       {}
func (n *NoopSink) BlocksInFlightIncr()                                             {}
func (n *NoopSink) BlocksInFlightDecr()                                             {}
func (n *NoopSink) TickStarted()                                                    {}
func (n *NoopSink) TickCompleted(d time.Duration, err error)                        {}
func (n *NoopSink) TickDrift(drift time.Duration)                                   {}
func (n *NoopSink) TicksMissed(count int)                                           {}
func (n *NoopSink) UnmarkedDeliveriesUpdate(count int)                              {}
func (n *NoopSink) RemarkOutcome(outcome string)                                    {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                               {}
func (n *NoopSink) LeaderAcquired()                                                 {}
func (n *NoopSink) LeaderLost(reason string)                                        {}
func (n *NoopSink) BreakerRejected()                                                {}
func (n *NoopSink) BreakerStateChanged(key string, from, to circuitbreaker.State)   {}
func (n *NoopSink) AnalyticsWriteFailed()                                           {}
