// Package scheduler is the periodic dispatch trigger. It invokes a run at
// every activation of a cron schedule, one run at a time.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/abhishekkushwahaa/signsetu/internal/cron"
	"github.com/abhishekkushwahaa/signsetu/internal/dispatcher"
)

// DefaultRunTimeout bounds a scheduled run when Config.RunTimeout is zero.
const DefaultRunTimeout = 2 * time.Minute

// maxMissedCount caps the missed-activation walk after a slow run.
const maxMissedCount = 1000

// Runner performs one dispatch run at now.
type Runner interface {
	Run(ctx context.Context, now time.Time) (dispatcher.RunResult, error)
}

// MetricsSink defines the interface for recording scheduler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, err error)
	TickDrift(drift time.Duration)
	TicksMissed(n int)
}

type Config struct {
	// RunTimeout is the deadline for each scheduled run.
	RunTimeout time.Duration
}

type Scheduler struct {
	config  Config
	sched   cron.Schedule
	runner  Runner
	log     *zap.Logger
	clock   func() time.Time
	after   func(time.Duration) <-chan time.Time
	metrics MetricsSink // optional, nil = disabled
}

func New(config Config, sched cron.Schedule, runner Runner, log *zap.Logger) *Scheduler {
	if config.RunTimeout <= 0 {
		config.RunTimeout = DefaultRunTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		config: config,
		sched:  sched,
		runner: runner,
		log:    log.Named("scheduler"),
		clock:  time.Now,
		after:  time.After,
	}
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// WithClock replaces the clock and timer. Used by tests.
func (s *Scheduler) WithClock(clock func() time.Time, after func(time.Duration) <-chan time.Time) *Scheduler {
	s.clock = clock
	s.after = after
	return s
}

// Run blocks, triggering runs, until ctx is cancelled. Activations that pass
// while a run is in progress are skipped, not queued.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("started", zap.Duration("run_timeout", s.config.RunTimeout))

	for {
		if ctx.Err() != nil {
			s.log.Info("stopped")
			return ctx.Err()
		}

		now := s.clock().UTC()
		next := s.sched.Next(now)
		if next.IsZero() {
			s.log.Warn("schedule has no further activations")
			<-ctx.Done()
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			s.log.Info("stopped")
			return ctx.Err()
		case <-s.after(next.Sub(now)):
			s.tick(ctx, next)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, scheduledAt time.Time) {
	fired := s.clock().UTC()
	if s.metrics != nil {
		s.metrics.TickStarted()
		s.metrics.TickDrift(fired.Sub(scheduledAt))
	}

	// The run is anchored at the activation, not the fire time, so windows of
	// consecutive runs abut exactly however late the timer fires.
	rctx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	result, err := s.runner.Run(rctx, scheduledAt)
	cancel()

	finished := s.clock().UTC()
	if s.metrics != nil {
		s.metrics.TickCompleted(finished.Sub(fired), err)
	}

	if err != nil {
		s.log.Error("scheduled run failed",
			zap.Time("scheduled_at", scheduledAt),
			zap.Error(err))
	} else {
		s.log.Debug("scheduled run complete",
			zap.Time("scheduled_at", scheduledAt),
			zap.String("message", result.Message()))
	}

	if missed := s.countBetween(scheduledAt, finished); missed > 0 {
		s.log.Warn("run outlasted schedule period, activations skipped",
			zap.Int("missed", missed),
			zap.Duration("took", finished.Sub(fired)))
		if s.metrics != nil {
			s.metrics.TicksMissed(missed)
		}
	}
}

// countBetween counts activations in (from, to].
func (s *Scheduler) countBetween(from, to time.Time) int {
	n := 0
	for t := s.sched.Next(from); !t.IsZero() && !t.After(to) && n < maxMissedCount; t = s.sched.Next(t) {
		n++
	}
	return n
}
