// Package reconciler repairs blocks whose reminder was delivered but whose
// notified flag was never set.
//
// That happens when the provider accepted the email and the conditional
// update then failed (store outage, crash between send and commit). The
// delivery log still holds the successful attempt, so the reconciler
// periodically re-applies MarkNotified for such blocks. The update is the
// same conditional false→true write the dispatcher uses, so racing a live
// run is harmless.
package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abhishekkushwahaa/signsetu/internal/domain"
)

// Store defines the delivery log scan and the conditional mark.
type Store interface {
	ListUnmarkedDeliveries(ctx context.Context, olderThan time.Time, limit int) ([]domain.DeliveryAttempt, error)
	MarkNotified(ctx context.Context, id uuid.UUID) (bool, error)
}

// MetricsSink defines the interface for recording reconciler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	UnmarkedDeliveriesUpdate(count int)
	RemarkOutcome(outcome string)
}

// Remark outcomes.
const (
	OutcomeMarked        = "marked"
	OutcomeAlreadyMarked = "already_marked"
	OutcomeVanished      = "vanished"
	OutcomeError         = "error"
)

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 1 minute.
	Interval time.Duration

	// Threshold is how old a successful attempt must be before its block is
	// considered stuck. It should exceed the I/O timeout so a run's own
	// commit is not raced needlessly.
	// Default: 30 seconds.
	Threshold time.Duration

	// BatchSize is the maximum number of blocks repaired per cycle.
	// Default: 100.
	BatchSize int

	// IOTimeout bounds each store call.
	// Default: 5 seconds.
	IOTimeout time.Duration
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Minute,
		Threshold: 30 * time.Second,
		BatchSize: 100,
		IOTimeout: 5 * time.Second,
	}
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Found         int
	Marked        int
	AlreadyMarked int
	Vanished      int
	Errors        int
}

type Reconciler struct {
	config  Config
	store   Store
	log     *zap.Logger
	clock   func() time.Time
	metrics MetricsSink // optional, nil = disabled
}

func New(config Config, store Store, log *zap.Logger) *Reconciler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.IOTimeout <= 0 {
		config.IOTimeout = def.IOTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		config: config,
		store:  store,
		log:    log.Named("reconciler"),
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// WithClock replaces the wall clock.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.log.Info("started",
		zap.Duration("interval", r.config.Interval),
		zap.Duration("threshold", r.config.Threshold),
		zap.Int("batch", r.config.BatchSize))

	// Run immediately on startup, then on ticker
	r.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle executes one reconciliation cycle.
func (r *Reconciler) RunCycle(ctx context.Context) CycleResult {
	var res CycleResult
	olderThan := r.clock().UTC().Add(-r.config.Threshold)

	lctx, cancel := context.WithTimeout(ctx, r.config.IOTimeout)
	stuck, err := r.store.ListUnmarkedDeliveries(lctx, olderThan, r.config.BatchSize)
	cancel()
	if err != nil {
		// Store error: log and abort cycle. Will retry next interval.
		r.log.Warn("failed to list unmarked deliveries", zap.Error(err))
		return res
	}

	res.Found = len(stuck)
	if r.metrics != nil {
		r.metrics.UnmarkedDeliveriesUpdate(len(stuck))
	}
	if len(stuck) == 0 {
		return res
	}

	r.log.Warn("found delivered reminders with unset notified flag", zap.Int("count", len(stuck)))

	for _, a := range stuck {
		if ctx.Err() != nil {
			r.log.Info("cycle interrupted",
				zap.Int("done", res.Marked+res.AlreadyMarked+res.Vanished+res.Errors),
				zap.Int("found", res.Found))
			return res
		}
		outcome := r.remark(ctx, a)
		switch outcome {
		case OutcomeMarked:
			res.Marked++
		case OutcomeAlreadyMarked:
			res.AlreadyMarked++
		case OutcomeVanished:
			res.Vanished++
		default:
			res.Errors++
		}
		if r.metrics != nil {
			r.metrics.RemarkOutcome(outcome)
		}
	}

	r.log.Info("cycle complete",
		zap.Int("marked", res.Marked),
		zap.Int("already_marked", res.AlreadyMarked),
		zap.Int("vanished", res.Vanished),
		zap.Int("errors", res.Errors))
	return res
}

func (r *Reconciler) remark(ctx context.Context, a domain.DeliveryAttempt) string {
	mctx, cancel := context.WithTimeout(ctx, r.config.IOTimeout)
	defer cancel()

	log := r.log.With(zap.Stringer("block_id", a.BlockID), zap.String("message_id", a.MessageID))

	changed, err := r.store.MarkNotified(mctx, a.BlockID)
	switch {
	case errors.Is(err, domain.ErrBlockNotFound):
		return OutcomeVanished
	case err != nil:
		log.Warn("re-mark failed, will retry next cycle", zap.Error(err))
		return OutcomeError
	case !changed:
		return OutcomeAlreadyMarked
	default:
		log.Info("marked block notified from delivery log",
			zap.Duration("age", r.clock().Sub(a.FinishedAt).Round(time.Second)))
		return OutcomeMarked
	}
}
