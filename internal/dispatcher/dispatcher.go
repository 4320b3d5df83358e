package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/abhishekkushwahaa/signsetu/internal/domain"
)

// DefaultIOTimeout bounds every store, resolver and notifier call when
// Config.IOTimeout is zero.
const DefaultIOTimeout = 5 * time.Second

// Store is the subset of the time block store the dispatcher needs.
type Store interface {
	// QueryDue returns unnotified blocks with from <= start < to.
	QueryDue(ctx context.Context, from, to time.Time) ([]domain.TimeBlock, error)
	// MarkNotified sets notified=true only if it is currently false. It
	// reports whether this call performed the transition, and returns
	// domain.ErrBlockNotFound if the block no longer exists.
	MarkNotified(ctx context.Context, id uuid.UUID) (bool, error)
}

// RecipientResolver maps an owner to a deliverable email address.
type RecipientResolver interface {
	ResolveEmail(ctx context.Context, ownerID uuid.UUID) (string, error)
}

// Notifier delivers a rendered reminder.
type Notifier interface {
	Send(ctx context.Context, email domain.Email) (domain.SendResult, error)
}

// DeliveryRecorder appends to the delivery log. Optional.
type DeliveryRecorder interface {
	InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error
}

// AnalyticsSink records run totals. Best-effort; optional.
type AnalyticsSink interface {
	Record(ctx context.Context, at time.Time, result RunResult)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	RunStarted()
	RunCompleted(duration time.Duration, result RunResult, err error)
	BlockOutcome(outcome string)
	SendCompleted(statusClass string, duration time.Duration)
	CommitAnomaly(kind string)
	BlocksInFlightIncr()
	BlocksInFlightDecr()
}

// Config tunes a Dispatcher. Zero values fall back to defaults.
type Config struct {
	// Window is the lookahead W: blocks starting in [now, now+W) are due.
	Window time.Duration
	// IOTimeout bounds each individual I/O call.
	IOTimeout time.Duration
	// Workers bounds per-block parallelism within one run.
	Workers int
}

// Dispatcher runs the reminder dispatch engine. It keeps no state between
// runs; everything durable lives in the store.
type Dispatcher struct {
	cfg        Config
	store      Store
	resolver   RecipientResolver
	notifier   Notifier
	log        *zap.Logger
	deliveries DeliveryRecorder // optional, nil = disabled
	analytics  AnalyticsSink    // optional, nil = disabled
	metrics    MetricsSink      // optional, nil = disabled
	clock      func() time.Time
}

func New(cfg Config, store Store, resolver RecipientResolver, notifier Notifier, log *zap.Logger) *Dispatcher {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		notifier: notifier,
		log:      log.Named("dispatcher"),
		clock:    time.Now,
	}
}

// WithDeliveryLog records every send attempt through rec.
func (d *Dispatcher) WithDeliveryLog(rec DeliveryRecorder) *Dispatcher {
	d.deliveries = rec
	return d
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithClock replaces the wall clock used by RunNow and for attempt timestamps.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Window returns the effective lookahead.
func (d *Dispatcher) Window() time.Duration {
	return d.cfg.Window
}

// RunNow performs a run at the dispatcher's current clock time.
func (d *Dispatcher) RunNow(ctx context.Context) (RunResult, error) {
	return d.Run(ctx, d.clock())
}

// Run performs one dispatch run at reference instant now.
//
// Only ErrStoreUnavailable is returned; every per-block problem is absorbed
// into the result. When ctx is cancelled no further blocks are started, the
// blocks already in flight finish, and the partial result is returned with
// Interrupted set.
func (d *Dispatcher) Run(ctx context.Context, now time.Time) (RunResult, error) {
	now = now.UTC()
	started := time.Now()
	if d.metrics != nil {
		d.metrics.RunStarted()
	}

	qctx, cancel := context.WithTimeout(ctx, d.cfg.IOTimeout)
	due, err := SelectDue(qctx, d.store, now, d.cfg.Window)
	cancel()
	if err != nil {
		d.log.Error("run aborted", zap.Time("now", now), zap.Error(err))
		if d.metrics != nil {
			d.metrics.RunCompleted(time.Since(started), RunResult{}, err)
		}
		return RunResult{}, err
	}

	d.log.Debug("due set selected",
		zap.Time("now", now),
		zap.Duration("window", d.cfg.Window),
		zap.Int("due", len(due)))

	rep := NewReporter()

	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)

	seen := make(map[uuid.UUID]struct{}, len(due))
	for _, b := range due {
		if _, dup := seen[b.ID]; dup {
			continue
		}
		seen[b.ID] = struct{}{}

		if ctx.Err() != nil {
			rep.MarkInterrupted()
			break
		}
		g.Go(func() error {
			// The slot may have freed up only after cancellation.
			if ctx.Err() != nil {
				rep.MarkInterrupted()
				return nil
			}
			d.dispatchOne(ctx, b, rep)
			return nil
		})
	}
	_ = g.Wait()

	result := rep.Finalize()
	d.log.Info("run complete",
		zap.Int("processed", result.Processed),
		zap.Int("sent", result.Sent),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Int("commit_races", result.CommitRaces),
		zap.Int("commit_failures", result.CommitFailures),
		zap.Bool("interrupted", result.Interrupted),
		zap.Duration("took", time.Since(started)))

	d.writeAnalytics(ctx, now, result)
	if d.metrics != nil {
		d.metrics.RunCompleted(time.Since(started), result, nil)
	}
	return result, nil
}

// dispatchOne handles a single block. Nothing escapes it: panics are
// recovered and counted as failures.
func (d *Dispatcher) dispatchOne(ctx context.Context, b domain.TimeBlock, rep *Reporter) {
	if d.metrics != nil {
		d.metrics.BlocksInFlightIncr()
		defer d.metrics.BlocksInFlightDecr()
	}

	log := d.log.With(zap.Stringer("block_id", b.ID), zap.Stringer("owner_id", b.OwnerID))

	recorded := false
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while dispatching block", zap.Any("panic", r), zap.Stack("stack"))
			if !recorded {
				d.record(rep, OutcomeFailedInternalError)
			}
		}
	}()

	outcome := d.deliver(ctx, b, rep, log)
	recorded = true
	d.record(rep, outcome)
}

func (d *Dispatcher) deliver(ctx context.Context, b domain.TimeBlock, rep *Reporter, log *zap.Logger) Outcome {
	to, err := d.resolve(ctx, b.OwnerID)
	if err != nil {
		log.Warn("recipient unresolved, block left for next run", zap.Error(err))
		return OutcomeSkippedNoRecipient
	}

	subject, body, err := RenderReminder(b)
	if err != nil {
		log.Error("render failed", zap.Error(err))
		return OutcomeFailedInternalError
	}

	email := domain.Email{
		To:             to,
		Subject:        subject,
		HTML:           body,
		IdempotencyKey: IdempotencyKey(b),
	}

	startedAt := d.clock().UTC()
	res, sendErr := d.send(ctx, email)
	finishedAt := d.clock().UTC()

	if d.metrics != nil {
		d.metrics.SendCompleted(classifySend(res, sendErr), res.Duration)
	}
	d.recordAttempt(ctx, b, to, res, sendErr, startedAt, finishedAt, log)

	if sendErr != nil {
		log.Warn("send failed, block left for next run", zap.Error(sendErr))
		return OutcomeFailedSendError
	}

	d.commit(ctx, b, rep, log.With(zap.String("message_id", res.MessageID)))
	return OutcomeSent
}

func (d *Dispatcher) resolve(ctx context.Context, ownerID uuid.UUID) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, d.cfg.IOTimeout)
	defer cancel()

	to, err := d.resolver.ResolveEmail(rctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRecipientUnresolved, err)
	}
	if strings.TrimSpace(to) == "" {
		return "", fmt.Errorf("%w: empty address", ErrRecipientUnresolved)
	}
	return to, nil
}

func (d *Dispatcher) send(ctx context.Context, email domain.Email) (domain.SendResult, error) {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.IOTimeout)
	defer cancel()

	res, err := d.notifier.Send(sctx, email)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return res, nil
}

// commit marks a sent block. It runs detached from run cancellation so a
// delivered reminder gets marked whenever the store allows it.
func (d *Dispatcher) commit(ctx context.Context, b domain.TimeBlock, rep *Reporter, log *zap.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.IOTimeout)
	defer cancel()

	changed, err := d.store.MarkNotified(cctx, b.ID)
	switch {
	case errors.Is(err, domain.ErrBlockNotFound):
		log.Info("reminder sent; block was deleted during dispatch")
		d.anomaly(rep, AnomalyVanished)
	case err != nil:
		log.Error("reminder sent but mark failed, block may be reminded again",
			zap.Error(fmt.Errorf("%w: %w", ErrCommitFailed, err)))
		d.anomaly(rep, AnomalyCommitFailed)
	case !changed:
		log.Warn("reminder sent; block already marked by another run",
			zap.Error(ErrCommitRace))
		d.anomaly(rep, AnomalyCommitRace)
	default:
		log.Info("reminder sent")
	}
}

func (d *Dispatcher) recordAttempt(ctx context.Context, b domain.TimeBlock, to string, res domain.SendResult, sendErr error, startedAt, finishedAt time.Time, log *zap.Logger) {
	if d.deliveries == nil {
		return
	}
	attempt := domain.DeliveryAttempt{
		ID:         uuid.New(),
		BlockID:    b.ID,
		Recipient:  to,
		MessageID:  res.MessageID,
		Succeeded:  sendErr == nil,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}
	if sendErr != nil {
		attempt.Error = sendErr.Error()
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.IOTimeout)
	defer cancel()
	if err := d.deliveries.InsertDeliveryAttempt(actx, attempt); err != nil {
		log.Warn("failed to record delivery attempt", zap.Error(err))
	}
}

func (d *Dispatcher) record(rep *Reporter, outcome Outcome) {
	rep.Record(outcome)
	if d.metrics != nil {
		d.metrics.BlockOutcome(string(outcome))
	}
}

func (d *Dispatcher) anomaly(rep *Reporter, kind string) {
	rep.RecordAnomaly(kind)
	if d.metrics != nil {
		d.metrics.CommitAnomaly(kind)
	}
}

// writeAnalytics records run totals as a best-effort side-effect.
func (d *Dispatcher) writeAnalytics(ctx context.Context, now time.Time, result RunResult) {
	if d.analytics == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.IOTimeout)
	defer cancel()
	d.analytics.Record(actx, now, result)
}

// classifySend maps a send result to a bounded-cardinality status class.
func classifySend(res domain.SendResult, err error) string {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "circuit breaker is open"):
			return "circuit_open"
		case strings.Contains(msg, "timeout"):
			return "timeout"
		case strings.Contains(msg, "connection refused"),
			strings.Contains(msg, "no such host"),
			strings.Contains(msg, "network is unreachable"),
			strings.Contains(msg, "dial"):
			return "connection_error"
		}
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			return "4xx"
		}
		if res.StatusCode >= 500 {
			return "5xx"
		}
		return "other_error"
	}
	return "2xx"
}
