package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/abhishekkushwahaa/signsetu/internal/analytics"
	"github.com/abhishekkushwahaa/signsetu/internal/api"
	"github.com/abhishekkushwahaa/signsetu/internal/circuitbreaker"
	"github.com/abhishekkushwahaa/signsetu/internal/config"
	"github.com/abhishekkushwahaa/signsetu/internal/cron"
	"github.com/abhishekkushwahaa/signsetu/internal/dispatcher"
	"github.com/abhishekkushwahaa/signsetu/internal/domain"
	"github.com/abhishekkushwahaa/signsetu/internal/leaderelection"
	"github.com/abhishekkushwahaa/signsetu/internal/metrics"
	"github.com/abhishekkushwahaa/signsetu/internal/notify"
	"github.com/abhishekkushwahaa/signsetu/internal/recipient"
	"github.com/abhishekkushwahaa/signsetu/internal/reconciler"
	"github.com/abhishekkushwahaa/signsetu/internal/scheduler"
	"github.com/abhishekkushwahaa/signsetu/internal/store/postgres"
	"github.com/abhishekkushwahaa/signsetu/internal/store/sqlite"
)

// backend is everything cmd needs from a store.
type backend interface {
	dispatcher.Store
	dispatcher.DeliveryRecorder
	reconciler.Store
	api.Store
	recipient.ProfileStore
	GetBlock(ctx context.Context, id uuid.UUID) (domain.TimeBlock, error)
	PingContext(ctx context.Context) error
	Migrate(ctx context.Context) ([]string, error)
	Close() error
}

var (
	_ backend = (*postgres.Store)(nil)
	_ backend = (*sqlite.Store)(nil)
)

// app holds the long-lived components shared by serve and run.
type app struct {
	cfg        config.Config
	log        *zap.Logger
	store      backend
	metrics    metrics.Sink
	registry   *prometheus.Registry // nil when metrics are disabled
	redis      *redis.Client        // nil when analytics are disabled
	stats      *analytics.RedisSink
	dispatcher *dispatcher.Dispatcher
}

func openStore(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.StoreDriver {
	case "postgres":
		st, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return st, nil
	case "sqlite":
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// buildApp opens the store and wires the dispatcher with its optional
// delivery log, metrics and analytics. When migrate is set, pending
// migrations are applied before anything else touches the store.
func buildApp(ctx context.Context, cfg config.Config, log *zap.Logger, migrate bool) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, store: st, metrics: metrics.NewNoopSink()}

	if migrate {
		applied, err := st.Migrate(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		for _, v := range applied {
			log.Info("applied migration", zap.String("version", v))
		}
	}

	if cfg.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.NewPrometheusSink(a.registry, log)
	}

	a.dispatcher = dispatcher.New(dispatcher.Config{
		Window:    cfg.ReminderWindow,
		IOTimeout: cfg.IOTimeout,
		Workers:   cfg.DispatchWorkers,
	}, st, recipient.New(st), a.newNotifier(), log).
		WithDeliveryLog(st).
		WithMetrics(a.metrics)

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.stats = analytics.NewRedisSink(a.redis, cfg.AnalyticsRetention, log.Named("analytics")).
			WithMetrics(a.metrics)
		a.dispatcher = a.dispatcher.WithAnalytics(a.stats)
		log.Info("analytics enabled", zap.String("redis", cfg.RedisAddr))
	}

	return a, nil
}

// newNotifier builds the configured sender, wrapped in a circuit breaker
// unless CIRCUIT_BREAKER_THRESHOLD is 0.
func (a *app) newNotifier() dispatcher.Notifier {
	if a.cfg.Notifier == "log" {
		return notify.NewLogSender(a.log)
	}

	sender := notify.NewResendSender(notify.ResendConfig{
		APIKey:  a.cfg.ResendAPIKey,
		BaseURL: a.cfg.ResendBaseURL,
		From:    a.cfg.ReminderFrom,
	})
	if a.cfg.CircuitBreakerThreshold <= 0 {
		return sender
	}

	breaker := circuitbreaker.New(a.cfg.CircuitBreakerThreshold, a.cfg.CircuitBreakerCooldown).
		OnTransition(func(key string, from, to circuitbreaker.State) {
			a.log.Warn("circuit breaker transition",
				zap.String("key", key),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
			a.metrics.BreakerStateChanged(key, from, to)
		})
	return notify.NewGuarded(sender, breaker, sender.Endpoint()).WithMetrics(a.metrics)
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("close redis", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", zap.Error(err))
	}
}

// duties runs the periodic trigger and the reconciler. With leader election
// they run only on the leader; Start and Stop follow leaderelection.LeaderDuties.
type duties struct {
	log        *zap.Logger
	scheduler  *scheduler.Scheduler // nil when SCHEDULER_ENABLED=false
	reconciler *reconciler.Reconciler

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (d *duties) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)

	if d.scheduler != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			_ = d.scheduler.Run(ctx)
		}()
	}
	if d.reconciler != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.reconciler.Run(ctx)
		}()
	}
}

func (d *duties) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

func (a *app) newDuties() (*duties, error) {
	d := &duties{log: a.log}

	if a.cfg.SchedulerEnabled {
		sched, err := cron.NewParser().Parse(a.cfg.RunSchedule)
		if err != nil {
			return nil, fmt.Errorf("parse RUN_SCHEDULE: %w", err)
		}
		d.scheduler = scheduler.New(scheduler.Config{RunTimeout: a.cfg.RunTimeout}, sched, a.dispatcher, a.log).
			WithMetrics(a.metrics)
	}

	if a.cfg.ReconcileEnabled {
		d.reconciler = reconciler.New(reconciler.Config{
			Interval:  a.cfg.ReconcileInterval,
			Threshold: a.cfg.ReconcileThreshold,
			BatchSize: a.cfg.ReconcileBatchSize,
			IOTimeout: a.cfg.IOTimeout,
		}, a.store, a.log).WithMetrics(a.metrics)
	}
	return d, nil
}

// newElector gates d behind a postgres advisory lock.
func (a *app) newElector(d *duties) (*leaderelection.Elector, error) {
	pg, ok := a.store.(*postgres.Store)
	if !ok {
		return nil, errLeaderElectionStore
	}
	return leaderelection.New(pg.DB(), a.cfg.LeaderLockKey,
		a.cfg.LeaderRetryInterval, a.cfg.LeaderHeartbeatInterval, d, a.log).
		WithMetrics(a.metrics), nil
}

var errLeaderElectionStore = errors.New("leader election requires the postgres store")

// serve runs until ctx is cancelled, then shuts down in order: leader
// duties first (no new runs), then the HTTP servers.
func serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	logConfigWarnings(cfg, log)

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	a, err := buildApp(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.newDuties()
	if err != nil {
		return err
	}

	// Checked before any listener starts so an early return leaks nothing.
	var elector *leaderelection.Elector
	if cfg.LeaderElectionEnabled {
		elector, err = a.newElector(d)
		if err != nil {
			return err
		}
	}

	handler := api.NewHandler(a.store, a.dispatcher, api.HeaderUserProvider{}, log).
		WithHealthChecker(a.store).
		WithTriggerToken(cfg.TriggerToken).
		WithRunTimeout(cfg.RunTimeout)
	if a.stats != nil {
		handler = handler.WithStats(a.stats)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	var metricsServer *http.Server
	if a.registry != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("metrics server listening",
				zap.Int("port", cfg.MetricsPort),
				zap.String("path", cfg.MetricsPath))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	var electorDone chan struct{}
	if elector != nil {
		electorDone = make(chan struct{})
		go func() {
			defer close(electorDone)
			elector.Run(ctx)
		}()
	} else {
		d.Start(ctx)
	}

	log.Info("started",
		zap.String("store", cfg.StoreDriver),
		zap.String("notifier", cfg.Notifier),
		zap.Duration("window", cfg.ReminderWindow),
		zap.Bool("scheduler", cfg.SchedulerEnabled),
		zap.String("schedule", cfg.RunSchedule),
		zap.Bool("reconciler", cfg.ReconcileEnabled),
		zap.Bool("leader_election", cfg.LeaderElectionEnabled))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-httpErr:
		log.Error("http server error", zap.Error(runErr))
	}
	cancelRun()

	// Phase 1: stop the periodic trigger and reconciler.
	if electorDone != nil {
		<-electorDone
	}
	d.Stop()
	log.Info("leader duties stopped")

	// Phase 2: stop accepting HTTP requests; in-flight /run calls finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown", zap.Error(err))
		}
	}

	log.Info("stopped")
	return runErr
}
