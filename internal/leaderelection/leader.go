// Package leaderelection provides Postgres advisory lock-based leader election.
//
// A single Postgres session-scoped advisory lock determines the leader.
// The lock is held for the lifetime of the dedicated database connection;
// there is no renewal or TTL. If the connection dies, Postgres automatically
// releases the lock server-side (timing depends on TCP keepalive settings).
//
// The heartbeat ping exists solely to detect local connection death so the
// leader can stop its duties promptly. It does NOT renew the lock.
package leaderelection

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string) // reason: "shutdown", "conn_lost", "error"
}

// LeaderDuties is started on election and stopped on demotion. In quiethours
// these are the periodic trigger and the reconciler; the HTTP trigger stays
// available on every instance because MarkNotified is conditional.
type LeaderDuties interface {
	Start(ctx context.Context)
	Stop()
}

// Elector manages leader election using a Postgres advisory lock.
type Elector struct {
	log               *zap.Logger
	db                *sql.DB
	lockKey           int64
	retryInterval     time.Duration // follower: how often to attempt lock acquisition
	heartbeatInterval time.Duration // leader: how often to ping dedicated connection
	duties            LeaderDuties
	metrics           MetricsSink // optional, nil = disabled
	leading           atomic.Bool
}

// New creates a new Elector.
//
// duties.Start is called in a new goroutine when this instance acquires the
// lock; its context is cancelled when leadership is lost. Start should
// return quickly.
//
// duties.Stop is called synchronously when leadership is lost. It should
// block until the duties are fully stopped and must be idempotent.
func New(
	db *sql.DB,
	lockKey int64,
	retryInterval, heartbeatInterval time.Duration,
	duties LeaderDuties,
	log *zap.Logger,
) *Elector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Elector{
		log:               log.Named("leader"),
		db:                db,
		lockKey:           lockKey,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		duties:            duties,
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leading.Load()
}

// Run starts the leader election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.log.Info("starting election loop",
		zap.Int64("lock_key", e.lockKey),
		zap.Duration("retry", e.retryInterval),
		zap.Duration("heartbeat", e.heartbeatInterval))

	for {
		if ctx.Err() != nil {
			e.log.Info("election loop stopped")
			return
		}

		reason := e.runOnce(ctx)

		if ctx.Err() != nil {
			e.log.Info("election loop stopped")
			return
		}

		if reason != "" {
			e.log.Warn("lost leadership",
				zap.String("reason", reason),
				zap.Duration("retry_in", e.retryInterval))
		}

		select {
		case <-ctx.Done():
			e.log.Info("election loop stopped")
			return
		case <-time.After(e.retryInterval):
		}
	}
}

// runOnce attempts to acquire the advisory lock and hold it.
// Returns the reason leadership was lost ("" if lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	// Advisory lock is session-scoped: must use a dedicated connection.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		e.log.Error("failed to acquire dedicated connection", zap.Error(err))
		return ""
	}
	defer conn.Close()

	// Non-blocking lock attempt.
	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.lockKey).Scan(&acquired)
	if err != nil {
		e.log.Error("advisory lock query failed", zap.Error(err))
		return ""
	}
	if !acquired {
		e.log.Debug("lock held by another instance",
			zap.Int64("lock_key", e.lockKey),
			zap.Duration("retry_in", e.retryInterval))
		return ""
	}

	e.log.Info("acquired advisory lock", zap.Int64("lock_key", e.lockKey))
	e.leading.Store(true)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)

	go e.duties.Start(leaderCtx)

	// Ping detects local connection death; it does NOT renew the lock (no TTL).
	reason := e.holdLock(ctx, conn)

	cancelLeader()
	e.duties.Stop()
	e.leading.Store(false)

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	// conn.Close returns the session to the pool, where a session lock
	// would survive.
	unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	if _, err := conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", e.lockKey); err != nil {
		e.log.Debug("advisory unlock failed", zap.Error(err))
	}
	cancel()

	e.log.Info("released advisory lock", zap.Int64("lock_key", e.lockKey))
	return reason
}

// holdLock blocks while pinging the dedicated connection.
// Returns the reason the lock was lost.
func (e *Elector) holdLock(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				e.log.Error("dedicated connection ping failed", zap.Error(err))
				return "conn_lost"
			}
		}
	}
}
