package main

import (
	"go.uber.org/zap"

	"github.com/abhishekkushwahaa/signsetu/internal/config"
)

// logConfigWarnings flags valid but risky combinations at startup.
func logConfigWarnings(cfg config.Config, log *zap.Logger) {
	if !cfg.ReconcileEnabled {
		log.Warn("RECONCILE_ENABLED=false: blocks whose reminder was sent but whose mark failed stay unmarked and may be reminded again")
	}
	if !cfg.SchedulerEnabled {
		log.Warn("SCHEDULER_ENABLED=false: reminders are only sent when /run is called")
	}
	if cfg.TriggerToken == "" {
		log.Warn("TRIGGER_TOKEN not set: /run accepts unauthenticated requests")
	}
	if cfg.Notifier == "log" {
		log.Warn("NOTIFIER=log: reminders are logged, not delivered")
	}
	if cfg.CircuitBreakerThreshold == 0 && cfg.Notifier == "resend" {
		log.Info("CIRCUIT_BREAKER_THRESHOLD=0: notifier circuit breaker disabled")
	}
	if !cfg.MetricsEnabled {
		log.Info("METRICS_ENABLED=false: metrics disabled")
	}
	if cfg.StoreDriver == "sqlite" && cfg.DispatchWorkers > 1 {
		log.Info("STORE_DRIVER=sqlite serializes store access; DISPATCH_WORKERS>1 only overlaps sends")
	}
}
