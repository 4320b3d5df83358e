package config

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/abhishekkushwahaa/signsetu/internal/cron"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	positive := func(field string, d time.Duration) {
		if d <= 0 {
			add(field, "must be positive, got %s", d)
		}
	}

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when STORE_DRIVER=postgres")
		}
	case "sqlite":
		if cfg.SQLitePath == "" {
			add("SQLITE_PATH", "required when STORE_DRIVER=sqlite")
		}
	default:
		add("STORE_DRIVER", "must be 'postgres' or 'sqlite', got %q", cfg.StoreDriver)
	}

	if cfg.DBMaxOpenConns < 1 {
		add("DB_MAX_OPEN_CONNS", "must be at least 1, got %d", cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns < 0 {
		add("DB_MAX_IDLE_CONNS", "must not be negative, got %d", cfg.DBMaxIdleConns)
	}

	switch cfg.Notifier {
	case "resend":
		if cfg.ResendAPIKey == "" {
			add("RESEND_API_KEY", "required when NOTIFIER=resend")
		}
		if cfg.ResendBaseURL == "" {
			add("RESEND_BASE_URL", "required when NOTIFIER=resend")
		}
	case "log":
	default:
		add("NOTIFIER", "must be 'resend' or 'log', got %q", cfg.Notifier)
	}
	if _, err := mail.ParseAddress(cfg.ReminderFrom); err != nil {
		add("REMINDER_FROM", "invalid address: %v", err)
	}

	positive("REMINDER_WINDOW", cfg.ReminderWindow)
	positive("IO_TIMEOUT", cfg.IOTimeout)
	positive("RUN_TIMEOUT", cfg.RunTimeout)
	positive("HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeout)
	if cfg.DispatchWorkers < 1 {
		add("DISPATCH_WORKERS", "must be at least 1, got %d", cfg.DispatchWorkers)
	}

	sched, err := cron.NewParser().Parse(cfg.RunSchedule)
	if err != nil {
		add("RUN_SCHEDULE", "invalid cron expression: %v", err)
	} else if cfg.SchedulerEnabled && cfg.ReminderWindow > 0 {
		// A gap longer than the window leaves blocks that are never selected.
		if period := cron.MaxPeriod(sched, time.Now().UTC()); period > cfg.ReminderWindow {
			add("RUN_SCHEDULE", "longest gap between runs (%s) exceeds REMINDER_WINDOW (%s)", period, cfg.ReminderWindow)
		}
	}

	if cfg.MetricsEnabled {
		if !strings.HasPrefix(cfg.MetricsPath, "/") {
			add("METRICS_PATH", "must start with '/', got %q", cfg.MetricsPath)
		}
		if cfg.MetricsPort < 1 || cfg.MetricsPort > 65535 {
			add("METRICS_PORT", "must be between 1 and 65535, got %d", cfg.MetricsPort)
		}
	}

	if cfg.RedisAddr != "" {
		positive("ANALYTICS_RETENTION", cfg.AnalyticsRetention)
	}

	if cfg.ReconcileEnabled {
		positive("RECONCILE_INTERVAL", cfg.ReconcileInterval)
		positive("RECONCILE_THRESHOLD", cfg.ReconcileThreshold)
		if cfg.ReconcileBatchSize < 1 {
			add("RECONCILE_BATCH_SIZE", "must be at least 1, got %d", cfg.ReconcileBatchSize)
		}
	}

	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative, got %d", cfg.CircuitBreakerThreshold)
	}
	if cfg.CircuitBreakerThreshold > 0 {
		positive("CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldown)
	}

	if cfg.LeaderElectionEnabled {
		if cfg.StoreDriver != "postgres" {
			add("LEADER_ELECTION_ENABLED", "requires STORE_DRIVER=postgres")
		}
		positive("LEADER_RETRY_INTERVAL", cfg.LeaderRetryInterval)
		positive("LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatInterval)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		add("LOG_LEVEL", "must be one of debug, info, warn, error; got %q", cfg.LogLevel)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
