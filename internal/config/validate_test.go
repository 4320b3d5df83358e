package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		StoreDriver:             "postgres",
		DatabaseURL:             "postgres://localhost/quiethours",
		SQLitePath:              "./data/quiethours.db",
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		DBConnMaxLifetime:       30 * time.Minute,
		DBConnMaxIdleTime:       5 * time.Minute,
		Notifier:                "resend",
		ResendAPIKey:            "re_test",
		ResendBaseURL:           "https://api.resend.com",
		ReminderFrom:            "Reminder <onboarding@resend.dev>",
		ReminderWindow:          10 * time.Minute,
		IOTimeout:               5 * time.Second,
		DispatchWorkers:         1,
		RunSchedule:             "*/5 * * * *",
		RunTimeout:              2 * time.Minute,
		SchedulerEnabled:        true,
		HTTPAddr:                ":8080",
		HTTPShutdownTimeout:     10 * time.Second,
		MetricsPath:             "/metrics",
		MetricsPort:             9090,
		AnalyticsRetention:      168 * time.Hour,
		ReconcileEnabled:        true,
		ReconcileInterval:       time.Minute,
		ReconcileThreshold:      30 * time.Second,
		ReconcileBatchSize:      100,
		CircuitBreakerThreshold: 5,
		CircuitBreakerCooldown:  2 * time.Minute,
		LeaderLockKey:           728379,
		LeaderRetryInterval:     5 * time.Second,
		LeaderHeartbeatInterval: 2 * time.Second,
		LogLevel:                "info",
	}
}

func fields(t *testing.T, err error) []string {
	t.Helper()
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs), "expected ValidationErrors, got %T", err)
	out := make([]string, 0, len(verrs))
	for _, e := range verrs {
		out = append(out, e.Field)
	}
	return out
}

func TestValidate_ValidConfig(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidate_SQLiteNeedsNoDatabaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.StoreDriver = "sqlite"
	cfg.DatabaseURL = ""
	assert.NoError(t, Validate(cfg))
}

func TestValidate_LogNotifierNeedsNoAPIKey(t *testing.T) {
	cfg := validConfig()
	cfg.Notifier = "log"
	cfg.ResendAPIKey = ""
	assert.NoError(t, Validate(cfg))
}

func TestValidate_SingleField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"unknown store driver", func(c *Config) { c.StoreDriver = "mongo" }, "STORE_DRIVER"},
		{"missing sqlite path", func(c *Config) { c.StoreDriver = "sqlite"; c.SQLitePath = "" }, "SQLITE_PATH"},
		{"missing api key", func(c *Config) { c.ResendAPIKey = "" }, "RESEND_API_KEY"},
		{"unknown notifier", func(c *Config) { c.Notifier = "smtp" }, "NOTIFIER"},
		{"bad sender", func(c *Config) { c.ReminderFrom = "not an address" }, "REMINDER_FROM"},
		{"zero window", func(c *Config) { c.ReminderWindow = 0 }, "REMINDER_WINDOW"},
		{"negative io timeout", func(c *Config) { c.IOTimeout = -time.Second }, "IO_TIMEOUT"},
		{"zero workers", func(c *Config) { c.DispatchWorkers = 0 }, "DISPATCH_WORKERS"},
		{"bad schedule", func(c *Config) { c.RunSchedule = "every five minutes" }, "RUN_SCHEDULE"},
		{"schedule gap exceeds window", func(c *Config) { c.RunSchedule = "*/15 * * * *" }, "RUN_SCHEDULE"},
		{"bad metrics path", func(c *Config) { c.MetricsEnabled = true; c.MetricsPath = "metrics" }, "METRICS_PATH"},
		{"bad metrics port", func(c *Config) { c.MetricsEnabled = true; c.MetricsPort = 70000 }, "METRICS_PORT"},
		{"zero retention", func(c *Config) { c.RedisAddr = "localhost:6379"; c.AnalyticsRetention = 0 }, "ANALYTICS_RETENTION"},
		{"zero batch", func(c *Config) { c.ReconcileBatchSize = 0 }, "RECONCILE_BATCH_SIZE"},
		{"negative breaker threshold", func(c *Config) { c.CircuitBreakerThreshold = -1 }, "CIRCUIT_BREAKER_THRESHOLD"},
		{"zero breaker cooldown", func(c *Config) { c.CircuitBreakerCooldown = 0 }, "CIRCUIT_BREAKER_COOLDOWN"},
		{"leader election on sqlite", func(c *Config) {
			c.StoreDriver = "sqlite"
			c.LeaderElectionEnabled = true
		}, "LEADER_ELECTION_ENABLED"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Equal(t, []string{tt.field}, fields(t, err))
		})
	}
}

func TestValidate_ScheduleGapIgnoredWhenSchedulerDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.RunSchedule = "@hourly"
	cfg.SchedulerEnabled = false
	assert.NoError(t, Validate(cfg))
}

func TestValidate_DisabledFeaturesSkipChecks(t *testing.T) {
	cfg := validConfig()
	cfg.ReconcileEnabled = false
	cfg.ReconcileBatchSize = 0
	cfg.CircuitBreakerThreshold = 0
	cfg.CircuitBreakerCooldown = 0
	cfg.MetricsPort = 0
	assert.NoError(t, Validate(cfg))
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = ""
	cfg.DispatchWorkers = 0
	cfg.LogLevel = "loud"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Equal(t, []string{"DATABASE_URL", "DISPATCH_WORKERS", "LOG_LEVEL"}, fields(t, err))
	assert.Contains(t, err.Error(), "3 validation errors:")
}

func TestValidationError_Format(t *testing.T) {
	err := ValidationError{Field: "TEST_FIELD", Message: "test message"}
	assert.Equal(t, "TEST_FIELD: test message", err.Error())
}

func TestValidationErrors_Format(t *testing.T) {
	errs := ValidationErrors{
		{Field: "FIELD1", Message: "error 1"},
		{Field: "FIELD2", Message: "error 2"},
	}
	assert.Equal(t, "2 validation errors:\n  - FIELD1: error 1\n  - FIELD2: error 2", errs.Error())
}
