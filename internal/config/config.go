// Package config loads quiethours settings from the environment.
package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the quiethours binary.
// Values are loaded from environment variables; see SPEC_FULL.md §A.3 or
// `quiethours config` for the full list.
type Config struct {
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"` // postgres|sqlite
	DatabaseURL string `envconfig:"DATABASE_URL"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"./data/quiethours.db"`

	DBMaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	DBMaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	DBConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m"`
	DBConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"5m"`

	Notifier      string `envconfig:"NOTIFIER" default:"resend"` // resend|log
	ResendAPIKey  string `envconfig:"RESEND_API_KEY"`
	ResendBaseURL string `envconfig:"RESEND_BASE_URL" default:"https://api.resend.com"`
	ReminderFrom  string `envconfig:"REMINDER_FROM" default:"Reminder <onboarding@resend.dev>"`

	ReminderWindow  time.Duration `envconfig:"REMINDER_WINDOW" default:"10m"`
	IOTimeout       time.Duration `envconfig:"IO_TIMEOUT" default:"5s"`
	DispatchWorkers int           `envconfig:"DISPATCH_WORKERS" default:"1"`

	// RunSchedule's longest gap between activations must not exceed
	// ReminderWindow, or blocks starting in the gap are never selected.
	RunSchedule      string        `envconfig:"RUN_SCHEDULE" default:"*/5 * * * *"`
	RunTimeout       time.Duration `envconfig:"RUN_TIMEOUT" default:"2m"`
	SchedulerEnabled bool          `envconfig:"SCHEDULER_ENABLED" default:"true"`

	HTTPAddr            string        `envconfig:"HTTP_ADDR" default:":8080"`
	TriggerToken        string        `envconfig:"TRIGGER_TOKEN"`
	HTTPShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`

	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricsPath    string `envconfig:"METRICS_PATH" default:"/metrics"`
	MetricsPort    int    `envconfig:"METRICS_PORT" default:"9090"`

	RedisAddr          string        `envconfig:"REDIS_ADDR"`
	RedisPassword      string        `envconfig:"REDIS_PASSWORD"`
	RedisDB            int           `envconfig:"REDIS_DB" default:"0"`
	AnalyticsRetention time.Duration `envconfig:"ANALYTICS_RETENTION" default:"168h"`

	ReconcileEnabled   bool          `envconfig:"RECONCILE_ENABLED" default:"true"`
	ReconcileInterval  time.Duration `envconfig:"RECONCILE_INTERVAL" default:"1m"`
	ReconcileThreshold time.Duration `envconfig:"RECONCILE_THRESHOLD" default:"30s"`
	ReconcileBatchSize int           `envconfig:"RECONCILE_BATCH_SIZE" default:"100"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold int           `envconfig:"CIRCUIT_BREAKER_THRESHOLD" default:"5"`
	CircuitBreakerCooldown  time.Duration `envconfig:"CIRCUIT_BREAKER_COOLDOWN" default:"2m"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderElectionEnabled bool  `envconfig:"LEADER_ELECTION_ENABLED" default:"false"`
	LeaderLockKey         int64 `envconfig:"LEADER_LOCK_KEY" default:"728379"`
	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval time.Duration `envconfig:"LEADER_RETRY_INTERVAL" default:"5s"`
	// LeaderHeartbeatInterval pings the dedicated connection to detect local
	// connection death. It does not renew the advisory lock.
	LeaderHeartbeatInterval time.Duration `envconfig:"LEADER_HEARTBEAT_INTERVAL" default:"2s"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"` // debug|info|warn|error
}

// Load reads an optional .env file from the working directory, then the
// environment. Variables already set in the environment win over .env.
// A malformed value (e.g. an unparseable duration) is returned as an error;
// semantic checks are left to Validate.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}

	// Support PORT as a fallback for HTTP_ADDR on PaaS hosts.
	if _, set := os.LookupEnv("HTTP_ADDR"); !set {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		}
	}
	return cfg, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		StoreDriver             string `json:"store_driver"`
		DatabaseURL             string `json:"database_url,omitempty"`
		SQLitePath              string `json:"sqlite_path,omitempty"`
		DBMaxOpenConns          int    `json:"db_max_open_conns"`
		DBMaxIdleConns          int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime       string `json:"db_conn_max_idle_time"`
		Notifier                string `json:"notifier"`
		ResendAPIKey            string `json:"resend_api_key,omitempty"`
		ResendBaseURL           string `json:"resend_base_url"`
		ReminderFrom            string `json:"reminder_from"`
		ReminderWindow          string `json:"reminder_window"`
		IOTimeout               string `json:"io_timeout"`
		DispatchWorkers         int    `json:"dispatch_workers"`
		RunSchedule             string `json:"run_schedule"`
		RunTimeout              string `json:"run_timeout"`
		SchedulerEnabled        bool   `json:"scheduler_enabled"`
		HTTPAddr                string `json:"http_addr"`
		TriggerToken            string `json:"trigger_token,omitempty"`
		HTTPShutdownTimeout     string `json:"http_shutdown_timeout"`
		MetricsEnabled          bool   `json:"metrics_enabled"`
		MetricsPath             string `json:"metrics_path"`
		MetricsPort             int    `json:"metrics_port"`
		RedisAddr               string `json:"redis_addr,omitempty"`
		RedisPassword           string `json:"redis_password,omitempty"`
		AnalyticsRetention      string `json:"analytics_retention"`
		ReconcileEnabled        bool   `json:"reconcile_enabled"`
		ReconcileInterval       string `json:"reconcile_interval"`
		ReconcileThreshold      string `json:"reconcile_threshold"`
		ReconcileBatchSize      int    `json:"reconcile_batch_size"`
		CircuitBreakerThreshold int    `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string `json:"circuit_breaker_cooldown"`
		LeaderElectionEnabled   bool   `json:"leader_election_enabled"`
		LeaderLockKey           int64  `json:"leader_lock_key"`
		LeaderRetryInterval     string `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string `json:"leader_heartbeat_interval"`
		LogLevel                string `json:"log_level"`
	}{
		StoreDriver:             c.StoreDriver,
		DatabaseURL:             maskSecret(c.DatabaseURL),
		SQLitePath:              c.SQLitePath,
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetime.String(),
		DBConnMaxIdleTime:       c.DBConnMaxIdleTime.String(),
		Notifier:                c.Notifier,
		ResendAPIKey:            maskSecret(c.ResendAPIKey),
		ResendBaseURL:           c.ResendBaseURL,
		ReminderFrom:            c.ReminderFrom,
		ReminderWindow:          c.ReminderWindow.String(),
		IOTimeout:               c.IOTimeout.String(),
		DispatchWorkers:         c.DispatchWorkers,
		RunSchedule:             c.RunSchedule,
		RunTimeout:              c.RunTimeout.String(),
		SchedulerEnabled:        c.SchedulerEnabled,
		HTTPAddr:                c.HTTPAddr,
		TriggerToken:            maskSecret(c.TriggerToken),
		HTTPShutdownTimeout:     c.HTTPShutdownTimeout.String(),
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		MetricsPort:             c.MetricsPort,
		RedisAddr:               c.RedisAddr,
		RedisPassword:           maskSecret(c.RedisPassword),
		AnalyticsRetention:      c.AnalyticsRetention.String(),
		ReconcileEnabled:        c.ReconcileEnabled,
		ReconcileInterval:       c.ReconcileInterval.String(),
		ReconcileThreshold:      c.ReconcileThreshold.String(),
		ReconcileBatchSize:      c.ReconcileBatchSize,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldown.String(),
		LeaderElectionEnabled:   c.LeaderElectionEnabled,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryInterval.String(),
		LeaderHeartbeatInterval: c.LeaderHeartbeatInterval.String(),
		LogLevel:                c.LogLevel,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
