// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Storage backends selectable via QUEUE_STORAGE.
const (
	StorageMemory = "MEMORY"
	StorageRedis  = "REDIS"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// APIKey is the inbound credential required on every endpoint
	// except /health and /metrics.
	APIKey string `env:"API_KEY"`

	// Scheduler capacity
	MaxRemoteWorkers    int `env:"MAX_REMOTE_WORKERS" envDefault:"3"`
	MaxLocalConcurrency int `env:"MAX_LOCAL_CONCURRENCY" envDefault:"2"`

	// Store selection
	QueueStorage string `env:"QUEUE_STORAGE" envDefault:"MEMORY"`
	RedisURL     string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Timer intervals. Millisecond-valued on the wire for parity with
	// the executor fleet's own configuration.
	PollIntervalMS      int `env:"POLL_INTERVAL_MS" envDefault:"5000"`
	TimeoutCheckMS      int `env:"TIMEOUT_CHECK_MS" envDefault:"60000"`
	ReconcileIntervalMS int `env:"RECONCILE_INTERVAL_MS" envDefault:"300000"`
	JobTTLSeconds       int `env:"JOB_TTL_SECONDS" envDefault:"86400"`

	// Remote executor control plane
	RunpodEndpointURL    string        `env:"RUNPOD_ENDPOINT_URL" envDefault:"http://localhost:8000"`
	RunpodAPIKey         string        `env:"RUNPOD_API_KEY"`
	RunpodRequestTimeout time.Duration `env:"RUNPOD_REQUEST_TIMEOUT" envDefault:"30s"`

	// Webhook delivery
	WebhookSecret       string `env:"WEBHOOK_SECRET"`
	WebhookMaxAttempts  int    `env:"WEBHOOK_MAX_ATTEMPTS" envDefault:"3"`
	WebhookAllowPrivate bool   `env:"WEBHOOK_ALLOW_PRIVATE" envDefault:"false"`

	// HTTP server
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Observability
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"media-orchestrator"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	cfg.QueueStorage = strings.ToUpper(strings.TrimSpace(cfg.QueueStorage))
	if cfg.QueueStorage != StorageMemory && cfg.QueueStorage != StorageRedis {
		return Config{}, fmt.Errorf("op=config.Load: unknown QUEUE_STORAGE %q", cfg.QueueStorage)
	}
	if cfg.MaxRemoteWorkers <= 0 {
		return Config{}, fmt.Errorf("op=config.Load: MAX_REMOTE_WORKERS must be positive, got %d", cfg.MaxRemoteWorkers)
	}
	if cfg.MaxLocalConcurrency <= 0 {
		return Config{}, fmt.Errorf("op=config.Load: MAX_LOCAL_CONCURRENCY must be positive, got %d", cfg.MaxLocalConcurrency)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// PollInterval is the active-job poll cadence.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// TimeoutCheckInterval is the timeout sweep cadence.
func (c Config) TimeoutCheckInterval() time.Duration {
	return time.Duration(c.TimeoutCheckMS) * time.Millisecond
}

// ReconcileInterval is the counter audit cadence.
func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalMS) * time.Millisecond
}

// JobTTL is how long terminal jobs are retained.
func (c Config) JobTTL() time.Duration {
	return time.Duration(c.JobTTLSeconds) * time.Second
}
