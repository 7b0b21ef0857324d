package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@mailriver.io"`

	// ----------------------------
	// Pipeline
	// ----------------------------
	TickInterval      time.Duration `envconfig:"TICK_INTERVAL" default:"10s"`
	RenderBatchSize   int           `envconfig:"RENDER_BATCH_SIZE" default:"50"`
	StuckThreshold    time.Duration `envconfig:"STUCK_THRESHOLD" default:"20m"`
	FirstRunDelta     time.Duration `envconfig:"FIRST_RUN_DELTA" default:"60s"`
	RetryAttempts     int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	GlobalSendRate    int           `envconfig:"GLOBAL_SEND_RATE" default:"50"`
	SendConcurrency   int           `envconfig:"SEND_CONCURRENCY" default:"10"`
	RenderConcurrency int           `envconfig:"RENDER_CONCURRENCY" default:"5"`

	// ----------------------------
	// Capacity
	// ----------------------------
	CapacityBaseRate float64       `envconfig:"CAPACITY_BASE_RATE" default:"0.2"`
	CapacityMaxRate  float64       `envconfig:"CAPACITY_MAX_RATE" default:"10"`
	CapacityWindow   time.Duration `envconfig:"CAPACITY_WINDOW" default:"24h"`

	// ----------------------------
	// Unsubscribe links
	// ----------------------------
	UnsubscribeBaseURL string `envconfig:"UNSUBSCRIBE_BASE_URL" default:""`
	UnsubscribeSecret  string `envconfig:"UNSUBSCRIBE_SECRET" default:""`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
