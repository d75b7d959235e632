// Package config loads the taskqueue runtime configuration from defaults,
// an optional YAML file and environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bargom/taskqueue/internal/taskqueue"
	"github.com/bargom/taskqueue/pkg/logging"
)

// BackendType selects the queue backend.
type BackendType string

const (
	BackendEmbedded    BackendType = "embedded"
	BackendCloud       BackendType = "cloud"
	BackendDistributed BackendType = "distributed"
)

var backendAliases = map[string]BackendType{
	"embedded":    BackendEmbedded,
	"sqlite":      BackendEmbedded,
	"cloud":       BackendCloud,
	"sqs":         BackendCloud,
	"distributed": BackendDistributed,
	"asynq":       BackendDistributed,
	"redis":       BackendDistributed,
}

// ParseBackendType resolves a backend name or alias.
func ParseBackendType(s string) (BackendType, error) {
	if t, ok := backendAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", taskqueue.ErrUnsupportedBackend, s)
}

// UnmarshalYAML accepts aliases in config files.
func (t *BackendType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseBackendType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Config holds the complete runtime configuration.
type Config struct {
	Backend BackendConfig  `yaml:"backend"`
	Worker  WorkerConfig   `yaml:"worker"`
	HTTP    HTTPConfig     `yaml:"http"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Cleanup CleanupConfig  `yaml:"cleanup"`
	Webhook WebhookConfig  `yaml:"webhook"`
	Logging logging.Config `yaml:"logging"`
}

// BackendConfig selects and configures the queue backend.
type BackendConfig struct {
	Type   BackendType  `yaml:"type" validate:"required,backend_type"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	SQS    SQSConfig    `yaml:"sqs"`
	Broker BrokerConfig `yaml:"broker"`
}

// SQLiteConfig configures the embedded backend.
type SQLiteConfig struct {
	Path       string        `yaml:"path"`
	Visibility time.Duration `yaml:"visibility" validate:"gte=0"`
}

// SQSConfig configures the cloud backend.
type SQSConfig struct {
	QueueURL          string        `yaml:"queue_url" validate:"omitempty,url"`
	Region            string        `yaml:"region"`
	Endpoint          string        `yaml:"endpoint" validate:"omitempty,url"`
	AccessKeyID       string        `yaml:"access_key_id"`
	SecretAccessKey   string        `yaml:"secret_access_key"`
	SessionToken      string        `yaml:"session_token"`
	WaitTime          time.Duration `yaml:"wait_time" validate:"gte=0,lte=20s"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" validate:"gte=0,lte=12h"`
}

// BrokerConfig configures the distributed backend.
type BrokerConfig struct {
	URL             string        `yaml:"url"`
	Addr            string        `yaml:"addr"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db" validate:"gte=0"`
	Queue           string        `yaml:"queue"`
	Concurrency     int           `yaml:"concurrency" validate:"gte=0"`
	MaxRetry        int           `yaml:"max_retry" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// WorkerConfig configures the pull worker loops.
type WorkerConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" validate:"gt=0"`
	Concurrency     int           `yaml:"concurrency" validate:"min=1,max=256"`
	MaxAttempts     int           `yaml:"max_attempts" validate:"min=1"`
	BaseDelay       time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay        time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
	UnhandledDelay  time.Duration `yaml:"unhandled_delay" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// HandlerTimeout bounds each handler call. It must stay below the
	// backend's visibility window so a message is settled before another
	// consumer can reclaim it.
	HandlerTimeout time.Duration `yaml:"handler_timeout" validate:"gt=0"`
}

// HTTPConfig configures the admin and producer API.
type HTTPConfig struct {
	Addr         string        `yaml:"addr" validate:"required"`
	JWTSecret    string        `yaml:"jwt_secret"`
	JWTIssuer    string        `yaml:"jwt_issuer"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gt=0"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace" validate:"required"`
	Path      string `yaml:"path" validate:"required,startswith=/"`
}

// CleanupConfig configures the periodic purge of failed messages.
type CleanupConfig struct {
	FailedRetention time.Duration `yaml:"failed_retention" validate:"gte=0"`

	// Schedule is a cron expression or descriptor such as "@hourly". Empty
	// disables the purge.
	Schedule string `yaml:"schedule" validate:"omitempty,cron"`
}

// WebhookConfig configures the built-in webhook:deliver handler.
type WebhookConfig struct {
	// SigningSecret signs deliveries when set.
	SigningSecret string `yaml:"signing_secret"`
}

// Defaults shared by DefaultConfig and validation.
const (
	DefaultSQLiteVisibility = 5 * time.Minute
	DefaultHandlerTimeout   = 2 * time.Minute
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend: BackendConfig{
			Type: BackendEmbedded,
			SQLite: SQLiteConfig{
				Path:       "data/taskqueue.db",
				Visibility: DefaultSQLiteVisibility,
			},
			SQS: SQSConfig{
				WaitTime: 5 * time.Second,
			},
			Broker: BrokerConfig{
				Addr:            "localhost:6379",
				Queue:           "default",
				Concurrency:     10,
				MaxRetry:        taskqueue.DefaultMaxAttempts,
				ShutdownTimeout: 30 * time.Second,
			},
		},
		Worker: WorkerConfig{
			PollInterval:    taskqueue.DefaultPollInterval,
			Concurrency:     1,
			MaxAttempts:     taskqueue.DefaultMaxAttempts,
			BaseDelay:       taskqueue.DefaultServiceBaseDelay,
			MaxDelay:        taskqueue.DefaultMaxRetryDelay,
			UnhandledDelay:  taskqueue.DefaultUnhandledDelay,
			ShutdownTimeout: 30 * time.Second,
			HandlerTimeout:  DefaultHandlerTimeout,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			JWTIssuer:    "taskqueue",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "taskqueue",
			Path:      "/metrics",
		},
		Cleanup: CleanupConfig{
			FailedRetention: 7 * 24 * time.Hour,
			Schedule:        "@hourly",
		},
		Logging: logging.DefaultConfig(),
	}
}

// RetryPolicy builds the service retry policy from the worker settings.
func (w WorkerConfig) RetryPolicy() taskqueue.RetryPolicy {
	return taskqueue.RetryPolicy{
		MaxAttempts:  w.MaxAttempts,
		InitialDelay: w.BaseDelay,
		MaxDelay:     w.MaxDelay,
		Multiplier:   2.0,
	}
}

// ConsumePolicy is the policy of the broker's own retry loop, sharing the
// worker's attempt ceiling.
func (w WorkerConfig) ConsumePolicy() taskqueue.RetryPolicy {
	p := taskqueue.ConsumeRetryPolicy()
	p.MaxAttempts = w.MaxAttempts
	return p
}
