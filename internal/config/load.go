package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// Override adjusts a loaded configuration before validation, e.g. from
// command-line flags.
type Override func(*Config) error

// Load builds the configuration from defaults, the YAML file at path (when
// non-empty), the process environment and overrides, then validates it.
func Load(path string, overrides ...Override) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		if err := o(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides cfg with TASKQUEUE_* and AWS_* variables.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	if v, ok := lookup("TASKQUEUE_BACKEND"); ok && v != "" {
		t, err := ParseBackendType(v)
		if err != nil {
			return fmt.Errorf("TASKQUEUE_BACKEND: %w", err)
		}
		c.Backend.Type = t
	}

	e.str("TASKQUEUE_SQLITE_PATH", &c.Backend.SQLite.Path)

	e.str("TASKQUEUE_SQS_QUEUE_URL", &c.Backend.SQS.QueueURL)
	e.str("TASKQUEUE_SQS_ENDPOINT", &c.Backend.SQS.Endpoint)
	e.str("AWS_REGION", &c.Backend.SQS.Region)
	e.str("AWS_ACCESS_KEY_ID", &c.Backend.SQS.AccessKeyID)
	e.str("AWS_SECRET_ACCESS_KEY", &c.Backend.SQS.SecretAccessKey)
	e.str("AWS_SESSION_TOKEN", &c.Backend.SQS.SessionToken)

	e.str("TASKQUEUE_REDIS_URL", &c.Backend.Broker.URL)
	e.str("TASKQUEUE_REDIS_ADDR", &c.Backend.Broker.Addr)
	e.str("TASKQUEUE_REDIS_PASSWORD", &c.Backend.Broker.Password)
	e.int("TASKQUEUE_REDIS_DB", &c.Backend.Broker.DB)
	e.str("TASKQUEUE_BROKER_QUEUE", &c.Backend.Broker.Queue)

	e.int("TASKQUEUE_WORKER_CONCURRENCY", &c.Worker.Concurrency)
	e.duration("TASKQUEUE_POLL_INTERVAL", &c.Worker.PollInterval)
	e.duration("TASKQUEUE_HANDLER_TIMEOUT", &c.Worker.HandlerTimeout)

	e.str("TASKQUEUE_HTTP_ADDR", &c.HTTP.Addr)
	e.str("TASKQUEUE_JWT_SECRET", &c.HTTP.JWTSecret)
	e.str("TASKQUEUE_JWT_ISSUER", &c.HTTP.JWTIssuer)

	e.bool("TASKQUEUE_METRICS_ENABLED", &c.Metrics.Enabled)

	e.str("TASKQUEUE_CLEANUP_SCHEDULE", &c.Cleanup.Schedule)
	e.duration("TASKQUEUE_FAILED_RETENTION", &c.Cleanup.FailedRetention)

	e.str("TASKQUEUE_WEBHOOK_SECRET", &c.Webhook.SigningSecret)

	e.lower("TASKQUEUE_LOG_LEVEL", &c.Logging.Level)
	e.lower("TASKQUEUE_LOG_FORMAT", &c.Logging.Format)
	e.str("TASKQUEUE_LOG_OUTPUT", &c.Logging.Output)

	return e.err
}

type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) lower(key string, dst *string) {
	if v, ok := e.lookup(key); ok && v != "" {
		*dst = strings.ToLower(v)
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = errors.Join(e.err, fmt.Errorf("%s: invalid integer %q", key, v))
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = errors.Join(e.err, fmt.Errorf("%s: invalid duration %q", key, v))
		return
	}
	*dst = d
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		e.err = errors.Join(e.err, fmt.Errorf("%s: invalid boolean %q", key, v))
		return
	}
	*dst = b
}
