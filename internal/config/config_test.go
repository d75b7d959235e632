package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bargom/taskqueue/internal/taskqueue"
)

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskqueue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParseBackendType(t *testing.T) {
	tests := []struct {
		in   string
		want BackendType
	}{
		{"embedded", BackendEmbedded},
		{"SQLite", BackendEmbedded},
		{"cloud", BackendCloud},
		{"sqs", BackendCloud},
		{"distributed", BackendDistributed},
		{"asynq", BackendDistributed},
		{" redis ", BackendDistributed},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBackendType(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseBackendType("kafka")
	assert.ErrorIs(t, err, taskqueue.ErrUnsupportedBackend)
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendEmbedded, cfg.Backend.Type)
	assert.Less(t, cfg.Worker.HandlerTimeout, cfg.Backend.SQLite.Visibility)
	assert.Equal(t, taskqueue.ServiceRetryPolicy(), cfg.Worker.RetryPolicy())
	assert.Equal(t, taskqueue.ConsumeRetryPolicy(), cfg.Worker.ConsumePolicy())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
backend:
  type: asynq
  broker:
    addr: redis:6379
    queue: jobs
worker:
  poll_interval: 250ms
  concurrency: 4
http:
  addr: ":9090"
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendDistributed, cfg.Backend.Type)
	assert.Equal(t, "redis:6379", cfg.Backend.Broker.Addr)
	assert.Equal(t, "jobs", cfg.Backend.Broker.Queue)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// untouched sections keep their defaults
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "backend:\n  type: kafka\n"},
		{"unknown field", "worker:\n  pollinterval: 1s\n"},
		{"zero concurrency", "worker:\n  concurrency: 0\n"},
		{"cloud without queue url", "backend:\n  type: sqs\n  sqs:\n    region: eu-west-1\n"},
		{"metrics path", "metrics:\n  path: metrics\n"},
		{"max delay below base", "worker:\n  base_delay: 10s\n  max_delay: 1s\n"},
		{"bad cleanup schedule", "cleanup:\n  schedule: every tuesday\n"},
		{"log format", "logging:\n  format: xml\n"},
		{"no handler timeout", "worker:\n  handler_timeout: 0s\n"},
		{"handler timeout past visibility", "worker:\n  handler_timeout: 5m\n"},
		{"handler timeout past custom visibility", "backend:\n  sqlite:\n    visibility: 30s\nworker:\n  handler_timeout: 45s\n"},
		{"handler timeout past sqs visibility", "backend:\n  type: sqs\n  sqs:\n    queue_url: https://sqs.eu-west-1.amazonaws.com/1/q\n    region: eu-west-1\n    visibility_timeout: 30s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, "backend:\n  type: sqs\n")

	// the file alone is invalid; the override repairs it before validation
	_, err := Load(path)
	require.Error(t, err)

	cfg, err := Load(path, func(c *Config) error {
		c.Backend.Type = BackendEmbedded
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, BackendEmbedded, cfg.Backend.Type)

	_, err = Load(path, func(*Config) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoad_CleanupSchedule(t *testing.T) {
	for _, spec := range []string{"@daily", "@every 30m", "15 3 * * *", ""} {
		cfg, err := Load(writeConfig(t, fmt.Sprintf("cleanup:\n  schedule: %q\n", spec)))
		require.NoError(t, err, spec)
		assert.Equal(t, spec, cfg.Cleanup.Schedule)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Backend.Type, cfg.Backend.Type)
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"TASKQUEUE_BACKEND":            "sqs",
		"TASKQUEUE_SQS_QUEUE_URL":      "http://localhost:4566/000000000000/tasks",
		"TASKQUEUE_SQS_ENDPOINT":       "http://localhost:4566",
		"AWS_REGION":                   "us-east-1",
		"TASKQUEUE_WORKER_CONCURRENCY": "8",
		"TASKQUEUE_POLL_INTERVAL":      "2s",
		"TASKQUEUE_JWT_SECRET":         "s3cret",
		"TASKQUEUE_METRICS_ENABLED":    "false",
		"TASKQUEUE_REDIS_DB":           "",
		"TASKQUEUE_LOG_LEVEL":          "DEBUG",
		"TASKQUEUE_LOG_OUTPUT":         "stderr",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendCloud, cfg.Backend.Type)
	assert.Equal(t, "us-east-1", cfg.Backend.SQS.Region)
	assert.Equal(t, "http://localhost:4566", cfg.Backend.SQS.Endpoint)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, "s3cret", cfg.HTTP.JWTSecret)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 0, cfg.Backend.Broker.DB)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "stderr", cfg.Logging.Output)
}

func TestApplyEnv_Invalid(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(envMap(map[string]string{"TASKQUEUE_BACKEND": "rabbit"}))
	assert.ErrorIs(t, err, taskqueue.ErrUnsupportedBackend)

	cfg = DefaultConfig()
	err = cfg.ApplyEnv(envMap(map[string]string{
		"TASKQUEUE_REDIS_DB":      "two",
		"TASKQUEUE_POLL_INTERVAL": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TASKQUEUE_REDIS_DB")
	assert.Contains(t, err.Error(), "TASKQUEUE_POLL_INTERVAL")
}
