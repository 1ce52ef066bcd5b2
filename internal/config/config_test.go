package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqphub/internal/reliability"
	"github.com/glimte/amqphub/processor"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hubctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("expands environment variables", func(t *testing.T) {
		t.Setenv("TEST_HUB_CONNECTION", "Endpoint=sb://test.example.net/;SharedAccessKeyName=k;SharedAccessKey=s")

		cfg, err := Load(writeConfig(t, `
connection:
  connection_string: ${TEST_HUB_CONNECTION}
  event_hub: telemetry
`))
		require.NoError(t, err)
		assert.Equal(t, "Endpoint=sb://test.example.net/;SharedAccessKeyName=k;SharedAccessKey=s", cfg.Connection.ConnectionString)
		assert.Equal(t, "telemetry", cfg.Connection.EventHub)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("applies defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "connection:\n  namespace: test.example.net\n"))
		require.NoError(t, err)

		assert.Equal(t, TransportAMQP, cfg.Connection.Transport)
		assert.Equal(t, "$Default", cfg.Processor.ConsumerGroup)
		assert.Equal(t, "balanced", cfg.Processor.Strategy)
		assert.Equal(t, "latest", cfg.Processor.StartPosition)
		assert.Equal(t, StoreMemory, cfg.Checkpoints.Store)
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Format)
	})

	t.Run("parses durations", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, `
connection:
  namespace: test.example.net
  idle_timeout: 1m
retry:
  mode: fixed
  base_delay: 100ms
  max_attempts: 3
processor:
  update_interval: 2s
`))
		require.NoError(t, err)
		assert.Equal(t, time.Minute, cfg.Connection.IdleTimeout)
		assert.Equal(t, 100*time.Millisecond, cfg.Retry.BaseDelay)
		assert.Equal(t, 2*time.Second, cfg.Processor.UpdateInterval)
	})

	t.Run("empty path yields defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "connection: [unclosed"))
		assert.Error(t, err)
	})
}

func TestLoadEnv(t *testing.T) {
	const key = "AMQPHUB_CONFIG_TEST_VALUE"
	t.Cleanup(func() { os.Unsetenv(key) })

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(key+"=from-dotenv\n"), 0o600))

	require.NoError(t, LoadEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "from-dotenv", os.Getenv(key))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
		ok     bool
	}{
		{"valid", func(*AppConfig) {}, true},
		{"unknown transport", func(c *AppConfig) { c.Connection.Transport = "carrier-pigeon" }, false},
		{"no namespace", func(c *AppConfig) { c.Connection.Namespace = "" }, false},
		{"bad retry mode", func(c *AppConfig) { c.Retry.Mode = "random" }, false},
		{"negative delay", func(c *AppConfig) { c.Retry.BaseDelay = -time.Second }, false},
		{"bad strategy", func(c *AppConfig) { c.Processor.Strategy = "lazy" }, false},
		{"bad start position", func(c *AppConfig) { c.Processor.StartPosition = "middle" }, false},
		{"redis without url", func(c *AppConfig) { c.Checkpoints.Store = StoreRedis }, false},
		{"unknown store", func(c *AppConfig) { c.Checkpoints.Store = "etcd" }, false},
		{"bad log level", func(c *AppConfig) { c.Logging.Level = "loud" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Connection.Namespace = "test.example.net"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p, err := RetryConfig{}.Policy()
		require.NoError(t, err)
		assert.Equal(t, reliability.DefaultPolicy(), p)
	})

	t.Run("overrides", func(t *testing.T) {
		jitter := 0.0
		p, err := RetryConfig{
			Mode:        "fixed",
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    time.Second,
			MaxAttempts: 3,
			TryTimeout:  5 * time.Second,
			Jitter:      &jitter,
		}.Policy()
		require.NoError(t, err)

		assert.Equal(t, reliability.RetryModeFixed, p.Mode)
		assert.Equal(t, 100*time.Millisecond, p.BaseDelay)
		assert.Equal(t, time.Second, p.MaxDelay)
		assert.Equal(t, 3, p.MaxAttempts)
		assert.Equal(t, 5*time.Second, p.Timeout)
		assert.Zero(t, p.Jitter)
	})
}

func TestProcessorOptions(t *testing.T) {
	opts, err := ProcessorConfig{Strategy: "greedy", StartPosition: "earliest", BatchSize: 10}.Options()
	require.NoError(t, err)

	p := processor.New(processor.ConsumerDetails{}, processor.NewInMemoryCheckpointStore(), nil, nil, opts...)
	assert.NotEmpty(t, p.ClientID())

	_, err = ProcessorConfig{Strategy: "lazy"}.Options()
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	store, closeStore, err := CheckpointConfig{Store: StoreMemory}.OpenStore(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &processor.InMemoryCheckpointStore{}, store)
	assert.NoError(t, closeStore())

	_, _, err = CheckpointConfig{Store: "etcd"}.OpenStore(context.Background())
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	level, err := LoggingConfig{Level: "debug"}.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = LoggingConfig{}.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}
