// Package config loads hubctl configuration from YAML files with
// environment variable expansion.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/amqphub/internal/reliability"
	"github.com/glimte/amqphub/messaging"
	"github.com/glimte/amqphub/processor"
	"github.com/glimte/amqphub/processor/redisstore"
)

// Transport names
const (
	TransportAMQP      = "amqp"
	TransportWebSocket = "websocket"
	TransportRabbitMQ  = "rabbitmq"
)

// Checkpoint store names
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// AppConfig represents the top-level configuration
type AppConfig struct {
	Connection  ConnectionConfig `yaml:"connection"`
	Retry       RetryConfig      `yaml:"retry"`
	Processor   ProcessorConfig  `yaml:"processor"`
	Checkpoints CheckpointConfig `yaml:"checkpoints"`
	Logging     LoggingConfig    `yaml:"logging"`
	Metrics     MetricsConfig    `yaml:"metrics"`
}

// ConnectionConfig selects the namespace and how to reach it
type ConnectionConfig struct {
	// ConnectionString is an Endpoint=...;SharedAccessKeyName=...;SharedAccessKey=... string
	ConnectionString string `yaml:"connection_string"`

	// Namespace is the fully qualified host; taken from ConnectionString when empty
	Namespace string `yaml:"namespace"`

	// EventHub is the default entity; taken from ConnectionString's EntityPath when empty
	EventHub string `yaml:"event_hub"`

	Transport   string        `yaml:"transport"` // amqp, websocket, rabbitmq
	ContainerID string        `yaml:"container_id"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
}

// RetryConfig describes a reliability.Policy
type RetryConfig struct {
	Mode        string        `yaml:"mode"` // exponential, fixed
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	TryTimeout  time.Duration `yaml:"try_timeout"`
	Jitter      *float64      `yaml:"jitter"` // nil keeps the default, 0 disables
}

// ProcessorConfig holds event processor settings
type ProcessorConfig struct {
	ConsumerGroup       string        `yaml:"consumer_group"`
	Strategy            string        `yaml:"strategy"` // balanced, greedy
	UpdateInterval      time.Duration `yaml:"update_interval"`
	OwnershipExpiration time.Duration `yaml:"ownership_expiration"`
	BatchSize           int           `yaml:"batch_size"`
	MaxWait             time.Duration `yaml:"max_wait"`
	StartPosition       string        `yaml:"start_position"` // earliest, latest
	OwnerLevel          *int64        `yaml:"owner_level"`
}

// CheckpointConfig selects the processor checkpoint store
type CheckpointConfig struct {
	Store string            `yaml:"store"` // memory, redis
	Redis redisstore.Config `yaml:"redis"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json, text
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	// Addr is the listen address of /metrics; empty disables it
	Addr string `yaml:"addr"`
}

// Default returns a configuration with every default applied
func Default() *AppConfig {
	cfg := &AppConfig{}
	cfg.applyDefaults()
	return cfg
}

func (c *AppConfig) applyDefaults() {
	if c.Connection.Transport == "" {
		c.Connection.Transport = TransportAMQP
	}
	if c.Retry.Mode == "" {
		c.Retry.Mode = reliability.RetryModeExponential.String()
	}
	if c.Processor.ConsumerGroup == "" {
		c.Processor.ConsumerGroup = "$Default"
	}
	if c.Processor.Strategy == "" {
		c.Processor.Strategy = processor.StrategyBalanced.String()
	}
	if c.Processor.StartPosition == "" {
		c.Processor.StartPosition = "latest"
	}
	if c.Checkpoints.Store == "" {
		c.Checkpoints.Store = StoreMemory
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// Validate checks that the configuration can be used
func (c *AppConfig) Validate() error {
	switch c.Connection.Transport {
	case TransportAMQP, TransportWebSocket, TransportRabbitMQ:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Connection.Transport)
	}
	if c.Connection.ConnectionString == "" && c.Connection.Namespace == "" {
		return fmt.Errorf("config: connection.namespace or connection.connection_string is required")
	}
	if _, err := c.Retry.Policy(); err != nil {
		return err
	}
	if _, err := c.Processor.Options(); err != nil {
		return err
	}
	switch c.Checkpoints.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Checkpoints.Redis.URL == "" {
			return fmt.Errorf("config: checkpoints.redis.url is required for the redis store")
		}
	default:
		return fmt.Errorf("config: unknown checkpoint store %q", c.Checkpoints.Store)
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// Policy builds the retry policy, starting from reliability.DefaultPolicy
func (r RetryConfig) Policy() (reliability.Policy, error) {
	p := reliability.DefaultPolicy()

	switch strings.ToLower(r.Mode) {
	case "", "exponential":
		p.Mode = reliability.RetryModeExponential
	case "fixed":
		p.Mode = reliability.RetryModeFixed
	default:
		return p, fmt.Errorf("config: unknown retry mode %q", r.Mode)
	}

	if r.BaseDelay != 0 {
		p.BaseDelay = r.BaseDelay
	}
	if r.MaxDelay != 0 {
		p.MaxDelay = r.MaxDelay
	}
	if r.MaxAttempts != 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.TryTimeout != 0 {
		p.Timeout = r.TryTimeout
	}
	if r.Jitter != nil {
		p.Jitter = *r.Jitter
	}

	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("config: retry: %w", err)
	}
	return p, nil
}

// Options converts the settings into processor options
func (p ProcessorConfig) Options() ([]processor.Option, error) {
	strategy, err := processor.ParseStrategy(p.Strategy)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	opts := []processor.Option{processor.WithStrategy(strategy)}

	switch strings.ToLower(p.StartPosition) {
	case "", "latest":
		opts = append(opts, processor.WithStartPosition(messaging.StartAtLatest()))
	case "earliest":
		opts = append(opts, processor.WithStartPosition(messaging.StartAtEarliest()))
	default:
		return nil, fmt.Errorf("config: unknown start position %q", p.StartPosition)
	}

	if p.UpdateInterval > 0 {
		opts = append(opts, processor.WithUpdateInterval(p.UpdateInterval))
	}
	if p.OwnershipExpiration > 0 {
		opts = append(opts, processor.WithOwnershipExpiration(p.OwnershipExpiration))
	}
	if p.BatchSize > 0 || p.MaxWait > 0 {
		size, wait := p.BatchSize, p.MaxWait
		if size <= 0 {
			size = 100
		}
		if wait <= 0 {
			wait = 5 * time.Second
		}
		opts = append(opts, processor.WithBatch(size, wait))
	}
	if p.OwnerLevel != nil {
		opts = append(opts, processor.WithOwnerLevel(*p.OwnerLevel))
	}
	return opts, nil
}

// OpenStore opens the configured checkpoint store. The returned close
// function releases any connection the store holds.
func (c CheckpointConfig) OpenStore(ctx context.Context) (processor.CheckpointStore, func() error, error) {
	switch c.Store {
	case "", StoreMemory:
		return processor.NewInMemoryCheckpointStore(), func() error { return nil }, nil
	case StoreRedis:
		s, err := redisstore.Open(ctx, c.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("config: unknown checkpoint store %q", c.Store)
	}
}

// SlogLevel parses Level
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, fmt.Errorf("config: invalid log level %q: %w", l.Level, err)
	}
	return level, nil
}
