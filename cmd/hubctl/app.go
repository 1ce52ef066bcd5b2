package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/glimte/amqphub"
	"github.com/glimte/amqphub/health"
	"github.com/glimte/amqphub/internal/config"
	"github.com/glimte/amqphub/transports/rabbitmq"
)

const shutdownTimeout = 10 * time.Second

type globalFlags struct {
	configPath       string
	envFiles         []string
	connectionString string
	namespace        string
	eventHub         string
	transport        string
	logLevel         string
	metricsAddr      string
}

// app holds what every command shares: configuration, logger, metrics
// registry and health registry
type app struct {
	flags    globalFlags
	cfg      *config.AppConfig
	logger   *slog.Logger
	registry *prometheus.Registry
	health   *health.Registry
	server   *http.Server
	client   *amqphub.Client
}

func (a *app) setup() error {
	if err := config.LoadEnv(a.flags.envFiles...); err != nil {
		return err
	}

	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}
	a.applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	if a.logger, err = newLogger(cfg.Logging); err != nil {
		return err
	}
	slog.SetDefault(a.logger)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.health = health.NewRegistry()
	a.health.SetMetadata("version", version)
	a.health.Register(health.NewGoroutineChecker(1000, 10000))

	if cfg.Metrics.Addr != "" {
		a.serve(cfg.Metrics.Addr)
	}
	return nil
}

func (a *app) applyFlags(cfg *config.AppConfig) {
	if a.flags.connectionString != "" {
		cfg.Connection.ConnectionString = a.flags.connectionString
	}
	if a.flags.namespace != "" {
		cfg.Connection.Namespace = a.flags.namespace
	}
	if a.flags.eventHub != "" {
		cfg.Connection.EventHub = a.flags.eventHub
	}
	if a.flags.transport != "" {
		cfg.Connection.Transport = a.flags.transport
	}
	if a.flags.logLevel != "" {
		cfg.Logging.Level = a.flags.logLevel
	}
	if a.flags.metricsAddr != "" {
		cfg.Metrics.Addr = a.flags.metricsAddr
	}
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}

	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
	case "", "console":
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

// serve exposes /metrics, /healthz, /readyz and /livez
func (a *app) serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	mux.Handle("/healthz", health.NewHandler(a.health, 5*time.Second))
	mux.Handle("/readyz", health.ReadinessHandler(a.health))
	mux.Handle("/livez", health.LivenessHandler())

	a.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("serving metrics and health", "addr", addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// newClient builds a client for the configured transport and registers its
// connection health check
func (a *app) newClient() (*amqphub.Client, error) {
	conn := a.cfg.Connection

	policy, err := a.cfg.Retry.Policy()
	if err != nil {
		return nil, err
	}

	opts := []amqphub.ClientOption{
		amqphub.WithLogger(a.logger),
		amqphub.WithRetryPolicy(policy),
		amqphub.WithPrometheus(a.registry),
	}
	if conn.EventHub != "" {
		opts = append(opts, amqphub.WithEventHub(conn.EventHub))
	}
	if conn.ContainerID != "" {
		opts = append(opts, amqphub.WithContainerID(conn.ContainerID))
	}
	if conn.IdleTimeout > 0 {
		opts = append(opts, amqphub.WithIdleTimeout(conn.IdleTimeout))
	}
	if conn.Username != "" {
		opts = append(opts, amqphub.WithSASLPlain(conn.Username, conn.Password))
	}

	switch conn.Transport {
	case config.TransportWebSocket:
		opts = append(opts, amqphub.WithWebSockets())
	case config.TransportRabbitMQ:
		opts = append(opts, amqphub.WithDialer(rabbitmq.NewDialer(rabbitmq.WithLogger(a.logger))))
	}

	var client *amqphub.Client
	switch {
	case conn.ConnectionString != "" && conn.Transport != config.TransportRabbitMQ:
		client, err = amqphub.NewClientFromConnectionString(conn.ConnectionString, opts...)
	case conn.ConnectionString != "":
		client, err = amqphub.NewClient(conn.ConnectionString, nil, opts...)
	default:
		client, err = amqphub.NewClient(conn.Namespace, nil, opts...)
	}
	if err != nil {
		return nil, err
	}

	a.health.Register(client.HealthChecker())
	a.client = client
	return client, nil
}

// run wraps a command body so the client and metrics server are always shut down
func (a *app) run(fn func(ctx context.Context, client *amqphub.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			err = errors.Join(err, a.shutdown())
		}()

		client, err := a.newClient()
		if err != nil {
			return err
		}
		return fn(cmd.Context(), client, args)
	}
}

func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if a.client != nil {
		if err := a.client.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close client: %w", err))
		}
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}
	return errors.Join(errs...)
}
