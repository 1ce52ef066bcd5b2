// Package rabbitmq implements the messaging transport capabilities on top of
// RabbitMQ (AMQP 0-9-1). Partitions map to stream queues, consumer groups to
// consumer tags, and the claims-based security and management nodes are not
// available, so request/response links report messaging.ErrNotSupported.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqphub/messaging"
)

const (
	defaultHeartbeat   = 10 * time.Second
	defaultDialTimeout = 30 * time.Second
)

// Dialer dials RabbitMQ connections
type Dialer struct {
	logger      *slog.Logger
	heartbeat   time.Duration
	dialTimeout time.Duration
	streams     bool
	tlsConfig   *tls.Config
}

// DialerOption configures a Dialer
type DialerOption func(*Dialer)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DialerOption {
	return func(d *Dialer) {
		d.logger = logger
	}
}

// WithHeartbeat sets the heartbeat interval negotiated with the broker
func WithHeartbeat(interval time.Duration) DialerOption {
	return func(d *Dialer) {
		d.heartbeat = interval
	}
}

// WithDialTimeout bounds the TCP dial when the context carries no deadline
func WithDialTimeout(timeout time.Duration) DialerOption {
	return func(d *Dialer) {
		d.dialTimeout = timeout
	}
}

// WithClassicQueues consumes addresses as classic queues instead of streams.
// Start positions are ignored and deliveries are numbered by delivery tag.
func WithClassicQueues() DialerOption {
	return func(d *Dialer) {
		d.streams = false
	}
}

// WithTLSConfig sets the TLS configuration used when the connection options carry none
func WithTLSConfig(cfg *tls.Config) DialerOption {
	return func(d *Dialer) {
		d.tlsConfig = cfg
	}
}

// NewDialer creates a Dialer
func NewDialer(options ...DialerOption) *Dialer {
	d := &Dialer{
		logger:      slog.Default(),
		heartbeat:   defaultHeartbeat,
		dialTimeout: defaultDialTimeout,
		streams:     true,
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Dial implements messaging.Dialer
func (d *Dialer) Dial(ctx context.Context, endpoint string, opts messaging.ConnectionOptions) (messaging.Connection, error) {
	uri, err := amqp.ParseURI(endpoint)
	if err != nil {
		return nil, &messaging.ConnectionError{
			Op:        "dial",
			Endpoint:  messaging.SanitizeEndpoint(endpoint),
			Err:       fmt.Errorf("%w: %w", messaging.ErrInvalidArgument, err),
			Timestamp: time.Now(),
		}
	}

	cfg := d.config(ctx, uri, opts)
	sanitized := messaging.SanitizeEndpoint(endpoint)

	conn, err := amqp.DialConfig(endpoint, cfg)
	if err != nil {
		return nil, translate(sanitized, "", err)
	}

	d.logger.Info("connected to RabbitMQ",
		"endpoint", sanitized,
		"vhost", cfg.Vhost)

	return newConnection(conn, sanitized, d.streams, d.logger), nil
}

func (d *Dialer) config(ctx context.Context, uri amqp.URI, opts messaging.ConnectionOptions) amqp.Config {
	props := amqp.NewConnectionProperties()
	for k, v := range opts.Properties {
		props[k] = v
	}

	name := opts.ContainerID
	if name == "" {
		name = uuid.NewString()
	}
	props.SetClientConnectionName(name)

	cfg := amqp.Config{
		Vhost:      uri.Vhost,
		Heartbeat:  d.heartbeat,
		Properties: props,
		Dial:       d.netDialer(ctx),
	}
	if opts.HostName != "" {
		cfg.Vhost = opts.HostName
	}
	if opts.IdleTimeout > 0 {
		cfg.Heartbeat = opts.IdleTimeout / 2
	}

	username, password := uri.Username, uri.Password
	if opts.Username != "" {
		username, password = opts.Username, opts.Password
	}
	cfg.SASL = []amqp.Authentication{&amqp.PlainAuth{Username: username, Password: password}}

	if uri.Scheme == "amqps" {
		cfg.TLSClientConfig = opts.TLS
		if cfg.TLSClientConfig == nil {
			cfg.TLSClientConfig = d.tlsConfig
		}
		if cfg.TLSClientConfig == nil {
			cfg.TLSClientConfig = &tls.Config{ServerName: uri.Host, MinVersion: tls.VersionTLS12}
		}
	}

	return cfg
}

// netDialer dials under ctx. The context only bounds the dial; the
// established connection outlives it.
func (d *Dialer) netDialer(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		dialCtx := ctx
		if _, ok := ctx.Deadline(); !ok && d.dialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, d.dialTimeout)
			defer cancel()
		}

		var nd net.Dialer
		conn, err := nd.DialContext(dialCtx, network, addr)
		if err != nil {
			return nil, err
		}
		// The broker handshake shares the dial deadline; the client clears it
		// once the connection is open and heartbeats take over.
		if deadline, ok := dialCtx.Deadline(); ok {
			if err := conn.SetDeadline(deadline); err != nil {
				conn.Close()
				return nil, err
			}
		}
		return conn, nil
	}
}
