// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package amqphub is a client for AMQP based event streaming and queue
// brokers that keeps its connection and links alive across failures.
package amqphub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/amqphub/credential"
	"github.com/glimte/amqphub/health"
	"github.com/glimte/amqphub/internal/amqpcore"
	"github.com/glimte/amqphub/internal/metrics"
	"github.com/glimte/amqphub/internal/reliability"
	"github.com/glimte/amqphub/messaging"
	"github.com/glimte/amqphub/transports/goamqp"
)

// RetryPolicy configures retries for connection, link and management operations
type RetryPolicy = reliability.Policy

// RetryMode selects how the delay grows between attempts
type RetryMode = reliability.RetryMode

const (
	RetryModeExponential = reliability.RetryModeExponential
	RetryModeFixed       = reliability.RetryModeFixed
)

// DefaultRetryPolicy returns the retry policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return reliability.DefaultPolicy()
}

const defaultConsumerGroup = "$Default"

// Client owns one recoverable connection to a namespace and creates senders,
// receivers and processors that share it
type Client struct {
	namespace string
	eventHub  string
	conn      *amqpcore.RecoverableConnection
	auth      *amqpcore.CBSAuthenticator
	mgmt      *amqpcore.ManagementClient
	decoder   messaging.MessageDecoder
	policy    RetryPolicy
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	links  map[closer]struct{}
	closed bool
}

type closer interface {
	Close(ctx context.Context) error
}

// clientConfig holds client configuration
type clientConfig struct {
	logger      *slog.Logger
	dialer      messaging.Dialer
	policy      *RetryPolicy
	connOpts    messaging.ConnectionOptions
	registerer  prometheus.Registerer
	eventHub    string
	tokenMargin time.Duration
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDialer replaces the AMQP 1.0 dialer, e.g. with a WebSocket or RabbitMQ transport
func WithDialer(dialer messaging.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithRetryPolicy sets the retry policy inherited by every sender, receiver
// and management request
func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.policy = &policy
	}
}

// WithContainerID sets the container id sent when the connection opens
func WithContainerID(id string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connOpts.ContainerID = id
	}
}

// WithIdleTimeout sets the requested connection idle timeout
func WithIdleTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connOpts.IdleTimeout = timeout
	}
}

// WithSASLPlain authenticates the connection with a user name and password
// instead of claims-based security
func WithSASLPlain(username, password string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connOpts.Username = username
		cfg.connOpts.Password = password
	}
}

// WithWebSockets tunnels the connection through a WebSocket
func WithWebSockets() ClientOption {
	return func(cfg *clientConfig) {
		cfg.connOpts.UseWebSockets = true
	}
}

// WithPrometheus registers client metrics with reg
func WithPrometheus(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithEventHub sets the entity used by methods that take an empty entity name
func WithEventHub(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.eventHub = name
	}
}

// WithTokenRefreshMargin sets how long before expiry tokens are renewed
func WithTokenRefreshMargin(margin time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tokenMargin = margin
	}
}

// NewClient creates a client for namespace, a fully qualified host name or
// an amqp(s):// URL. A nil cred skips claims-based security. Nothing is
// dialed until the first operation.
func NewClient(namespace string, cred credential.TokenCredential, options ...ClientOption) (*Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("%w: namespace is required", messaging.ErrInvalidArgument)
	}

	cfg := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	policy := reliability.DefaultPolicy()
	if cfg.policy != nil {
		policy = *cfg.policy
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	if cfg.dialer == nil {
		cfg.dialer = goamqp.NewDialer(goamqp.WithLogger(cfg.logger))
	}

	var m *metrics.Metrics
	if cfg.registerer != nil {
		m = metrics.New(cfg.registerer)
	}

	endpoint, host := endpointOf(namespace)
	conn := amqpcore.NewRecoverableConnection(endpoint, cfg.dialer,
		amqpcore.WithLogger(cfg.logger),
		amqpcore.WithRetryPolicy(policy),
		amqpcore.WithConnectionOptions(cfg.connOpts),
		amqpcore.WithMetrics(m))

	var auth *amqpcore.CBSAuthenticator
	if cred != nil {
		cbsOpts := []amqpcore.CBSOption{
			amqpcore.WithCBSLogger(cfg.logger),
			amqpcore.WithCBSRetryPolicy(policy),
			amqpcore.WithCBSMetrics(m),
		}
		if cfg.tokenMargin > 0 {
			cbsOpts = append(cbsOpts, amqpcore.WithTokenRefreshMargin(cfg.tokenMargin))
		}
		auth = amqpcore.NewCBSAuthenticator(conn, cred, cbsOpts...)
	}

	// transports that cannot decode management payloads leave peek and
	// deferred receives unsupported
	decoder, _ := cfg.dialer.(messaging.MessageDecoder)

	return &Client{
		namespace: host,
		eventHub:  cfg.eventHub,
		conn:      conn,
		auth:      auth,
		mgmt:      amqpcore.NewManagementClient(conn, auth, policy, cfg.logger, m),
		decoder:   decoder,
		policy:    policy,
		logger:    cfg.logger,
		metrics:   m,
		links:     make(map[closer]struct{}),
	}, nil
}

// NewClientFromConnectionString creates a client from an
// Endpoint=...;SharedAccessKeyName=...;SharedAccessKey=... string. An
// EntityPath segment becomes the default event hub.
func NewClientFromConnectionString(connectionString string, options ...ClientOption) (*Client, error) {
	cs, err := credential.ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	if cs.EntityPath != "" {
		options = append([]ClientOption{WithEventHub(cs.EntityPath)}, options...)
	}
	return NewClient(cs.Namespace(), cs.Credential(), options...)
}

func endpointOf(namespace string) (endpoint, host string) {
	if i := strings.Index(namespace, "://"); i >= 0 {
		host = strings.TrimSuffix(namespace[i+3:], "/")
		if at := strings.LastIndex(host, "@"); at >= 0 {
			host = host[at+1:]
		}
		return namespace, host
	}
	return "amqps://" + namespace, namespace
}

// Namespace returns the host the client connects to
func (c *Client) Namespace() string {
	return c.namespace
}

// EventHub returns the default entity, if one was configured
func (c *Client) EventHub() string {
	return c.eventHub
}

func (c *Client) entity(name string) (string, error) {
	if name != "" {
		return name, nil
	}
	if c.eventHub == "" {
		return "", fmt.Errorf("%w: entity name is required", messaging.ErrInvalidArgument)
	}
	return c.eventHub, nil
}

func (c *Client) audience(entity string) string {
	if c.auth == nil {
		return ""
	}
	return fmt.Sprintf("amqp://%s/%s", c.namespace, entity)
}

// track registers a link for Close; it fails once the client is closed
func (c *Client) track(l closer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return messaging.ErrConnectionClosed
	}
	c.links[l] = struct{}{}
	return nil
}

func (c *Client) untrack(l closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.links, l)
}

// HealthChecker reports the state of the client's connection
func (c *Client) HealthChecker(options ...health.ConnectionCheckerOption) health.Checker {
	return health.NewConnectionChecker(c.conn, options...)
}

// Close closes every sender and receiver created by the client, then the
// connection. Later operations fail with messaging.ErrConnectionClosed.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	links := make([]closer, 0, len(c.links))
	for l := range c.links {
		links = append(links, l)
	}
	c.links = nil
	c.mu.Unlock()

	var errs []error
	for _, l := range links {
		if err := l.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.auth != nil {
		c.auth.Close()
	}
	if err := c.conn.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	c.logger.Info("client closed", "namespace", c.namespace)
	return errors.Join(errs...)
}
