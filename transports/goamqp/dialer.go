// Package goamqp implements the messaging transport capabilities on top of
// github.com/Azure/go-amqp. Connections are dialed over TCP (optionally TLS)
// or tunnelled through a WebSocket, and library errors are translated into
// the messaging error taxonomy so callers never see go-amqp types.
package goamqp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/glimte/amqphub/messaging"
)

const (
	defaultAMQPSPort = "5671"
	webSocketPath    = "/$servicebus/websocket"
	webSocketProto   = "AMQPWSB10"
)

// Dialer dials AMQP 1.0 connections
type Dialer struct {
	logger     *slog.Logger
	webSockets bool
	wsDialer   *websocket.Dialer
	tlsConfig  *tls.Config
}

// DialerOption configures a Dialer
type DialerOption func(*Dialer)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DialerOption {
	return func(d *Dialer) {
		d.logger = logger
	}
}

// WithWebSockets tunnels every connection through a WebSocket
func WithWebSockets() DialerOption {
	return func(d *Dialer) {
		d.webSockets = true
	}
}

// WithWebSocketDialer replaces the dialer used for WebSocket connections
func WithWebSocketDialer(wd *websocket.Dialer) DialerOption {
	return func(d *Dialer) {
		d.wsDialer = wd
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
		logger:   slog.Default(),
		wsDialer: websocket.DefaultDialer,
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Dial implements messaging.Dialer
func (d *Dialer) Dial(ctx context.Context, endpoint string, opts messaging.ConnectionOptions) (messaging.Connection, error) {
	u, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	connOpts := d.connOptions(u, opts)

	var conn *amqp.Conn
	if d.webSockets || opts.UseWebSockets || u.Scheme == "ws" || u.Scheme == "wss" {
		conn, err = d.dialWebSocket(ctx, u, connOpts)
	} else {
		conn, err = amqp.Dial(ctx, amqpAddress(u), connOpts)
	}
	if err != nil {
		return nil, translate(messaging.SanitizeEndpoint(endpoint), "", err)
	}

	d.logger.Debug("amqp connection opened",
		"endpoint", messaging.SanitizeEndpoint(endpoint),
		"containerID", connOpts.ContainerID,
		"webSockets", d.webSockets || opts.UseWebSockets)

	return newConnection(conn, messaging.SanitizeEndpoint(endpoint), d.logger), nil
}

// DecodeMessage implements messaging.MessageDecoder for messages returned
// inside management responses
func (d *Dialer) DecodeMessage(data []byte) (*messaging.ReceivedMessage, error) {
	var msg amqp.Message
	if err := msg.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("goamqp: decode message: %w", err)
	}
	return toReceivedMessage(&msg, ""), nil
}

func parseEndpoint(endpoint string) (*url.URL, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "amqps://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint %q: %w", messaging.ErrInvalidArgument, messaging.SanitizeEndpoint(endpoint), err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: endpoint %q has no host", messaging.ErrInvalidArgument, messaging.SanitizeEndpoint(endpoint))
	}
	return u, nil
}

// amqpAddress strips credentials and paths and adds the default TLS port
func amqpAddress(u *url.URL) string {
	scheme := u.Scheme
	if scheme == "sb" {
		scheme = "amqps"
	}
	host := u.Host
	if u.Port() == "" && scheme == "amqps" {
		host = u.Hostname() + ":" + defaultAMQPSPort
	}
	return scheme + "://" + host
}

func webSocketURL(u *url.URL) string {
	if u.Scheme == "ws" || u.Scheme == "wss" {
		if u.Path == "" || u.Path == "/" {
			return u.Scheme + "://" + u.Host + webSocketPath
		}
		return u.Scheme + "://" + u.Host + u.Path
	}
	return "wss://" + u.Hostname() + webSocketPath
}

func (d *Dialer) connOptions(u *url.URL, opts messaging.ConnectionOptions) *amqp.ConnOptions {
	connOpts := &amqp.ConnOptions{
		ContainerID: opts.ContainerID,
		HostName:    opts.HostName,
		IdleTimeout: opts.IdleTimeout,
		Properties:  opts.Properties,
		TLSConfig:   opts.TLS,
	}
	if connOpts.ContainerID == "" {
		connOpts.ContainerID = uuid.NewString()
	}
	if connOpts.HostName == "" {
		connOpts.HostName = u.Hostname()
	}
	if connOpts.TLSConfig == nil {
		connOpts.TLSConfig = d.tlsConfig
	}

	username, password := opts.Username, opts.Password
	if username == "" && u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	if username != "" {
		connOpts.SASLType = amqp.SASLTypePlain(username, password)
	} else {
		connOpts.SASLType = amqp.SASLTypeAnonymous()
	}
	return connOpts
}

func (d *Dialer) dialWebSocket(ctx context.Context, u *url.URL, connOpts *amqp.ConnOptions) (*amqp.Conn, error) {
	wd := *d.wsDialer
	wd.Subprotocols = []string{webSocketProto}
	if connOpts.TLSConfig != nil {
		wd.TLSClientConfig = connOpts.TLSConfig
	}

	ws, resp, err := wd.DialContext(ctx, webSocketURL(u), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	conn, err := amqp.NewConn(ctx, newWebSocketConn(ws), connOpts)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	return conn, nil
}
