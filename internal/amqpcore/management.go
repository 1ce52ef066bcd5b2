package amqpcore

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/amqphub/internal/metrics"
	"github.com/glimte/amqphub/internal/reliability"
	"github.com/glimte/amqphub/messaging"
)

// ManagementClient sends requests to a management node of the current
// connection scope, authorizing the entity audience first
type ManagementClient struct {
	node    string
	conn    *RecoverableConnection
	auth    *CBSAuthenticator
	policy  reliability.RetryPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewManagementClient creates a management client. A nil auth skips authorization.
func NewManagementClient(conn *RecoverableConnection, auth *CBSAuthenticator, policy reliability.RetryPolicy, logger *slog.Logger, m *metrics.Metrics) *ManagementClient {
	if policy == nil {
		policy = reliability.DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ManagementClient{
		node:    ManagementNode,
		conn:    conn,
		auth:    auth,
		policy:  policy,
		logger:  logger,
		metrics: m,
	}
}

// ForNode returns a client sharing m's connection and policy that talks to
// node instead, e.g. queue/$management
func (m *ManagementClient) ForNode(node string) *ManagementClient {
	out := *m
	out.node = node
	out.logger = m.logger.With("node", node)
	return &out
}

// Node returns the request/response node the client talks to
func (m *ManagementClient) Node() string {
	return m.node
}

// Request sends a request with the given application properties and returns
// the response body once the status says it succeeded. The token put for
// audience travels in the security_token property.
func (m *ManagementClient) Request(ctx context.Context, audience string, props map[string]any) (any, error) {
	return m.Call(ctx, audience, props, nil)
}

// Call is Request with a request body. A 204 response yields a nil body.
func (m *ManagementClient) Call(ctx context.Context, audience string, props map[string]any, body any) (any, error) {
	operation, _ := props["operation"].(string)
	started := time.Now()

	var value any
	err := reliability.Retry(ctx, m.policy, func(ctx context.Context, attempt int) error {
		var err error
		value, err = m.requestOnce(ctx, audience, props, body)
		return err
	},
		reliability.WithOperation("management "+operation),
		reliability.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			m.metrics.Retried("management")
			m.logger.Warn("management request failed, retrying", "operation", operation, "attempt", attempt, "error", err, "nextRetryIn", delay)
		}))

	m.metrics.ObserveOperation("management", started, err)
	return value, err
}

func (m *ManagementClient) requestOnce(ctx context.Context, audience string, props map[string]any, body any) (any, error) {
	scope, err := m.conn.EnsureConnection(ctx)
	if err != nil {
		return nil, err
	}

	req := &messaging.Message{
		MessageID:             uuid.NewString(),
		ApplicationProperties: maps.Clone(props),
		Value:                 body,
	}
	if req.ApplicationProperties == nil {
		req.ApplicationProperties = make(map[string]any, 1)
	}

	if m.auth != nil && audience != "" {
		tok, err := m.auth.Authorize(ctx, scope, audience)
		if err != nil {
			return nil, err
		}
		req.ApplicationProperties["security_token"] = tok.Token
	}

	link, err := scope.GetOrCreateRequestLink(ctx, m.node)
	if err != nil {
		if messaging.RecoveryFor(err) == messaging.RecoverConnection {
			m.conn.ReportFault(scope, err)
		}
		return nil, err
	}

	resp, err := link.Request(ctx, req)
	if err != nil {
		switch messaging.RecoveryFor(err) {
		case messaging.RecoverLink:
			scope.CloseLink(ctx, link)
		case messaging.RecoverConnection:
			m.conn.ReportFault(scope, err)
		}
		return nil, err
	}

	if err := statusError(audience, resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}
