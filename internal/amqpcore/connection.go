package amqpcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/amqphub/internal/metrics"
	"github.com/glimte/amqphub/internal/reliability"
	"github.com/glimte/amqphub/messaging"
)

// ConnectionState is the state of a RecoverableConnection
type ConnectionState int32

const (
	StateUninitialized ConnectionState = iota
	StateOpen
	StateFaulted
	StateClosed
)

var connectionStates = []string{"uninitialized", "open", "faulted", "closed"}

func (s ConnectionState) String() string {
	if int(s) < len(connectionStates) {
		return connectionStates[s]
	}
	return "unknown"
}

// ConnectionStateListener receives connection state change notifications.
// Listeners are called on the goroutine that observed the change and must
// not block.
type ConnectionStateListener interface {
	OnConnected(scopeID uint64)
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

type rebuildCall struct {
	done  chan struct{}
	scope *ConnectionScope
	err   error
}

// RecoverableConnection hands out the current ConnectionScope and replaces it
// when it fails. Concurrent callers that observe the same failure share a
// single rebuild.
type RecoverableConnection struct {
	endpoint string
	dialer   messaging.Dialer
	opts     messaging.ConnectionOptions
	ids      *IDGenerator
	policy   reliability.RetryPolicy
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// lifetime is cancelled by Close and bounds every rebuild
	lifetime context.Context
	stop     context.CancelFunc

	mu       sync.Mutex
	state    ConnectionState
	scope    *ConnectionScope
	pending  *rebuildCall
	closeErr error
	rebuilds int

	listeners   []ConnectionStateListener
	listenersMu sync.RWMutex
}

// ConnectionOption configures the RecoverableConnection
type ConnectionOption func(*RecoverableConnection)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *RecoverableConnection) {
		c.logger = logger
	}
}

// WithRetryPolicy sets the policy used between dial attempts of a rebuild
func WithRetryPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(c *RecoverableConnection) {
		c.policy = policy
	}
}

// WithConnectionOptions sets the options passed to every dial
func WithConnectionOptions(opts messaging.ConnectionOptions) ConnectionOption {
	return func(c *RecoverableConnection) {
		c.opts = opts
	}
}

// WithIDGenerator shares an id generator with other components
func WithIDGenerator(ids *IDGenerator) ConnectionOption {
	return func(c *RecoverableConnection) {
		c.ids = ids
	}
}

// WithMetrics records rebuilds and state changes
func WithMetrics(m *metrics.Metrics) ConnectionOption {
	return func(c *RecoverableConnection) {
		c.metrics = m
	}
}

// NewRecoverableConnection creates a connection to endpoint. Nothing is
// dialed until the first EnsureConnection.
func NewRecoverableConnection(endpoint string, dialer messaging.Dialer, options ...ConnectionOption) *RecoverableConnection {
	c := &RecoverableConnection{
		endpoint: endpoint,
		dialer:   dialer,
		policy:   reliability.DefaultPolicy(),
		logger:   slog.Default(),
		state:    StateUninitialized,
	}

	for _, opt := range options {
		opt(c)
	}

	if c.ids == nil {
		c.ids = NewIDGenerator()
	}
	c.logger = c.logger.With("endpoint", messaging.SanitizeEndpoint(endpoint))
	c.lifetime, c.stop = context.WithCancel(context.Background())
	return c
}

// Endpoint returns the endpoint the connection dials
func (c *RecoverableConnection) Endpoint() string {
	return c.endpoint
}

// IDs returns the connection's id generator
func (c *RecoverableConnection) IDs() *IDGenerator {
	return c.ids
}

// State returns the current state
func (c *RecoverableConnection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observeScopeLocked()
	return c.state
}

// Rebuilds returns the number of rebuilds started, including the first connect
func (c *RecoverableConnection) Rebuilds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuilds
}

// CurrentScope returns the current scope if it is open, without dialing
func (c *RecoverableConnection) CurrentScope() (*ConnectionScope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observeScopeLocked()
	if c.state != StateOpen {
		return nil, false
	}
	return c.scope, true
}

// EnsureConnection returns an open scope, rebuilding the connection if the
// current scope is missing or faulted. Callers arriving while a rebuild is in
// progress wait for it instead of starting another one.
func (c *RecoverableConnection) EnsureConnection(ctx context.Context) (*ConnectionScope, error) {
	c.mu.Lock()
	c.observeScopeLocked()

	switch c.state {
	case StateClosed:
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	case StateOpen:
		scope := c.scope
		c.mu.Unlock()
		return scope, nil
	}

	call := c.pending
	if call == nil {
		call = &rebuildCall{done: make(chan struct{})}
		c.pending = call
		c.rebuilds++
		stale := c.scope
		c.scope = nil
		go c.rebuild(call, stale)
	}
	c.mu.Unlock()

	select {
	case <-call.done:
		return call.scope, call.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("%w: %w", messaging.ErrCancelled, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// ReportFault marks scope faulted after a caller observed a connection-level
// error on one of its links. Faults on scopes that were already replaced are
// ignored.
func (c *RecoverableConnection) ReportFault(scope *ConnectionScope, err error) {
	if scope == nil {
		return
	}
	c.mu.Lock()
	current := c.scope == scope
	c.mu.Unlock()

	if !current {
		c.logger.Debug("ignoring fault on stale scope", "scope", scope.ID(), "error", err)
		return
	}
	scope.Fault(err)
}

// observeScopeLocked moves an open connection to faulted once its scope has
// stopped being open. The watcher goroutine does the same asynchronously.
func (c *RecoverableConnection) observeScopeLocked() {
	if c.state == StateOpen && c.scope != nil && c.scope.State() != ScopeOpen {
		c.setStateLocked(StateFaulted)
	}
}

func (c *RecoverableConnection) setStateLocked(state ConnectionState) {
	if c.state == state {
		return
	}
	c.state = state
	c.metrics.ConnectionState(messaging.SanitizeEndpoint(c.endpoint), connectionStates, state.String())
}

func (c *RecoverableConnection) rebuild(call *rebuildCall, stale *ConnectionScope) {
	defer close(call.done)
	started := time.Now()

	if stale != nil {
		closeCtx, cancel := context.WithTimeout(c.lifetime, 5*time.Second)
		_ = stale.Close(closeCtx)
		cancel()
		c.logger.Info("rebuilding connection", "staleScope", stale.ID())
	}

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			c.notifyReconnecting(attempt)
		}

		scope, err := c.dial(attempt)
		if err == nil {
			if c.install(call, scope) {
				c.metrics.ConnectionRebuilt(true)
				c.logger.Info("connection established",
					"scope", scope.ID(),
					"attempts", attempt,
					"duration", time.Since(started))
				go c.watch(scope)
				c.notifyConnected(scope.ID())
			}
			return
		}

		if c.lifetime.Err() != nil {
			c.finish(call, messaging.ErrConnectionClosed)
			return
		}

		delay, retry := c.policy.RetryDelay(err, attempt)
		if !retry {
			terminal := &messaging.ConnectionError{
				Op:        "rebuild",
				Endpoint:  messaging.SanitizeEndpoint(c.endpoint),
				Err:       fmt.Errorf("%w: %w", messaging.ErrConnectionClosed, err),
				Timestamp: time.Now(),
				Attempts:  attempt,
			}
			c.logger.Error("connection rebuild failed, closing",
				"error", err,
				"attempts", attempt,
				"duration", time.Since(started))
			c.metrics.ConnectionRebuilt(false)
			c.fail(call, terminal)
			c.notifyDisconnected(terminal)
			return
		}

		c.logger.Warn("connection attempt failed",
			"error", err,
			"attempt", attempt,
			"nextRetryIn", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.lifetime.Done():
			timer.Stop()
			c.finish(call, messaging.ErrConnectionClosed)
			return
		}
	}
}

func (c *RecoverableConnection) dial(attempt int) (*ConnectionScope, error) {
	ctx := c.lifetime
	if timeout := c.policy.TryTimeout(attempt); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := c.dialer.Dial(ctx, c.endpoint, c.opts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && c.lifetime.Err() == nil {
			err = fmt.Errorf("%w: %w", messaging.ErrTryTimeout, err)
		}
		return nil, &messaging.ConnectionError{
			Op:        "dial",
			Endpoint:  messaging.SanitizeEndpoint(c.endpoint),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempt,
		}
	}
	return newConnectionScope(c.ids.Next(), c.endpoint, conn, c.ids, c.logger), nil
}

// install publishes scope unless the connection was closed meanwhile
func (c *RecoverableConnection) install(call *rebuildCall, scope *ConnectionScope) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.pending = nil
		call.err = c.closeErr
		c.mu.Unlock()
		_ = scope.Close(context.Background())
		return false
	}
	c.scope = scope
	c.pending = nil
	c.setStateLocked(StateOpen)
	call.scope = scope
	c.mu.Unlock()
	return true
}

func (c *RecoverableConnection) finish(call *rebuildCall, fallback error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	call.err = c.closeErr
	if call.err == nil {
		call.err = fallback
	}
}

func (c *RecoverableConnection) fail(call *rebuildCall, err error) {
	c.mu.Lock()
	c.pending = nil
	c.closeErr = err
	c.setStateLocked(StateClosed)
	call.err = err
	c.mu.Unlock()
	c.stop()
}

func (c *RecoverableConnection) watch(scope *ConnectionScope) {
	select {
	case <-scope.Done():
	case <-c.lifetime.Done():
		return
	}

	c.mu.Lock()
	current := c.scope == scope && c.state == StateOpen
	if current {
		c.setStateLocked(StateFaulted)
	}
	c.mu.Unlock()

	if err := scope.Err(); current && err != nil {
		c.notifyDisconnected(err)
	}
}

// Close closes the current scope and fails pending and future callers with
// messaging.ErrConnectionClosed.
func (c *RecoverableConnection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateClosed)
	c.closeErr = messaging.ErrConnectionClosed
	scope := c.scope
	c.scope = nil
	c.mu.Unlock()

	c.stop()
	c.logger.Info("connection closed")

	if scope != nil {
		return scope.Close(ctx)
	}
	return nil
}

// AddStateListener adds a connection state listener
func (c *RecoverableConnection) AddStateListener(listener ConnectionStateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// RemoveStateListener removes a connection state listener
func (c *RecoverableConnection) RemoveStateListener(listener ConnectionStateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	for i, l := range c.listeners {
		if l == listener {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			break
		}
	}
}

func (c *RecoverableConnection) snapshotListeners() []ConnectionStateListener {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), c.listeners...)
}

func (c *RecoverableConnection) notifyConnected(scopeID uint64) {
	for _, l := range c.snapshotListeners() {
		l.OnConnected(scopeID)
	}
}

func (c *RecoverableConnection) notifyDisconnected(err error) {
	for _, l := range c.snapshotListeners() {
		l.OnDisconnected(err)
	}
}

func (c *RecoverableConnection) notifyReconnecting(attempt int) {
	for _, l := range c.snapshotListeners() {
		l.OnReconnecting(attempt)
	}
}
