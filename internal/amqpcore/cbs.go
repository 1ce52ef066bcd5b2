package amqpcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/glimte/amqphub/credential"
	"github.com/glimte/amqphub/internal/metrics"
	"github.com/glimte/amqphub/internal/reliability"
	"github.com/glimte/amqphub/messaging"
)

// DefaultTokenRefreshMargin is how long before expiry a token is renewed
const DefaultTokenRefreshMargin = 2 * time.Minute

// renewalRetryInterval is how long a failed background renewal waits before
// it is attempted again
const renewalRetryInterval = 30 * time.Second

// errRenewalDeferred ends a background renewal while the connection is down;
// the next Authorize after the rebuild puts a fresh token instead
var errRenewalDeferred = fmt.Errorf("cbs: renewal deferred: %w", messaging.ErrConnectionClosed)

// CBSToken is a token that was put, or is about to be put, on a connection
type CBSToken struct {
	Audience  string
	Token     string
	TokenType string
	ExpiresOn time.Time
}

type audienceEntry struct {
	token atomic.Pointer[CBSToken]

	mu           sync.Mutex
	putScope     uint64
	putToken     *CBSToken
	pending      *CBSToken
	forceRefresh bool
	timer        *time.Timer
}

// CBSAuthenticator authorizes audiences on a connection over the $cbs node.
// Tokens are cached per audience, renewed ahead of expiry, and put again
// after the connection is rebuilt.
type CBSAuthenticator struct {
	conn       *RecoverableConnection
	cred       credential.TokenCredential
	tokenScope string
	tokenType  string
	margin     time.Duration
	policy     reliability.RetryPolicy
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	group    singleflight.Group
	lifetime context.Context
	stop     context.CancelFunc
	renewals sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*audienceEntry
	closed  bool
}

// CBSOption configures the CBSAuthenticator
type CBSOption func(*CBSAuthenticator)

// WithTokenScope sets the scope requested from the credential. When empty
// the audience itself is requested, as shared access signatures require.
func WithTokenScope(scope string) CBSOption {
	return func(a *CBSAuthenticator) {
		a.tokenScope = scope
	}
}

// WithTokenRefreshMargin sets how long before expiry tokens are renewed
func WithTokenRefreshMargin(margin time.Duration) CBSOption {
	return func(a *CBSAuthenticator) {
		a.margin = margin
	}
}

// WithCBSRetryPolicy sets the policy used by GetToken and background renewals
func WithCBSRetryPolicy(policy reliability.RetryPolicy) CBSOption {
	return func(a *CBSAuthenticator) {
		a.policy = policy
	}
}

// WithCBSLogger sets the logger
func WithCBSLogger(logger *slog.Logger) CBSOption {
	return func(a *CBSAuthenticator) {
		a.logger = logger
	}
}

// WithCBSMetrics records token refreshes
func WithCBSMetrics(m *metrics.Metrics) CBSOption {
	return func(a *CBSAuthenticator) {
		a.metrics = m
	}
}

// WithCBSClock replaces time.Now for expiry decisions
func WithCBSClock(now func() time.Time) CBSOption {
	return func(a *CBSAuthenticator) {
		a.now = now
	}
}

// NewCBSAuthenticator creates an authenticator that puts tokens from cred on conn
func NewCBSAuthenticator(conn *RecoverableConnection, cred credential.TokenCredential, options ...CBSOption) *CBSAuthenticator {
	a := &CBSAuthenticator{
		conn:      conn,
		cred:      cred,
		tokenType: credential.TokenType(cred),
		margin:    DefaultTokenRefreshMargin,
		policy:    reliability.DefaultPolicy(),
		logger:    slog.Default(),
		now:       time.Now,
		entries:   make(map[string]*audienceEntry),
	}

	for _, opt := range options {
		opt(a)
	}

	a.logger = a.logger.With("component", "cbs")
	a.lifetime, a.stop = context.WithCancel(context.Background())
	return a
}

// Token returns the cached token for audience, if any
func (a *CBSAuthenticator) Token(audience string) (*CBSToken, bool) {
	a.mu.Lock()
	e, ok := a.entries[audience]
	a.mu.Unlock()
	if !ok {
		return nil, false
	}
	tok := e.token.Load()
	return tok, tok != nil
}

// GetToken ensures the connection is open and audience is authorized on it,
// retrying transient failures per the retry policy.
func (a *CBSAuthenticator) GetToken(ctx context.Context, audience string) (*CBSToken, error) {
	var tok *CBSToken
	err := reliability.Retry(ctx, a.policy, func(ctx context.Context, attempt int) error {
		scope, err := a.conn.EnsureConnection(ctx)
		if err != nil {
			return err
		}
		tok, err = a.Authorize(ctx, scope, audience)
		return err
	},
		reliability.WithOperation("cbs put-token"),
		reliability.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			a.metrics.Retried("cbs")
			a.logger.Warn("put-token failed, retrying", "audience", audience, "attempt", attempt, "error", err, "nextRetryIn", delay)
		}))
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// Authorize puts a valid token for audience on scope, unless the current
// token was already put there. Concurrent calls for the same scope and
// audience share one exchange. A single attempt is made; a connection-level
// failure faults scope.
func (a *CBSAuthenticator) Authorize(ctx context.Context, scope *ConnectionScope, audience string) (*CBSToken, error) {
	if a.isClosed() {
		return nil, fmt.Errorf("cbs: %w", messaging.ErrConnectionClosed)
	}

	key := fmt.Sprintf("%d|%s", scope.ID(), audience)
	ch := a.group.DoChan(key, func() (any, error) {
		workCtx, cancel := context.WithTimeout(a.lifetime, a.requestTimeout())
		defer cancel()
		return a.authorize(workCtx, scope, audience)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*CBSToken), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("%w: %w", messaging.ErrCancelled, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (a *CBSAuthenticator) requestTimeout() time.Duration {
	if t := a.policy.TryTimeout(1); t > 0 {
		return t
	}
	return reliability.DefaultTryTimeout
}

func (a *CBSAuthenticator) entry(audience string) *audienceEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[audience]
	if !ok {
		e = &audienceEntry{}
		a.entries[audience] = e
	}
	return e
}

func (a *CBSAuthenticator) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *CBSAuthenticator) expiring(tok *CBSToken) bool {
	return tok.ExpiresOn.Sub(a.now()) < a.margin
}

func (a *CBSAuthenticator) authorize(ctx context.Context, scope *ConnectionScope, audience string) (*CBSToken, error) {
	e := a.entry(audience)
	e.mu.Lock()
	defer e.mu.Unlock()

	// a fetched token becomes current only once the broker accepted it
	tok := e.token.Load()
	if tok == nil || e.forceRefresh || a.expiring(tok) {
		if e.pending == nil || a.expiring(e.pending) {
			fresh, err := a.fetch(ctx, audience)
			a.metrics.TokenRefreshed(err == nil)
			if err != nil {
				return nil, err
			}
			e.pending = fresh
		}
		tok = e.pending
	}

	if e.putScope == scope.ID() && e.putToken == tok {
		return tok, nil
	}

	if err := a.put(ctx, scope, tok); err != nil {
		return nil, err
	}
	if tok == e.pending {
		e.token.Store(tok)
		e.pending = nil
		e.forceRefresh = false
	}
	e.putScope = scope.ID()
	e.putToken = tok
	a.scheduleRenewalLocked(audience, e, tok)

	a.logger.Debug("token authorized", "audience", audience, "scope", scope.ID(), "expiresOn", tok.ExpiresOn)
	return tok, nil
}

func (a *CBSAuthenticator) fetch(ctx context.Context, audience string) (*CBSToken, error) {
	scopes := []string{a.tokenScope}
	if a.tokenScope == "" {
		scopes = []string{audience}
	}

	at, err := a.cred.GetToken(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("cbs: acquire token for %s: %w", audience, err)
	}
	if at.ExpiresOn.IsZero() {
		return nil, &messaging.AuthorizationError{Audience: audience, Err: errors.New("credential returned a token without an expiry")}
	}

	return &CBSToken{
		Audience:  audience,
		Token:     at.Token,
		TokenType: a.tokenType,
		ExpiresOn: at.ExpiresOn,
	}, nil
}

func (a *CBSAuthenticator) put(ctx context.Context, scope *ConnectionScope, tok *CBSToken) error {
	link, err := scope.GetOrCreateCBSLink(ctx)
	if err != nil {
		if messaging.RecoveryFor(err) == messaging.RecoverConnection {
			a.conn.ReportFault(scope, err)
		}
		return err
	}

	resp, err := link.Request(ctx, &messaging.Message{
		MessageID: uuid.NewString(),
		Value:     tok.Token,
		ApplicationProperties: map[string]any{
			"operation":  "put-token",
			"type":       tok.TokenType,
			"name":       tok.Audience,
			"expiration": tok.ExpiresOn.UTC(),
		},
	})
	if err != nil {
		switch messaging.RecoveryFor(err) {
		case messaging.RecoverLink:
			scope.CloseLink(ctx, link)
		case messaging.RecoverConnection:
			a.conn.ReportFault(scope, err)
		}
		return err
	}
	return statusError(tok.Audience, resp)
}

// statusError converts a request/response status into an error
func statusError(audience string, resp *messaging.Message) error {
	code, ok := int32Value(resp.ApplicationProperties["status-code"])
	if !ok {
		code, ok = int32Value(resp.ApplicationProperties["statusCode"])
	}
	desc, _ := resp.ApplicationProperties["status-description"].(string)
	if desc == "" {
		desc, _ = resp.ApplicationProperties["statusDescription"].(string)
	}

	switch {
	case !ok:
		return &messaging.RemoteError{Condition: messaging.CondDecodeError, Description: "response has no status code"}
	case code == 200 || code == 202 || code == 204:
		return nil
	case code == 401 || code == 403:
		return &messaging.AuthorizationError{Audience: audience, StatusCode: int(code), Description: desc}
	case code == 404:
		return &messaging.RemoteError{Condition: messaging.CondNotFound, Description: desc}
	case code == 410:
		return &messaging.RemoteError{Condition: messaging.CondMessageLockLost, Description: desc}
	case code == 503:
		return &messaging.RemoteError{Condition: messaging.CondServerBusy, Description: desc}
	case code >= 500:
		return &messaging.RemoteError{Condition: messaging.CondInternalError, Description: desc}
	default:
		return &messaging.RemoteError{Condition: messaging.CondArgumentError, Description: fmt.Sprintf("status %d: %s", code, desc)}
	}
}

// scheduleRenewalLocked must be called with e.mu held
func (a *CBSAuthenticator) scheduleRenewalLocked(audience string, e *audienceEntry, tok *CBSToken) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if a.isClosed() {
		return
	}

	wait := tok.ExpiresOn.Add(-a.margin).Sub(a.now())
	if wait <= 0 {
		// already inside the margin; the next Authorize refreshes it
		return
	}
	e.timer = time.AfterFunc(wait, func() { a.renew(audience) })
}

func (a *CBSAuthenticator) renew(audience string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.renewals.Add(1)
	a.mu.Unlock()
	defer a.renewals.Done()

	e := a.entry(audience)
	e.mu.Lock()
	e.forceRefresh = true
	e.mu.Unlock()

	err := reliability.Retry(a.lifetime, a.policy, func(ctx context.Context, attempt int) error {
		scope, ok := a.conn.CurrentScope()
		if !ok {
			return errRenewalDeferred
		}
		_, err := a.Authorize(ctx, scope, audience)
		return err
	},
		reliability.WithOperation("cbs token renewal"),
		reliability.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			a.metrics.Retried("cbs")
			a.logger.Warn("token renewal failed, retrying", "audience", audience, "attempt", attempt, "error", err, "nextRetryIn", delay)
		}))

	switch {
	case err == nil:
		a.logger.Debug("token renewed", "audience", audience)
	case errors.Is(err, errRenewalDeferred):
		a.logger.Debug("connection not open, deferring token renewal", "audience", audience)
	case a.lifetime.Err() != nil:
	default:
		a.logger.Warn("token renewal failed", "audience", audience, "error", err, "nextRetryIn", renewalRetryInterval)
		a.rearm(audience, e)
	}
}

// rearm schedules another renewal while the token on the connection is
// still valid
func (a *CBSAuthenticator) rearm(audience string, e *audienceEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a.isClosed() || e.putToken == nil {
		return
	}

	wait := min(renewalRetryInterval, e.putToken.ExpiresOn.Sub(a.now()))
	if wait <= 0 {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(wait, func() { a.renew(audience) })
}

// Close stops renewals and waits for in-flight ones to finish
func (a *CBSAuthenticator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	entries := make([]*audienceEntry, 0, len(a.entries))
	for _, e := range a.entries {
		entries = append(entries, e)
	}
	a.mu.Unlock()

	a.stop()
	for _, e := range entries {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.mu.Unlock()
	}
	a.renewals.Wait()
}
