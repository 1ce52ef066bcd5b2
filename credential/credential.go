// Package credential provides the token sources used for claims-based
// security authorization.
package credential

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Token types understood by the $cbs node
const (
	TokenTypeJWT = "jwt"
	TokenTypeSAS = "servicebus.windows.net:sastoken"
)

var (
	ErrInvalidConnectionString = errors.New("credential: invalid connection string")
	ErrNoScope                 = errors.New("credential: no scope requested")
)

// AccessToken is a bearer token and its expiry
type AccessToken struct {
	Token     string
	ExpiresOn time.Time
}

// TokenCredential produces tokens for the requested scopes
type TokenCredential interface {
	GetToken(ctx context.Context, scopes ...string) (AccessToken, error)
}

// TokenTyper is implemented by credentials whose tokens are not JWTs
type TokenTyper interface {
	TokenType() string
}

// TokenType returns the $cbs token type for cred
func TokenType(cred TokenCredential) string {
	if t, ok := cred.(TokenTyper); ok {
		return t.TokenType()
	}
	return TokenTypeJWT
}

// TokenFunc adapts a function to TokenCredential
type TokenFunc func(ctx context.Context, scopes ...string) (AccessToken, error)

// GetToken implements TokenCredential
func (f TokenFunc) GetToken(ctx context.Context, scopes ...string) (AccessToken, error) {
	return f(ctx, scopes...)
}

// StaticCredential always returns the same token
type StaticCredential struct {
	token AccessToken
}

// NewStaticCredential creates a credential that returns token until it expires
func NewStaticCredential(token string, expiresOn time.Time) *StaticCredential {
	return &StaticCredential{token: AccessToken{Token: token, ExpiresOn: expiresOn}}
}

// GetToken implements TokenCredential
func (c *StaticCredential) GetToken(ctx context.Context, scopes ...string) (AccessToken, error) {
	return c.token, nil
}

// SharedAccessKeyCredential signs shared access signatures for the scope it
// is asked for, which must be the resource URI being authorized.
type SharedAccessKeyCredential struct {
	keyName string
	key     string
	ttl     time.Duration
	now     func() time.Time
}

// SASOption configures a SharedAccessKeyCredential
type SASOption func(*SharedAccessKeyCredential)

// WithTTL sets how long issued signatures stay valid
func WithTTL(ttl time.Duration) SASOption {
	return func(c *SharedAccessKeyCredential) {
		c.ttl = ttl
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) SASOption {
	return func(c *SharedAccessKeyCredential) {
		c.now = now
	}
}

// NewSharedAccessKeyCredential creates a credential from a key name and key
func NewSharedAccessKeyCredential(keyName, key string, options ...SASOption) *SharedAccessKeyCredential {
	c := &SharedAccessKeyCredential{
		keyName: keyName,
		key:     key,
		ttl:     time.Hour,
		now:     time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// TokenType implements TokenTyper
func (c *SharedAccessKeyCredential) TokenType() string {
	return TokenTypeSAS
}

// GetToken implements TokenCredential. The first scope is the resource URI.
func (c *SharedAccessKeyCredential) GetToken(ctx context.Context, scopes ...string) (AccessToken, error) {
	if len(scopes) == 0 || scopes[0] == "" {
		return AccessToken{}, ErrNoScope
	}

	expires := c.now().Add(c.ttl).Truncate(time.Second)

	resource := url.QueryEscape(strings.ToLower(scopes[0]))
	expiry := strconv.FormatInt(expires.Unix(), 10)

	mac := hmac.New(sha256.New, []byte(c.key))
	mac.Write([]byte(resource + "\n" + expiry))
	sig := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s&skn=%s", resource, sig, expiry, url.QueryEscape(c.keyName))
	return AccessToken{Token: token, ExpiresOn: expires}, nil
}

// ConnectionString is a parsed Endpoint=...;SharedAccessKeyName=...;SharedAccessKey=... string
type ConnectionString struct {
	Endpoint   string
	KeyName    string
	Key        string
	EntityPath string
}

// ParseConnectionString parses a shared access connection string
func ParseConnectionString(s string) (ConnectionString, error) {
	var cs ConnectionString
	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return ConnectionString{}, fmt.Errorf("%w: malformed segment %q", ErrInvalidConnectionString, key)
		}
		switch strings.ToLower(key) {
		case "endpoint":
			cs.Endpoint = value
		case "sharedaccesskeyname":
			cs.KeyName = value
		case "sharedaccesskey":
			cs.Key = value
		case "entitypath":
			cs.EntityPath = value
		}
	}

	if cs.Endpoint == "" {
		return ConnectionString{}, fmt.Errorf("%w: missing Endpoint", ErrInvalidConnectionString)
	}
	if cs.KeyName == "" || cs.Key == "" {
		return ConnectionString{}, fmt.Errorf("%w: missing SharedAccessKeyName or SharedAccessKey", ErrInvalidConnectionString)
	}
	return cs, nil
}

// Namespace returns the host name of the endpoint
func (cs ConnectionString) Namespace() string {
	u, err := url.Parse(cs.Endpoint)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(strings.TrimPrefix(cs.Endpoint, "sb://"), "/")
	}
	return u.Host
}

// Credential returns a SharedAccessKeyCredential for the connection string
func (cs ConnectionString) Credential(options ...SASOption) *SharedAccessKeyCredential {
	return NewSharedAccessKeyCredential(cs.KeyName, cs.Key, options...)
}
