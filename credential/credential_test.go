package credential

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedAccessKeyCredential(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	cred := NewSharedAccessKeyCredential("send", "c2VjcmV0", WithTTL(30*time.Minute), WithClock(func() time.Time { return fixed }))

	t.Run("signs the requested resource", func(t *testing.T) {
		tok, err := cred.GetToken(context.Background(), "amqp://NS.example.net/hub")
		require.NoError(t, err)

		assert.Equal(t, fixed.Add(30*time.Minute), tok.ExpiresOn)
		assert.True(t, strings.HasPrefix(tok.Token, "SharedAccessSignature "))

		fields, err := url.ParseQuery(strings.TrimPrefix(tok.Token, "SharedAccessSignature "))
		require.NoError(t, err)
		assert.Equal(t, "amqp://ns.example.net/hub", fields.Get("sr"))
		assert.Equal(t, "send", fields.Get("skn"))
		assert.Equal(t, "1700001800", fields.Get("se"))

		mac := hmac.New(sha256.New, []byte("c2VjcmV0"))
		mac.Write([]byte(url.QueryEscape("amqp://ns.example.net/hub") + "\n1700001800"))
		assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), fields.Get("sig"))
	})

	t.Run("requires a scope", func(t *testing.T) {
		_, err := cred.GetToken(context.Background())
		assert.ErrorIs(t, err, ErrNoScope)
	})

	t.Run("reports the sas token type", func(t *testing.T) {
		assert.Equal(t, TokenTypeSAS, TokenType(cred))
		assert.Equal(t, TokenTypeJWT, TokenType(NewStaticCredential("t", fixed)))
	})
}

func TestTokenFunc(t *testing.T) {
	var got []string
	cred := TokenFunc(func(ctx context.Context, scopes ...string) (AccessToken, error) {
		got = scopes
		return AccessToken{Token: "abc"}, nil
	})

	tok, err := cred.GetToken(context.Background(), "https://eventhubs.azure.net/.default")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.Token)
	assert.Equal(t, []string{"https://eventhubs.azure.net/.default"}, got)
}

func TestParseConnectionString(t *testing.T) {
	t.Run("parses all fields", func(t *testing.T) {
		cs, err := ParseConnectionString("Endpoint=sb://ns.example.net/;SharedAccessKeyName=root;SharedAccessKey=k=;EntityPath=hub")
		require.NoError(t, err)

		assert.Equal(t, "root", cs.KeyName)
		assert.Equal(t, "k=", cs.Key)
		assert.Equal(t, "hub", cs.EntityPath)
		assert.Equal(t, "ns.example.net", cs.Namespace())
	})

	t.Run("rejects missing key", func(t *testing.T) {
		_, err := ParseConnectionString("Endpoint=sb://ns.example.net/;SharedAccessKeyName=root")
		assert.ErrorIs(t, err, ErrInvalidConnectionString)
	})

	t.Run("rejects malformed segment", func(t *testing.T) {
		_, err := ParseConnectionString("Endpoint=sb://ns/;garbage")
		assert.ErrorIs(t, err, ErrInvalidConnectionString)
	})
}
