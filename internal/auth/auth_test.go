package auth_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/izzoa/ccproxy-api-sub002/internal/auth"
)

func TestAPIKey_AuthHeaders(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   map[string]string
	}{
		{"x-api-key", "X-Api-Key", map[string]string{"x-api-key": "sk-1"}},
		{"bearer", "Authorization", map[string]string{"authorization": "Bearer sk-1"}},
		{"default is bearer", "", map[string]string{"authorization": "Bearer sk-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := auth.NewAPIKey("anthropic", tt.header, "sk-1")
			got, err := m.AuthHeaders(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, m.ValidateCredentials(context.Background()))
			assert.Equal(t, "anthropic", m.ProviderName())
		})
	}
}

func TestAPIKey_Empty(t *testing.T) {
	m := auth.NewAPIKey("anthropic", "x-api-key", "  ")

	_, err := m.AuthHeaders(context.Background())

	assert.ErrorIs(t, err, auth.ErrNoCredentials)
	assert.False(t, m.ValidateCredentials(context.Background()))
}

func TestTokenSource_AuthHeaders(t *testing.T) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"})
	m := auth.NewTokenSource("codex", ts, map[string]string{"ChatGPT-Account-Id": "acc_1"})

	got, err := m.AuthHeaders(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", got["authorization"])
	assert.Equal(t, "acc_1", got["chatgpt-account-id"])
	assert.Equal(t, "tok", auth.BearerToken(got))
}

func TestTokenSource_Expired(t *testing.T) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok", Expiry: time.Now().Add(-time.Hour)})
	m := auth.NewTokenSource("codex", ts, nil)

	_, err := m.AuthHeaders(context.Background())

	assert.ErrorIs(t, err, auth.ErrNoCredentials)
	assert.False(t, m.ValidateCredentials(context.Background()))
}

type failingSource struct{}

func (failingSource) Token() (*oauth2.Token, error) {
	return nil, errors.New("refresh failed")
}

func TestTokenSource_SourceError(t *testing.T) {
	m := auth.NewTokenSource("codex", failingSource{}, nil)

	_, err := m.AuthHeaders(context.Background())

	assert.ErrorContains(t, err, "refresh failed")
}

func TestFileTokenSource(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(plain, []byte("abc\n"), 0o600))
	tok, err := auth.FileTokenSource(plain, "", "").Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)

	structured := filepath.Join(dir, "auth.json")
	require.NoError(t, os.WriteFile(structured, []byte(`{"tokens":{"access_token":"xyz","expires_at":4102444800}}`), 0o600))
	tok, err = auth.FileTokenSource(structured, "tokens.access_token", "tokens.expires_at").Token()
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok.AccessToken)
	assert.Equal(t, int64(4102444800), tok.Expiry.Unix())

	_, err = auth.FileTokenSource(filepath.Join(dir, "missing"), "", "").Token()
	assert.Error(t, err)
}

func TestNone(t *testing.T) {
	m := auth.NewNone("bedrock")

	got, err := m.AuthHeaders(context.Background())

	require.NoError(t, err)
	assert.Empty(t, got)
	assert.True(t, m.ValidateCredentials(context.Background()))
}
