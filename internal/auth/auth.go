// Package auth supplies upstream credentials as HTTP headers.
//
// DESIGN: Credential acquisition and refresh live outside the gateway. A
// Manager only turns whatever credential it holds into headers, and reports
// whether that credential is usable:
//
//   - APIKey:      static key sent as x-api-key or Authorization: Bearer
//   - TokenSource: any oauth2.TokenSource (static, file-backed, refreshing)
//   - None:        no headers; used when a request Signer authenticates instead
//
// Header keys are lowercase.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

// ErrNoCredentials is returned when a manager has nothing to send.
var ErrNoCredentials = errors.New("no credentials configured")

// Manager provides authentication headers for one provider.
type Manager interface {
	AuthHeaders(ctx context.Context) (map[string]string, error)
	ValidateCredentials(ctx context.Context) bool
	ProviderName() string
}

// =============================================================================
// API KEY
// =============================================================================

// APIKey sends a static key.
type APIKey struct {
	provider string
	header   string
	key      string
}

var _ Manager = (*APIKey)(nil)

// NewAPIKey creates a key manager. header is "x-api-key" or "authorization";
// the latter sends the key as a bearer token.
func NewAPIKey(provider, header, key string) *APIKey {
	header = strings.ToLower(header)
	if header == "" {
		header = "authorization"
	}
	return &APIKey{provider: provider, header: header, key: strings.TrimSpace(key)}
}

func (a *APIKey) AuthHeaders(_ context.Context) (map[string]string, error) {
	if a.key == "" {
		return nil, fmt.Errorf("%s: %w", a.provider, ErrNoCredentials)
	}
	if a.header == "authorization" {
		return map[string]string{"authorization": "Bearer " + a.key}, nil
	}
	return map[string]string{a.header: a.key}, nil
}

func (a *APIKey) ValidateCredentials(_ context.Context) bool {
	return a.key != ""
}

func (a *APIKey) ProviderName() string {
	return a.provider
}

// =============================================================================
// OAUTH2 TOKEN SOURCE
// =============================================================================

// TokenSource sends bearer tokens from an oauth2.TokenSource.
type TokenSource struct {
	provider string
	source   oauth2.TokenSource
	extra    map[string]string
}

var _ Manager = (*TokenSource)(nil)

// NewTokenSource wraps ts. extra headers (for example an account id) are sent
// alongside the token.
func NewTokenSource(provider string, ts oauth2.TokenSource, extra map[string]string) *TokenSource {
	headers := make(map[string]string, len(extra))
	for k, v := range extra {
		headers[strings.ToLower(k)] = v
	}
	return &TokenSource{provider: provider, source: ts, extra: headers}
}

func (t *TokenSource) token() (*oauth2.Token, error) {
	if t.source == nil {
		return nil, ErrNoCredentials
	}
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to get token for %s: %w", t.provider, err)
	}
	if !tok.Valid() {
		return nil, fmt.Errorf("%s: token expired or empty: %w", t.provider, ErrNoCredentials)
	}
	return tok, nil
}

func (t *TokenSource) AuthHeaders(_ context.Context) (map[string]string, error) {
	tok, err := t.token()
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(t.extra)+1)
	for k, v := range t.extra {
		headers[k] = v
	}
	headers["authorization"] = tok.Type() + " " + tok.AccessToken
	return headers, nil
}

func (t *TokenSource) ValidateCredentials(_ context.Context) bool {
	_, err := t.token()
	return err == nil
}

func (t *TokenSource) ProviderName() string {
	return t.provider
}

// =============================================================================
// NONE
// =============================================================================

// None sends no credentials.
type None struct {
	provider string
}

var _ Manager = (*None)(nil)

// NewNone creates a manager without credentials.
func NewNone(provider string) *None {
	return &None{provider: provider}
}

func (n *None) AuthHeaders(_ context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

func (n *None) ValidateCredentials(_ context.Context) bool {
	return true
}

func (n *None) ProviderName() string {
	return n.provider
}

// BearerToken extracts the token from an authorization header value.
func BearerToken(headers map[string]string) string {
	v := headers["authorization"]
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}
