package provider_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/izzoa/ccproxy-api-sub002/internal/adapters"
	"github.com/izzoa/ccproxy-api-sub002/internal/config"
	"github.com/izzoa/ccproxy-api-sub002/internal/detection"
	"github.com/izzoa/ccproxy-api-sub002/internal/provider"
)

type fakeSigner struct{}

func (fakeSigner) Sign(context.Context, *http.Request, []byte) error { return nil }

func fakeSignerFactory(context.Context, string, config.ProviderConfig) (provider.Signer, error) {
	return fakeSigner{}, nil
}

func testRegistry(t *testing.T) *provider.Registry {
	t.Helper()
	tokenFile := filepath.Join(t.TempDir(), "auth.json")
	require.NoError(t, os.WriteFile(tokenFile, []byte(`{"tokens":{"access_token":"tok"}}`), 0600))

	providers := config.ProvidersConfig{
		"claude": {
			Kind:        config.KindAnthropic,
			BaseURL:     "https://api.anthropic.com",
			RoutePrefix: "claude",
			Auth:        config.AuthConfig{Type: config.AuthAPIKey, Header: "x-api-key", Key: "sk-ant"},
			ModelMap:    map[string]string{"gpt-4o": "claude-sonnet-4-5", "fast": "claude-haiku-4-5"},
			CountTokens: config.CountTokensUpstream,
			ExtraHeaders: map[string]string{
				"X-Team": "core",
			},
		},
		"codex": {
			Kind:              config.KindCodex,
			BaseURL:           "https://chatgpt.com/backend-api/codex",
			RoutePrefix:       "codex",
			Auth:              config.AuthConfig{Type: config.AuthTokenFile, TokenFile: tokenFile, TokenField: "tokens.access_token", AccountID: "acct-1"},
			Instructions:      config.InstructionsConfig{Mode: "override"},
			UnsupportedParams: []string{"temperature"},
			CountTokens:       config.CountTokensLocal,
		},
		"aws": {
			Kind:        config.KindBedrock,
			BaseURL:     "https://bedrock-runtime.us-east-1.amazonaws.com",
			RoutePrefix: "aws",
			Region:      "us-east-1",
			Auth:        config.AuthConfig{Type: config.AuthNone},
			ModelMap:    map[string]string{"claude": "anthropic.claude-3-5-sonnet-20241022-v2:0"},
			CountTokens: config.CountTokensLocal,
		},
	}
	det := detection.NewStatic(map[string]detection.Entry{
		"codex": {Instructions: "You are Codex on {model}", Headers: map[string]string{"Version": "0.50.0"}},
	})
	r, err := provider.NewRegistry(context.Background(), providers, provider.RegistryOptions{
		Detection: det,
		NewSigner: fakeSignerFactory,
	})
	require.NoError(t, err)
	return r
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path     string
		prefix   string
		endpoint provider.Endpoint
		ok       bool
	}{
		{"/claude/v1/messages", "claude", provider.EndpointMessages, true},
		{"/claude/v1/messages/", "claude", provider.EndpointMessages, true},
		{"/codex/v1/chat/completions", "codex", provider.EndpointChat, true},
		{"/codex/v1/responses", "codex", provider.EndpointResponses, true},
		{"/claude/v1/messages/count_tokens", "claude", provider.EndpointCountTokens, true},
		{"/claude/v1/models", "claude", provider.EndpointModels, true},
		{"/claude/v1/embeddings", "claude", "", false},
		{"/v1", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			prefix, endpoint, ok := provider.SplitPath(tt.path)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.prefix, prefix)
				assert.Equal(t, tt.endpoint, endpoint)
			}
		})
	}
}

func TestRegistry_ResolveAdapters(t *testing.T) {
	r := testRegistry(t)

	tests := []struct {
		path        string
		adapterName string
		client      adapters.Format
		upstream    string
	}{
		{"/claude/v1/messages", "passthrough_anthropic", adapters.FormatAnthropic, "/v1/messages"},
		{"/claude/v1/chat/completions", "anthropic_openai", adapters.FormatOpenAIChat, "/v1/messages"},
		{"/codex/v1/messages", "codex_anthropic", adapters.FormatAnthropic, "/responses"},
		{"/codex/v1/chat/completions", "codex_openai_chat", adapters.FormatOpenAIChat, "/responses"},
		{"/codex/v1/responses", "passthrough_openai_responses", adapters.FormatOpenAIResponses, "/responses"},
		{"/claude/v1/messages/count_tokens", "passthrough_anthropic", adapters.FormatAnthropic, "/v1/messages/count_tokens"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			ctx, err := r.Resolve(tt.path, provider.RequestMeta{Model: "gpt-4o"})
			require.NoError(t, err)
			assert.Equal(t, tt.adapterName, ctx.AdapterName)
			assert.Equal(t, tt.client, ctx.ClientFormat)
			assert.Equal(t, tt.upstream, ctx.PathRewrite("/whatever"))
			assert.NotNil(t, ctx.RequestAdapter)
			assert.NotNil(t, ctx.StreamAdapter)
		})
	}
}

func TestRegistry_ResolveUnsupported(t *testing.T) {
	r := testRegistry(t)

	for _, path := range []string{
		"/nope/v1/messages",
		"/claude/v1/responses",
		"/codex/v1/messages/count_tokens",
		"/aws/v1/messages/count_tokens",
		"/claude/v1/models",
		"/claude/v2/other",
	} {
		_, err := r.Resolve(path, provider.RequestMeta{})
		assert.ErrorIs(t, err, provider.ErrUnsupportedRoute, path)
	}
}

func TestRegistry_FreshAdapterPerRequest(t *testing.T) {
	r := testRegistry(t)
	a, err := r.Resolve("/claude/v1/chat/completions", provider.RequestMeta{})
	require.NoError(t, err)
	b, err := r.Resolve("/claude/v1/chat/completions", provider.RequestMeta{})
	require.NoError(t, err)
	assert.NotSame(t, a.RequestAdapter, b.RequestAdapter)
}

func TestRegistry_CodexContext(t *testing.T) {
	r := testRegistry(t)
	ctx, err := r.Resolve("/codex/v1/messages", provider.RequestMeta{SessionID: "sess-1"})
	require.NoError(t, err)

	assert.True(t, ctx.StreamOnly)
	assert.True(t, ctx.RequiresSession)
	assert.True(t, ctx.SupportsStreaming)
	assert.Equal(t, "sess-1", ctx.SessionID)
	assert.Equal(t, "codex_cli_rs", ctx.ExtraHeaders["originator"])
	assert.Equal(t, "0.50.0", ctx.ExtraHeaders["version"])
	require.NotNil(t, ctx.HeaderTransformer)
	require.NotNil(t, ctx.BodyTransformer)

	headers := ctx.HeaderTransformer.TransformHeaders(map[string]string{}, "sess-1", "")
	assert.Equal(t, "sess-1", headers["session_id"])
	assert.Equal(t, "acct-1", headers["chatgpt-account-id"])

	body, err := ctx.BodyTransformer.TransformBody([]byte(`{"model":"gpt-5","temperature":0.2}`), "sess-1")
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(body, "store").Bool())
	assert.True(t, gjson.GetBytes(body, "store").Exists())
	assert.True(t, gjson.GetBytes(body, "stream").Bool())
	assert.Equal(t, "sess-1", gjson.GetBytes(body, "prompt_cache_key").String())
	assert.False(t, gjson.GetBytes(body, "temperature").Exists())

	hdrs, err := ctx.Auth.AuthHeaders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", hdrs["authorization"])
}

func TestRegistry_CodexInstructionsFromDetection(t *testing.T) {
	r := testRegistry(t)
	ctx, err := r.Resolve("/codex/v1/messages", provider.RequestMeta{})
	require.NoError(t, err)

	out, err := ctx.RequestAdapter.AdaptRequest([]byte(`{"model":"gpt-5","max_tokens":10,"system":"mine","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "You are Codex on gpt-5", gjson.GetBytes(out, "instructions").String())
}

func TestRegistry_BedrockContext(t *testing.T) {
	r := testRegistry(t)
	ctx, err := r.Resolve("/aws/v1/messages", provider.RequestMeta{Model: "claude"})
	require.NoError(t, err)

	assert.False(t, ctx.SupportsStreaming)
	assert.NotNil(t, ctx.Signer)
	assert.Equal(t, "/model/anthropic.claude-3-5-sonnet-20241022-v2:0/invoke", ctx.PathRewrite("/v1/messages"))

	body, err := ctx.BodyTransformer.TransformBody([]byte(`{"model":"x","stream":true,"max_tokens":5}`), "")
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(body, "model").Exists())
	assert.False(t, gjson.GetBytes(body, "stream").Exists())
	assert.Equal(t, provider.BedrockAnthropicVersion, gjson.GetBytes(body, "anthropic_version").String())

	hdrs := ctx.ResponseTransformer.TransformResponseHeaders(map[string]string{"x-amzn-requestid": "abc", "server": "aws"})
	assert.Equal(t, map[string]string{"request-id": "abc"}, hdrs)
}

func TestRegistry_SignerFailureFailsStartup(t *testing.T) {
	providers := config.ProvidersConfig{
		"aws": {Kind: config.KindBedrock, BaseURL: "https://x", Region: "us-east-1"},
	}
	_, err := provider.NewRegistry(context.Background(), providers, provider.RegistryOptions{
		NewSigner: func(context.Context, string, config.ProviderConfig) (provider.Signer, error) {
			return nil, errors.New("no creds")
		},
	})
	assert.Error(t, err)
}

func TestRegistry_DescriptorsAndModels(t *testing.T) {
	r := testRegistry(t)

	var prefixes []string
	for _, d := range r.Descriptors() {
		prefixes = append(prefixes, d.RoutePrefix)
	}
	assert.Equal(t, []string{"aws", "claude", "codex"}, prefixes)

	d, ok := r.Descriptor("claude")
	require.True(t, ok)
	assert.Equal(t, []string{"fast", "gpt-4o"}, d.Models())
	assert.Equal(t, "core", d.ExtraHeaders["x-team"])
	assert.Equal(t, "2023-06-01", d.ExtraHeaders["anthropic-version"])
}

func TestContext_ExtraHeadersAreCopied(t *testing.T) {
	extra := map[string]string{"a": "1"}
	ctx := provider.New(provider.Context{Name: "x", ExtraHeaders: extra})
	extra["a"] = "changed"
	assert.Equal(t, "1", ctx.ExtraHeaders["a"])

	withSession := ctx.WithSessionID("s1")
	withSession.ExtraHeaders["a"] = "2"
	assert.Equal(t, "1", ctx.ExtraHeaders["a"])
	assert.Empty(t, ctx.SessionID)
	assert.Equal(t, "s1", withSession.SessionID)
}

func TestCodexTransformer_AccountIDFromJWT(t *testing.T) {
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"https://api.openai.com/auth":{"chatgpt_account_id":"acct-jwt"}}`))
	token := "eyJhbGciOiJub25lIn0." + payload + ".sig"

	headers := (&provider.CodexTransformer{}).TransformHeaders(map[string]string{}, "", token)
	assert.Equal(t, "acct-jwt", headers["chatgpt-account-id"])
	assert.Equal(t, "text/event-stream", headers["accept"])
	_, hasSession := headers["session_id"]
	assert.False(t, hasSession)

	headers = (&provider.CodexTransformer{}).TransformHeaders(map[string]string{}, "", "opaque-token")
	assert.NotContains(t, headers, "chatgpt-account-id")
}

func TestParamStripper(t *testing.T) {
	p := &provider.ParamStripper{Params: []string{"temperature", "top_p"}}
	out, err := p.TransformBody([]byte(`{"model":"m","temperature":1,"n":2}`), "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"m","n":2}`, string(out))

	_, err = p.TransformBody([]byte(`nope`), "")
	assert.Error(t, err)
}

func TestDefaultResponseHeaders(t *testing.T) {
	out := provider.DefaultResponseHeaders.TransformResponseHeaders(map[string]string{
		"request-id":                          "req_1",
		"anthropic-ratelimit-requests-remain": "9",
		"set-cookie":                          "x",
		"content-type":                        "application/json",
	})
	assert.Equal(t, map[string]string{
		"request-id":                          "req_1",
		"anthropic-ratelimit-requests-remain": "9",
	}, out)
}
