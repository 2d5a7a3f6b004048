package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izzoa/ccproxy-api-sub002/internal/config"
)

const validYAML = `
server:
  port: 8000
  read_timeout: 30s
upstream:
  response_header_timeout: 45s
monitoring:
  log_level: debug
providers:
  claude:
    kind: anthropic
    base_url: https://api.anthropic.com
    auth:
      key: ${TEST_ANTHROPIC_KEY:-sk-default}
    model_map:
      gpt-4o: claude-sonnet-4-5
  codex:
    kind: codex
    base_url: https://chatgpt.com/backend-api/codex
    auth:
      token_file: /tmp/auth.json
      token_field: tokens.access_token
    instructions:
      template: "You are Codex on {model}"
      mode: override
  aws:
    kind: bedrock
    region: us-east-1
`

func TestLoadFromBytes_Valid(t *testing.T) {
	cfg, err := config.LoadFromBytes([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8000", cfg.Server.Addr())
	assert.Equal(t, 45*time.Second, cfg.Upstream.ResponseHeaderTimeout)
	assert.Equal(t, config.DefaultRequestTimeout, cfg.Upstream.RequestTimeout)
	assert.Equal(t, config.FailOpen, cfg.Upstream.FailMode)
	assert.Equal(t, "debug", cfg.Monitoring.LogLevel)
	assert.Equal(t, "console", cfg.Monitoring.LogFormat)

	claude := cfg.Providers["claude"]
	assert.Equal(t, "claude", claude.RoutePrefix)
	assert.Equal(t, config.AuthAPIKey, claude.Auth.Type)
	assert.Equal(t, "x-api-key", claude.Auth.Header)
	assert.Equal(t, "sk-default", claude.Auth.Key)
	assert.Equal(t, config.CountTokensUpstream, claude.CountTokens)
	assert.True(t, claude.Streaming())
	assert.False(t, claude.Session())

	codex := cfg.Providers["codex"]
	assert.Equal(t, config.AuthTokenFile, codex.Auth.Type)
	assert.Equal(t, "override", codex.Instructions.Mode)
	assert.True(t, codex.Session())
	assert.Contains(t, codex.UnsupportedParams, "temperature")
	assert.Equal(t, config.CountTokensLocal, codex.CountTokens)

	aws := cfg.Providers["aws"]
	assert.False(t, aws.Streaming())
	assert.Equal(t, config.AuthNone, aws.Auth.Type)
	assert.Equal(t, "https://bedrock-runtime.us-east-1.amazonaws.com", aws.BaseURL)
}

func TestLoadFromBytes_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-from-env")

	cfg, err := config.LoadFromBytes([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "sk-from-env", cfg.Providers["claude"].Auth.Key)
}

func TestLoadFromBytes_EnvOverrides(t *testing.T) {
	t.Setenv("CCPROXY_TELEMETRY_DB", "/tmp/telemetry.db")

	cfg, err := config.LoadFromBytes([]byte(validYAML))
	require.NoError(t, err)

	assert.True(t, cfg.Monitoring.TelemetryEnabled)
	assert.Equal(t, "/tmp/telemetry.db", cfg.Monitoring.TelemetryDB)
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	base := `
server:
  port: 8000
  read_timeout: 30s
`
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no providers",
			yaml:    base,
			wantErr: "Providers",
		},
		{
			name: "missing port",
			yaml: `
server:
  read_timeout: 30s
providers:
  a: {kind: anthropic, base_url: "https://x"}
`,
			wantErr: "Port",
		},
		{
			name:    "unknown kind",
			yaml:    base + "providers:\n  a: {kind: gemini, base_url: \"https://x\"}\n",
			wantErr: "Kind",
		},
		{
			name:    "bad scheme",
			yaml:    base + "providers:\n  a: {kind: anthropic, base_url: \"ftp://x\"}\n",
			wantErr: "unsupported scheme",
		},
		{
			name:    "websocket on chat provider",
			yaml:    base + "providers:\n  a: {kind: openai-chat, base_url: \"wss://x\"}\n",
			wantErr: "websocket",
		},
		{
			name:    "bedrock without region",
			yaml:    base + "providers:\n  a: {kind: bedrock, base_url: \"https://x\"}\n",
			wantErr: "region",
		},
		{
			name:    "duplicate prefix",
			yaml:    base + "providers:\n  a: {kind: anthropic, base_url: \"https://x\", route_prefix: p}\n  b: {kind: anthropic, base_url: \"https://y\", route_prefix: p}\n",
			wantErr: "already used",
		},
		{
			name:    "bad fail mode",
			yaml:    base + "upstream: {fail_mode: maybe}\nproviders:\n  a: {kind: anthropic, base_url: \"https://x\"}\n",
			wantErr: "FailMode",
		},
		{
			name:    "telemetry without sink",
			yaml:    base + "monitoring: {telemetry_enabled: true}\nproviders:\n  a: {kind: anthropic, base_url: \"https://x\"}\n",
			wantErr: "telemetry",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadFromBytes([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Providers, 3)

	_, err = config.Load("")
	assert.Error(t, err)
	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
