// Provider configuration - one entry per upstream route.
//
// DESIGN: Each provider is mounted under /{route_prefix} and targets one
// upstream wire format chosen by kind:
//
//	anthropic    Anthropic Messages API
//	codex        ChatGPT Codex backend (Responses API, stream only, sessions)
//	openai       OpenAI Responses API (http(s) or ws(s) base URL)
//	openai-chat  OpenAI-compatible Chat Completions API
//	bedrock      Anthropic models on AWS Bedrock (SigV4, no streaming)
package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Provider kinds.
const (
	KindAnthropic  = "anthropic"
	KindCodex      = "codex"
	KindOpenAI     = "openai"
	KindOpenAIChat = "openai-chat"
	KindBedrock    = "bedrock"
)

// Auth types.
const (
	AuthAPIKey    = "api_key"
	AuthBearer    = "bearer"
	AuthTokenFile = "token_file"
	AuthNone      = "none"
)

// bedrockURLPattern is the Bedrock Runtime endpoint for a region.
const bedrockURLPattern = "https://bedrock-runtime.%s.amazonaws.com"

// Count token strategies.
const (
	CountTokensUpstream = "upstream"
	CountTokensLocal    = "local"
)

// ProvidersConfig maps provider name to its settings.
type ProvidersConfig map[string]ProviderConfig

// ProviderConfig configures one provider route.
type ProviderConfig struct {
	Kind              string             `yaml:"kind" validate:"required,oneof=anthropic codex openai openai-chat bedrock"`
	BaseURL           string             `yaml:"base_url" validate:"required"`
	RoutePrefix       string             `yaml:"route_prefix"`
	Auth              AuthConfig         `yaml:"auth"`
	ModelMap          map[string]string  `yaml:"model_map"`
	Instructions      InstructionsConfig `yaml:"instructions"`
	NativeHeaders     map[string]string  `yaml:"native_headers"`
	ExtraHeaders      map[string]string  `yaml:"extra_headers"`
	SupportsStreaming *bool              `yaml:"supports_streaming"`
	RequiresSession   *bool              `yaml:"requires_session"`
	Region            string             `yaml:"region"`
	DefaultMaxTokens  int                `yaml:"default_max_tokens" validate:"min=0"`
	UnsupportedParams []string           `yaml:"unsupported_params"`
	CountTokens       string             `yaml:"count_tokens" validate:"omitempty,oneof=upstream local"`
}

// AuthConfig selects the credential manager.
type AuthConfig struct {
	Type        string `yaml:"type" validate:"omitempty,oneof=api_key bearer token_file none"`
	Header      string `yaml:"header"`       // api_key: x-api-key or authorization
	Key         string `yaml:"key"`          // api_key / bearer value, usually ${ENV}
	TokenFile   string `yaml:"token_file"`   // token_file: path
	TokenField  string `yaml:"token_field"`  // token_file: gjson path, empty = whole file
	ExpiryField string `yaml:"expiry_field"` // token_file: optional expiry path
	AccountID   string `yaml:"account_id"`   // sent as chatgpt-account-id
}

// InstructionsConfig configures provider-native instruction injection.
type InstructionsConfig struct {
	Template string `yaml:"template"`
	Mode     string `yaml:"mode" validate:"omitempty,oneof=override append disabled"`
}

func (p *ProviderConfig) applyDefaults(name string) {
	if p.RoutePrefix == "" {
		p.RoutePrefix = name
	}
	p.RoutePrefix = strings.Trim(p.RoutePrefix, "/")
	if p.Kind == KindBedrock && p.BaseURL == "" && p.Region != "" {
		p.BaseURL = fmt.Sprintf(bedrockURLPattern, p.Region)
	}
	if p.Auth.Type == "" {
		switch p.Kind {
		case KindBedrock:
			p.Auth.Type = AuthNone
		case KindCodex:
			p.Auth.Type = AuthTokenFile
		default:
			p.Auth.Type = AuthAPIKey
		}
	}
	if p.Auth.Header == "" {
		if p.Kind == KindAnthropic {
			p.Auth.Header = "x-api-key"
		} else {
			p.Auth.Header = "authorization"
		}
	}
	if p.Instructions.Mode == "" {
		p.Instructions.Mode = "append"
	}
	if p.CountTokens == "" {
		if p.Kind == KindAnthropic {
			p.CountTokens = CountTokensUpstream
		} else {
			p.CountTokens = CountTokensLocal
		}
	}
	if p.Kind == KindCodex && p.UnsupportedParams == nil {
		p.UnsupportedParams = []string{"max_output_tokens", "temperature", "top_p", "user"}
	}
}

// Streaming reports whether the upstream can stream.
func (p ProviderConfig) Streaming() bool {
	if p.SupportsStreaming != nil {
		return *p.SupportsStreaming
	}
	return p.Kind != KindBedrock
}

// Session reports whether requests need a session id.
func (p ProviderConfig) Session() bool {
	if p.RequiresSession != nil {
		return *p.RequiresSession
	}
	return p.Kind == KindCodex
}

// Validate checks cross-field provider rules.
func (c ProvidersConfig) Validate() error {
	prefixes := make(map[string]string, len(c))
	for name, p := range c {
		u, err := url.Parse(p.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("providers.%s.base_url: invalid URL %q", name, p.BaseURL)
		}
		switch u.Scheme {
		case "http", "https":
		case "ws", "wss":
			if p.Kind != KindOpenAI && p.Kind != KindCodex {
				return fmt.Errorf("providers.%s.base_url: websocket scheme requires a Responses provider", name)
			}
		default:
			return fmt.Errorf("providers.%s.base_url: unsupported scheme %q", name, u.Scheme)
		}

		if p.Kind == KindBedrock && p.Region == "" {
			return fmt.Errorf("providers.%s.region is required for bedrock", name)
		}
		if p.Auth.Type == AuthTokenFile && p.Auth.TokenFile == "" {
			return fmt.Errorf("providers.%s.auth.token_file is required", name)
		}

		prefix := strings.Trim(p.RoutePrefix, "/")
		if prefix == "" {
			prefix = name
		}
		if strings.Contains(prefix, "/") {
			return fmt.Errorf("providers.%s.route_prefix must be a single path segment", name)
		}
		if other, ok := prefixes[prefix]; ok {
			return fmt.Errorf("providers.%s: route_prefix %q already used by %s", name, prefix, other)
		}
		prefixes[prefix] = name
	}
	return nil
}
