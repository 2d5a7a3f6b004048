package provider

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// =============================================================================
// BODY TRANSFORMER CHAIN
// =============================================================================

// BodyChain runs transformers in order, each on the previous output.
type BodyChain []BodyTransformer

var _ BodyTransformer = BodyChain(nil)

func (c BodyChain) TransformBody(body []byte, sessionID string) ([]byte, error) {
	var err error
	for _, t := range c {
		body, err = t.TransformBody(body, sessionID)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

// ParamStripper deletes top-level request fields the upstream rejects.
type ParamStripper struct {
	Params []string
}

var _ BodyTransformer = (*ParamStripper)(nil)

func (p *ParamStripper) TransformBody(body []byte, _ string) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("body is not valid JSON")
	}
	var err error
	for _, param := range p.Params {
		if !gjson.GetBytes(body, param).Exists() {
			continue
		}
		body, err = sjson.DeleteBytes(body, param)
		if err != nil {
			return nil, fmt.Errorf("failed to delete %s: %w", param, err)
		}
	}
	return body, nil
}

// =============================================================================
// CODEX
// =============================================================================

const (
	codexAuthClaim      = "https://api.openai.com/auth"
	codexAccountIDClaim = "chatgpt_account_id"
)

// CodexTransformer adapts Responses requests to the ChatGPT Codex backend:
// it streams always, never stores and keys the prompt cache by session.
type CodexTransformer struct {
	AccountID string
}

var (
	_ HeaderTransformer = (*CodexTransformer)(nil)
	_ BodyTransformer   = (*CodexTransformer)(nil)
)

func (c *CodexTransformer) TransformHeaders(headers map[string]string, sessionID, bearerToken string) map[string]string {
	if sessionID != "" {
		headers["session_id"] = sessionID
	}
	accountID := c.AccountID
	if accountID == "" {
		accountID = accountIDFromJWT(bearerToken)
	}
	if accountID != "" {
		headers["chatgpt-account-id"] = accountID
	}
	headers["accept"] = "text/event-stream"
	return headers
}

func (c *CodexTransformer) TransformBody(body []byte, sessionID string) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("body is not valid JSON")
	}
	out, err := sjson.SetBytes(body, "store", false)
	if err != nil {
		return nil, fmt.Errorf("failed to set store: %w", err)
	}
	if out, err = sjson.SetBytes(out, "stream", true); err != nil {
		return nil, fmt.Errorf("failed to set stream: %w", err)
	}
	if sessionID != "" && !gjson.GetBytes(out, "prompt_cache_key").Exists() {
		if out, err = sjson.SetBytes(out, "prompt_cache_key", sessionID); err != nil {
			return nil, fmt.Errorf("failed to set prompt_cache_key: %w", err)
		}
	}
	return out, nil
}

// accountIDFromJWT reads the ChatGPT account id claim from an access token
// without verifying it. Returns "" for anything that is not such a JWT.
func accountIDFromJWT(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	return gjson.GetBytes(payload, gjson.Escape(codexAuthClaim)+"."+codexAccountIDClaim).String()
}

// =============================================================================
// BEDROCK
// =============================================================================

// BedrockAnthropicVersion is required in place of the model field.
const BedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockTransformer turns an Anthropic Messages body into a Bedrock
// InvokeModel body: the model moves into the URL and streaming is dropped.
type BedrockTransformer struct{}

var _ BodyTransformer = (*BedrockTransformer)(nil)

func (BedrockTransformer) TransformBody(body []byte, _ string) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("body is not valid JSON")
	}
	out, err := sjson.DeleteBytes(body, "model")
	if err != nil {
		return nil, fmt.Errorf("failed to delete model: %w", err)
	}
	if out, err = sjson.DeleteBytes(out, "stream"); err != nil {
		return nil, fmt.Errorf("failed to delete stream: %w", err)
	}
	if !gjson.GetBytes(out, "anthropic_version").Exists() {
		if out, err = sjson.SetBytes(out, "anthropic_version", BedrockAnthropicVersion); err != nil {
			return nil, fmt.Errorf("failed to set anthropic_version: %w", err)
		}
	}
	return out, nil
}

// BedrockInvokePath returns the InvokeModel path for a model id.
func BedrockInvokePath(model string) string {
	return "/model/" + url.PathEscape(model) + "/invoke"
}

// =============================================================================
// RESPONSE HEADERS
// =============================================================================

// HeaderAllowlist forwards upstream response headers whose keys match one
// of Prefixes, optionally renaming some of them.
type HeaderAllowlist struct {
	Prefixes []string
	Rename   map[string]string
}

var _ ResponseTransformer = (*HeaderAllowlist)(nil)

// DefaultResponseHeaders forwards request ids and rate limit information.
var DefaultResponseHeaders = &HeaderAllowlist{
	Prefixes: []string{"request-id", "x-request-id", "anthropic-ratelimit-", "x-ratelimit-", "retry-after", "openai-processing-ms"},
}

// BedrockResponseHeaders exposes the AWS request id as request-id.
var BedrockResponseHeaders = &HeaderAllowlist{
	Prefixes: []string{"x-amzn-requestid", "retry-after"},
	Rename:   map[string]string{"x-amzn-requestid": "request-id"},
}

func (h *HeaderAllowlist) TransformResponseHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range headers {
		for _, p := range h.Prefixes {
			if strings.HasPrefix(k, p) {
				if renamed, ok := h.Rename[k]; ok {
					k = renamed
				}
				out[k] = v
				break
			}
		}
	}
	return out
}
