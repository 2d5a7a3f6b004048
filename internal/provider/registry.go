package provider

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/izzoa/ccproxy-api-sub002/internal/adapters"
	"github.com/izzoa/ccproxy-api-sub002/internal/auth"
	"github.com/izzoa/ccproxy-api-sub002/internal/config"
	"github.com/izzoa/ccproxy-api-sub002/internal/detection"
	"github.com/izzoa/ccproxy-api-sub002/internal/upstream"
)

// ErrUnsupportedRoute is returned when no provider serves a path.
var ErrUnsupportedRoute = errors.New("unsupported route")

// SignerFactory builds the request signer for a provider that needs one.
type SignerFactory func(ctx context.Context, name string, cfg config.ProviderConfig) (Signer, error)

// RequestMeta is what Resolve needs to know about the inbound request.
type RequestMeta struct {
	Model     string
	Streaming bool
	SessionID string
}

// Descriptor is the static, config-derived description of one provider.
type Descriptor struct {
	Name        string
	Kind        string
	BaseURL     string
	RoutePrefix string
	Upstream    adapters.Format
	Options     adapters.Options
	Auth        auth.Manager
	Signer      Signer

	ExtraHeaders      map[string]string
	SupportsStreaming bool
	StreamOnly        bool
	RequiresSession   bool
	CountTokens       string
	AccountID         string
	UnsupportedParams []string
}

// Models returns the client-facing model aliases, sorted.
func (d *Descriptor) Models() []string {
	return slices.Sorted(maps.Keys(d.Options.ModelMap))
}

// upstreamFormat maps a provider kind to the wire format it speaks.
func upstreamFormat(kind string) adapters.Format {
	switch kind {
	case config.KindCodex, config.KindOpenAI:
		return adapters.FormatOpenAIResponses
	case config.KindOpenAIChat:
		return adapters.FormatOpenAIChat
	default:
		return adapters.FormatAnthropic
	}
}

// upstreamPath is the provider endpoint relative to its base URL.
func (d *Descriptor) upstreamPath(endpoint Endpoint, model string) string {
	if endpoint == EndpointCountTokens {
		return "/v1/messages/count_tokens"
	}
	switch d.Kind {
	case config.KindCodex:
		return "/responses"
	case config.KindOpenAI:
		return "/v1/responses"
	case config.KindOpenAIChat:
		return "/v1/chat/completions"
	case config.KindBedrock:
		return BedrockInvokePath(model)
	default:
		return "/v1/messages"
	}
}

// RegistryOptions holds the collaborators used to build descriptors.
type RegistryOptions struct {
	Detection detection.Service
	Adapters  *adapters.Registry
	NewSigner SignerFactory
}

// Registry resolves request paths to provider contexts. Descriptors are
// built once; contexts and adapters are built per request.
type Registry struct {
	byPrefix map[string]*Descriptor
	adapters *adapters.Registry
	mu       sync.RWMutex
}

// DefaultSignerFactory signs Bedrock requests with the AWS default
// credential chain.
func DefaultSignerFactory(ctx context.Context, _ string, cfg config.ProviderConfig) (Signer, error) {
	return upstream.NewBedrockSigner(ctx, cfg.Region, nil)
}

// NewRegistry builds descriptors for every configured provider.
func NewRegistry(ctx context.Context, providers config.ProvidersConfig, opts RegistryOptions) (*Registry, error) {
	if opts.Detection == nil {
		opts.Detection = detection.NewStatic(nil)
	}
	if opts.Adapters == nil {
		opts.Adapters = adapters.NewRegistry()
	}
	if opts.NewSigner == nil {
		opts.NewSigner = DefaultSignerFactory
	}

	r := &Registry{
		byPrefix: make(map[string]*Descriptor, len(providers)),
		adapters: opts.Adapters,
	}
	for _, name := range slices.Sorted(maps.Keys(providers)) {
		d, err := newDescriptor(ctx, name, providers[name], opts)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		r.byPrefix[d.RoutePrefix] = d
		log.Debug().
			Str("provider", name).
			Str("kind", d.Kind).
			Str("prefix", d.RoutePrefix).
			Str("upstream", string(d.Upstream)).
			Msg("provider registered")
	}
	return r, nil
}

func newDescriptor(ctx context.Context, name string, cfg config.ProviderConfig, opts RegistryOptions) (*Descriptor, error) {
	headers := detection.DefaultHeaders(cfg.Kind)
	for _, src := range []map[string]string{opts.Detection.Headers(name), cfg.NativeHeaders, cfg.ExtraHeaders} {
		for k, v := range src {
			headers[strings.ToLower(k)] = v
		}
	}

	template := cfg.Instructions.Template
	if template == "" {
		template = opts.Detection.Instructions(name)
	}

	d := &Descriptor{
		Name:        name,
		Kind:        cfg.Kind,
		BaseURL:     cfg.BaseURL,
		RoutePrefix: strings.Trim(cfg.RoutePrefix, "/"),
		Upstream:    upstreamFormat(cfg.Kind),
		Options: adapters.Options{
			ModelMap: maps.Clone(cfg.ModelMap),
			Instructions: adapters.Injector{
				Template: template,
				Mode:     adapters.InjectionMode(cfg.Instructions.Mode),
			},
			DefaultMaxTokens: cfg.DefaultMaxTokens,
		},
		Auth:              newAuthManager(name, cfg.Auth),
		ExtraHeaders:      headers,
		SupportsStreaming: cfg.Streaming(),
		StreamOnly:        cfg.Kind == config.KindCodex,
		RequiresSession:   cfg.Session(),
		CountTokens:       cfg.CountTokens,
		AccountID:         cfg.Auth.AccountID,
		UnsupportedParams: slices.Clone(cfg.UnsupportedParams),
	}
	if d.RoutePrefix == "" {
		d.RoutePrefix = name
	}

	if cfg.Kind == config.KindBedrock {
		signer, err := opts.NewSigner(ctx, name, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create signer: %w", err)
		}
		d.Signer = signer
	}
	return d, nil
}

func newAuthManager(name string, cfg config.AuthConfig) auth.Manager {
	switch cfg.Type {
	case config.AuthNone:
		return auth.NewNone(name)
	case config.AuthBearer:
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Key, TokenType: "Bearer"})
		return auth.NewTokenSource(name, ts, nil)
	case config.AuthTokenFile:
		return auth.NewTokenSource(name, auth.FileTokenSource(cfg.TokenFile, cfg.TokenField, cfg.ExpiryField), nil)
	default:
		return auth.NewAPIKey(name, cfg.Header, cfg.Key)
	}
}

// Descriptors returns all providers ordered by route prefix.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.byPrefix))
	for _, prefix := range slices.Sorted(maps.Keys(r.byPrefix)) {
		out = append(out, r.byPrefix[prefix])
	}
	return out
}

// Descriptor returns the provider mounted at prefix.
func (r *Registry) Descriptor(prefix string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byPrefix[prefix]
	return d, ok
}

// SplitPath splits "/{prefix}/v1/..." into the prefix and endpoint.
func SplitPath(path string) (string, Endpoint, bool) {
	trimmed := strings.TrimPrefix(path, "/")
	prefix, rest, ok := strings.Cut(trimmed, "/")
	if !ok || prefix == "" {
		return "", "", false
	}
	switch "/" + strings.TrimSuffix(rest, "/") {
	case "/v1/messages":
		return prefix, EndpointMessages, true
	case "/v1/chat/completions":
		return prefix, EndpointChat, true
	case "/v1/responses":
		return prefix, EndpointResponses, true
	case "/v1/messages/count_tokens":
		return prefix, EndpointCountTokens, true
	case "/v1/models":
		return prefix, EndpointModels, true
	}
	return prefix, "", false
}

// Resolve builds a fresh Context for a request path.
func (r *Registry) Resolve(path string, meta RequestMeta) (Context, error) {
	prefix, endpoint, ok := SplitPath(path)
	if !ok {
		return Context{}, fmt.Errorf("%w: %s", ErrUnsupportedRoute, path)
	}
	d, ok := r.Descriptor(prefix)
	if !ok {
		return Context{}, fmt.Errorf("%w: unknown provider %q", ErrUnsupportedRoute, prefix)
	}

	clientFormat := endpoint.ClientFormat()
	pair := adapters.Pair{Client: clientFormat, Upstream: d.Upstream}
	switch endpoint {
	case EndpointModels:
		return Context{}, fmt.Errorf("%w: %s is served locally", ErrUnsupportedRoute, endpoint)
	case EndpointCountTokens:
		if d.CountTokens != config.CountTokensUpstream || d.Upstream != adapters.FormatAnthropic || d.Kind == config.KindBedrock {
			return Context{}, fmt.Errorf("%w: %s has no upstream count_tokens", ErrUnsupportedRoute, d.Name)
		}
	}
	if !r.adapters.Supports(pair) {
		return Context{}, fmt.Errorf("%w: %s cannot serve %s", ErrUnsupportedRoute, d.Name, endpoint)
	}
	adapter, err := r.adapters.New(pair, d.Options)
	if err != nil {
		return Context{}, fmt.Errorf("failed to build adapter: %w", err)
	}

	upstreamPath := d.upstreamPath(endpoint, d.Options.ResolveModel(meta.Model))
	ctx := Context{
		Name:          d.Name,
		TargetBaseURL: d.BaseURL,
		RoutePrefix:   "/" + d.RoutePrefix,
		PathRewrite:   func(string) string { return upstreamPath },
		Endpoint:      endpoint,
		ClientFormat:  clientFormat,
		AdapterName:   adapter.Name(),

		RequestAdapter:      adapter,
		ResponseAdapter:     adapter,
		StreamAdapter:       adapter,
		ResponseTransformer: DefaultResponseHeaders,
		Signer:              d.Signer,
		Auth:                d.Auth,

		SessionID:         meta.SessionID,
		SupportsStreaming: d.SupportsStreaming,
		StreamOnly:        d.StreamOnly,
		RequiresSession:   d.RequiresSession,
		ExtraHeaders:      d.ExtraHeaders,
	}

	var chain BodyChain
	switch d.Kind {
	case config.KindCodex:
		codex := &CodexTransformer{AccountID: d.AccountID}
		ctx.HeaderTransformer = codex
		chain = append(chain, codex)
	case config.KindBedrock:
		chain = append(chain, BedrockTransformer{})
		ctx.ResponseTransformer = BedrockResponseHeaders
	}
	if len(d.UnsupportedParams) > 0 && endpoint != EndpointCountTokens {
		chain = append(chain, &ParamStripper{Params: d.UnsupportedParams})
	}
	if len(chain) > 0 {
		ctx.BodyTransformer = chain
	}

	return New(ctx), nil
}
