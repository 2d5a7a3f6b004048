// Package detection supplies provider-native instructions and headers.
//
// DESIGN: The real values normally come from probing the installed provider
// CLI. The gateway only consumes them through Service; Static serves values
// from configuration, falling back to built-in defaults per provider kind.
package detection

import (
	"maps"
	"strings"
)

// Service returns provider-native data for a provider name.
type Service interface {
	// Instructions returns the instruction template, possibly containing {model}.
	Instructions(provider string) string
	// Headers returns native headers, lowercase keys.
	Headers(provider string) map[string]string
}

// Entry holds detected data for one provider.
type Entry struct {
	Instructions string
	Headers      map[string]string
}

// Static is a Service over fixed entries.
type Static struct {
	entries map[string]Entry
}

var _ Service = (*Static)(nil)

// Default headers sent by the Codex CLI.
var codexHeaders = map[string]string{
	"openai-beta": "responses=experimental",
	"originator":  "codex_cli_rs",
}

// NewStatic creates a static service. Header keys are lowercased.
func NewStatic(entries map[string]Entry) *Static {
	s := &Static{entries: make(map[string]Entry, len(entries))}
	for name, e := range entries {
		headers := make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			headers[strings.ToLower(k)] = v
		}
		s.entries[name] = Entry{Instructions: e.Instructions, Headers: headers}
	}
	return s
}

// Instructions returns the configured template for provider.
func (s *Static) Instructions(provider string) string {
	return s.entries[provider].Instructions
}

// Headers returns a copy of the configured headers for provider.
func (s *Static) Headers(provider string) map[string]string {
	return maps.Clone(s.entries[provider].Headers)
}

// Default API version pinned for Anthropic Messages upstreams.
var anthropicHeaders = map[string]string{
	"anthropic-version": "2023-06-01",
}

// DefaultHeaders returns built-in native headers for a provider kind.
func DefaultHeaders(kind string) map[string]string {
	switch kind {
	case "codex":
		return maps.Clone(codexHeaders)
	case "anthropic":
		return maps.Clone(anthropicHeaders)
	}
	return map[string]string{}
}
