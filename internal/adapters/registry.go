// Registry maps client/upstream format pairs to adapter factories.
//
// DESIGN: Thread-safe map of pair → Factory. Adapters themselves are
// per-request (they record the client's model alias), so the registry hands
// out constructors rather than instances. Built-in pairs are registered at
// startup; same-format pairs default to passthrough.
package adapters

import (
	"fmt"
	"sync"
)

// Pair identifies a client format served from an upstream format.
type Pair struct {
	Client   Format
	Upstream Format
}

func (p Pair) String() string {
	return fmt.Sprintf("%s->%s", p.Client, p.Upstream)
}

// Factory builds a fresh adapter for one request.
type Factory func(opts Options) (FormatAdapter, error)

// Registry manages adapter factory registration.
type Registry struct {
	factories map[Pair]Factory
	mu        sync.RWMutex
}

// NewRegistry creates a new registry with all built-in pairs.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[Pair]Factory),
	}

	// Register built-in adapters
	r.Register(Pair{FormatOpenAIChat, FormatAnthropic}, func(opts Options) (FormatAdapter, error) {
		return NewAnthropicOpenAIAdapter(opts), nil
	})
	r.Register(Pair{FormatAnthropic, FormatOpenAIResponses}, func(opts Options) (FormatAdapter, error) {
		return NewCodexAdapter(FormatAnthropic, opts)
	})
	r.Register(Pair{FormatOpenAIChat, FormatOpenAIResponses}, func(opts Options) (FormatAdapter, error) {
		return NewCodexAdapter(FormatOpenAIChat, opts)
	})
	r.Register(Pair{FormatAnthropic, FormatOpenAIChat}, func(opts Options) (FormatAdapter, error) {
		return NewTranslatingAdapter(FormatAnthropic, FormatOpenAIChat, opts)
	})
	for _, f := range []Format{FormatAnthropic, FormatOpenAIChat, FormatOpenAIResponses} {
		r.Register(Pair{f, f}, func(opts Options) (FormatAdapter, error) {
			return NewPassthroughAdapter(f, opts), nil
		})
	}

	return r
}

// Register adds or replaces the factory for a pair.
func (r *Registry) Register(p Pair, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[p] = f
}

// Supports reports whether a factory exists for the pair.
func (r *Registry) Supports(p Pair) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[p]
	return ok
}

// New builds an adapter for the pair.
func (r *Registry) New(p Pair, opts Options) (FormatAdapter, error) {
	r.mu.RLock()
	f, ok := r.factories[p]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter for %s", p)
	}
	return f(opts)
}
