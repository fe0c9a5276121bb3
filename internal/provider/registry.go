package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// Constructor builds an adapter for one configured model.
type Constructor func(cfg domain.ModelConfig, deps Deps) Adapter

// Registry maps provider kinds to adapter constructors. Adding a provider
// is a registry insert, not a conditional chain.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// DefaultRegistry returns a registry with every built-in provider kind.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("openai", NewOpenAI)
	r.Register("anthropic", NewAnthropic)
	r.Register("gemini", NewGemini)
	r.Register("perplexity", NewPerplexity)
	r.Register(domain.FallbackModelID, NewFallback)
	return r
}

func (r *Registry) Register(kind string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[kind] = ctor
}

// Build constructs the adapter for a model configuration.
func (r *Registry) Build(cfg domain.ModelConfig, deps Deps) (Adapter, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider kind %q for model %s", cfg.Provider, cfg.ModelID)
	}
	return ctor(cfg, deps), nil
}

// Kinds lists the registered provider kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.constructors))
	for k := range r.constructors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
