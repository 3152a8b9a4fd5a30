package llm

import (
	"fmt"
	"strings"
	"sync"
)

type ProviderFactory func() (Provider, error)

// Registry maps provider names to factories. Backends register themselves at
// wiring time; lookup happens once per process in practice, but the registry
// is safe for concurrent use anyway.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(name string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown llm provider: %s", name)
	}
	return f()
}
