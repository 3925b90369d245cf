package breaker

import "sync"

// Registry indexes breakers by dependency name. Process-scoped; services hold
// a registry instance injected through their constructors.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

// NewRegistry creates a registry. defaults applies to breakers created via
// GetOrCreate without an explicit config.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// GetOrCreate returns the breaker for name, creating it with the registry
// defaults on first use.
func (r *Registry) GetOrCreate(name string) *Breaker {
	return r.GetOrCreateWith(name, r.defaults)
}

// GetOrCreateWith returns the breaker for name, creating it with cfg on first
// use. An existing breaker's config is not changed.
func (r *Registry) GetOrCreateWith(name string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, cfg)
	r.breakers[name] = b
	return b
}

// Get returns the breaker for name, or nil if it has not been created.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Stats returns snapshots for every registered breaker, keyed by name.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}

// ResetAll returns every breaker to CLOSED. Used by tests and ops tooling.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
