package breaker

import (
	"sort"
	"sync"
)

// Registry hands out named breakers sharing one configuration.
type Registry struct {
	cfg  Config
	opts []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. opts apply to every breaker it creates.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	return &Registry{cfg: cfg, opts: opts, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.cfg, r.opts...)
		r.breakers[name] = b
	}
	return b
}

// Stats returns stats for every breaker, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Stats, len(list))
	for i, b := range list {
		out[i] = b.Stats()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
