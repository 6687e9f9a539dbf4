package circuitbreaker

import (
	"sort"
	"sync"
)

// Registry holds one breaker per dependency for the life of the process.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it with the registry defaults on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(name, r.cfg)
	r.breakers[name] = cb
	return cb
}

// Register installs a breaker with its own configuration, replacing any existing one.
func (r *Registry) Register(name string, cfg Config) *CircuitBreaker {
	if cfg.Logger == nil {
		cfg.Logger = r.cfg.Logger
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = r.cfg.OnStateChange
	}
	if cfg.Now == nil {
		cfg.Now = r.cfg.Now
	}
	cb := NewCircuitBreaker(name, cfg)

	r.mu.Lock()
	r.breakers[name] = cb
	r.mu.Unlock()
	return cb
}

func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		list = append(list, cb)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
