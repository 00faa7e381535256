package breaker

import "sync"

// Registry hands out one Breaker per Key, created on first use.
type Registry struct {
	defaults Config
	mu       sync.Mutex
	breakers map[Key]*Breaker
}

func NewRegistry(defaults Config) *Registry {
	return &Registry{defaults: defaults, breakers: make(map[Key]*Breaker)}
}

// Get returns the breaker for key. rpm overrides the default request budget
// when the breaker is first created; zero keeps the default.
func (r *Registry) Get(key Key, rpm int) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	cfg := r.defaults
	if rpm > 0 {
		cfg.RequestsPerMinute = rpm
	}
	b := New(key, cfg)
	r.breakers[key] = b
	return b
}

func (r *Registry) Snapshot() map[Key]CircuitState {
	r.mu.Lock()
	breakers := make(map[Key]*Breaker, len(r.breakers))
	for k, b := range r.breakers {
		breakers[k] = b
	}
	r.mu.Unlock()

	out := make(map[Key]CircuitState, len(breakers))
	for k, b := range breakers {
		out[k] = b.Snapshot()
	}
	return out
}
