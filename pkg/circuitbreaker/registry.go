package circuitbreaker

import "sync"

// Registry holds one breaker per key, created on first use.
type Registry struct {
	cfg      Config
	onChange func(key string, from, to State)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg. onChange may be nil;
// when set it replaces cfg.OnStateChange and receives the breaker's key.
func NewRegistry(cfg Config, onChange func(key string, from, to State)) *Registry {
	return &Registry{cfg: cfg, onChange: onChange, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		cfg := r.cfg
		if r.onChange != nil {
			cfg.OnStateChange = func(from, to State) { r.onChange(key, from, to) }
		}
		b = New(cfg)
		r.breakers[key] = b
	}
	return b
}

// Stats counts breakers by state.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Stats returns a snapshot of breaker states.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	s := Stats{Total: len(list)}
	for _, b := range list {
		switch b.State() {
		case Open:
			s.Open++
		case HalfOpen:
			s.HalfOpen++
		default:
			s.Closed++
		}
	}
	return s
}
