package session

import "sync"

// Factory builds the Machine for a new session id.
type Factory func(id string) *Machine

// Registry keeps one Machine per session owner.
type Registry struct {
	factory Factory

	mu       sync.Mutex
	machines map[string]*Machine
}

// NewRegistry returns an empty registry.
func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory, machines: make(map[string]*Machine)}
}

// Get returns the Machine for id, creating it on first use.
func (r *Registry) Get(id string) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.machines[id]; ok {
		return m
	}
	m := r.factory(id)
	r.machines[id] = m
	return m
}

// Len reports how many sessions exist.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

// Close shuts down every Machine.
func (r *Registry) Close() {
	r.mu.Lock()
	machines := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.machines = make(map[string]*Machine)
	r.mu.Unlock()

	for _, m := range machines {
		m.Close()
	}
}
