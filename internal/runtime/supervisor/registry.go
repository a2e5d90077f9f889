package supervisor

import "sync"

// Registry is a thread-safe name -> supervisor map used for health
// reporting. Subsystems register themselves when they start and remove
// themselves on stop.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Supervisor
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]*Supervisor{}}
}

// Set registers sup under name. A nil sup deletes the entry.
func (r *Registry) Set(name string, sup *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

func (r *Registry) Delete(name string) { r.Set(name, nil) }

// Snapshot returns a copy of the registry.
func (r *Registry) Snapshot() map[string]*Supervisor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Supervisor, len(r.m))
	for k, v := range r.m {
		out[k] = v
	}
	return out
}

// Counters snapshots the counters of every registered supervisor.
func (r *Registry) Counters() map[string]Counters {
	snap := r.Snapshot()
	out := make(map[string]Counters, len(snap))
	for k, s := range snap {
		out[k] = s.Counters()
	}
	return out
}
