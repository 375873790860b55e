package conn

import "sync"

// Registry tracks every live Connection so internal/metrics can walk
// them without each Connection needing to know about Prometheus. A
// Connection is not auto-tracked: callers opt in via Track, typically
// right after New or right after accepting a CONNECT_REQUEST.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Track registers c under its Key.
func (r *Registry) Track(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.Key()] = c
}

// Untrack removes c from the registry, e.g. once it reaches DESTROYED.
func (r *Registry) Untrack(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c.Key())
}

// Snapshot returns every currently tracked Connection.
func (r *Registry) Snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
