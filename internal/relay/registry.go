package relay

import "sync"

// Registry holds the live relay sessions keyed by session handle. Sessions
// refer to their partner by handle, so tearing a pairing down is a matter
// of deregistering.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

func (r *Registry) register(s *session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

func (r *Registry) deregister(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) lookup(id string) (*session, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Stats reports live sessions and how many inbound sessions are paired.
type Stats struct {
	Sessions int `json:"sessions"`
	Paired   int `json:"paired"`
}

// Stats returns a snapshot of the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{Sessions: len(r.sessions)}
	for _, s := range r.sessions {
		if s.role != roleServer {
			continue
		}
		if _, ok := r.sessions[s.partnerID.Load()]; ok {
			st.Paired++
		}
	}
	return st
}
