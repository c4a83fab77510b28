package ocpp

import "sync"

// Registry maps charge point identifiers to their live sessions. One
// session per identifier; a newer accepted connection displaces the old
// one.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session and returns the displaced prior session, if
// any. The caller is responsible for closing it.
func (r *Registry) Add(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prior := r.sessions[s.cpID]
	r.sessions[s.cpID] = s
	return prior
}

// Remove unregisters cpID only if it still maps to s, so a reconnect
// that displaced s is not torn down by s's deferred cleanup.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.cpID] == s {
		delete(r.sessions, s.cpID)
	}
}

func (r *Registry) Get(cpID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[cpID]
	return s, ok
}

func (r *Registry) ConnectedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
