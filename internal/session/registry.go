package session

import (
	"sort"
	"sync"
)

// Registry tracks live sessions. Mutation happens on the event loop; reads
// are safe from any goroutine.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Remove unregisters the session with the given id and returns it, or nil.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	return s
}

// All returns every registered session ordered by connect time.
func (r *Registry) All() []*Session {
	return r.filter(func(*Session) bool { return true })
}

// Authenticated returns the registered sessions in the Authenticated state.
func (r *Registry) Authenticated() []*Session {
	return r.filter((*Session).Authenticated)
}

// Counts returns the number of registered and of authenticated sessions.
func (r *Registry) Counts() (connected, authenticated int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if s.Authenticated() {
			authenticated++
		}
	}
	return len(r.sessions), authenticated
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) filter(keep func(*Session) bool) []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].connectedAt.Equal(out[j].connectedAt) {
			return out[i].connectedAt.Before(out[j].connectedAt)
		}
		return out[i].id < out[j].id
	})
	return out
}
