// ABOUTME: Thread-safe in-memory registry of live connection sessions.
// ABOUTME: Owned by the service; injected into the manager and dispatcher.

package connection

import "sync"

// Registry maps connection names to live sessions. It holds no business
// logic; lifecycle decisions live in the manager and dispatcher.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the session for name, or nil.
func (r *Registry) Get(name string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[name]
}

// GetOrCreate returns the existing session for name, or stores and returns
// the one produced by create. The second result reports whether a new
// session was created.
func (r *Registry) GetOrCreate(name string, create func() *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[name]; ok {
		return sess, false
	}
	sess := create()
	r.sessions[name] = sess
	return sess, true
}

// Remove drops the session for name. Removing an absent name is a no-op.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, name)
}

// Active returns a snapshot of all registered sessions.
func (r *Registry) Active() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
