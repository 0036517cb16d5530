package relay

import "sync"

// Registry is the live set of sessions
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.id)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// broadcast enqueues frame on every session but except, which may be nil.
// It returns the number of sessions that took the frame.
func (r *Registry) broadcast(frame []byte, except *Session) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s != except {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	var n int
	for _, s := range targets {
		if s.enqueue(frame) {
			n++
		}
	}
	return n
}
