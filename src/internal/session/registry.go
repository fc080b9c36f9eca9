package session

import (
	"sync"

	"consulthub-session-svc/src/internal/models"
)

// Registry owns the table of live sessions and the per-user current-session
// index. Removal is take-once: the first caller gets the session back, every
// later caller gets nothing, which is what makes finalization idempotent.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*ActiveSession
	byUser   map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*ActiveSession),
		byUser:   make(map[string]string),
	}
}

// Reserve claims both participants' current-session slots and inserts the
// session under one lock, so two concurrent requests for the same advisor
// cannot both pass the busy check. A failed reservation leaves the registry
// untouched; the caller rolls back with Remove if the durable create fails
// afterwards.
func (r *Registry) Reserve(s *ActiveSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.byUser[s.AdvisorID]; busy {
		return models.ErrAdvisorBusy
	}
	if _, busy := r.byUser[s.ClientID]; busy {
		return models.ErrAlreadyInSession
	}

	r.sessions[s.SessionID] = s
	r.byUser[s.ClientID] = s.SessionID
	r.byUser[s.AdvisorID] = s.SessionID
	return nil
}

func (r *Registry) Get(sessionID string) (*ActiveSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	return s, ok
}

// Remove deletes the session and clears both participants' current-session
// index, but only if it still points at this session.
func (r *Registry) Remove(sessionID string) (*ActiveSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, sessionID)

	if r.byUser[s.ClientID] == sessionID {
		delete(r.byUser, s.ClientID)
	}
	if r.byUser[s.AdvisorID] == sessionID {
		delete(r.byUser, s.AdvisorID)
	}

	return s, true
}

// UserSession returns the session id the user is currently part of.
func (r *Registry) UserSession(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byUser[userID]
	return id, ok
}

// Snapshot returns the current set of live sessions. The tick engine iterates
// this copy so a concurrent add/remove never invalidates the pass.
func (r *Registry) Snapshot() []*ActiveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ActiveSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}
