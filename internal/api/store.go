package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carrick-ai/ember/internal/state"
)

// session pairs a session's mutable core state with the bookkeeping the API
// layer needs but the core doesn't know about (spec.md §1 draws this
// boundary: the core never sees token text, session ids, or HTTP).
type session struct {
	mu        sync.Mutex
	state     *state.State
	createdAt time.Time
}

// SessionStore is an in-memory registry of live sessions keyed by a
// generated uuid, grounded on the teacher's internal/api/store.go
// ResponseStore (mutex-guarded map, not persisted across restarts — spec.md
// §1 excludes persistence).
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewSessionStore returns an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*session)}
}

// Create allocates a new session wrapping st and returns its id.
func (s *SessionStore) Create(st *state.State, now time.Time) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &session{state: st, createdAt: now}
	s.mu.Unlock()
	return id
}

// Get returns the session for id, or ErrSessionNotFound.
func (s *SessionStore) Get(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Delete removes a session, returning false if it did not exist.
func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}
