package main

import (
	"sync"

	"github.com/Seednode/commonground/session"
)

// SessionStore maps room IDs to their current session value. It is the only
// durable-for-the-room's-lifetime record of a session: hubs read their
// snapshot from it on spin-up and write through after every accepted
// mutation, and the reaper drops the entry when the room ends.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]session.Session),
	}
}

func (s *SessionStore) Get(roomID string) (session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[roomID]
	return sess, ok
}

func (s *SessionStore) Put(roomID string, sess session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[roomID] = sess
}

func (s *SessionStore) Delete(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, roomID)
}

func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}
