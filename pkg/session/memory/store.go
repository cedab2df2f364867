// Package memory provides a volatile session store backed by a process-local
// map. Suited for tests and single-node deployments; sessions do not survive a
// restart.
package memory

import (
	"context"
	"sync"

	"github.com/colloquy/colloquy/pkg/session"
)

// Store keeps sessions in memory. Every returned session is a clone so callers
// can never mutate internal state without going through Save or Update.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*session.Session)}
}

// Get returns a clone of the stored session, or a fresh empty session when the
// id is unknown. Sessions are created lazily on first save.
func (s *Store) Get(_ context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sess, ok := s.sessions[id]; ok {
		return sess.Clone(), nil
	}

	return session.New(id), nil
}

// Save stores a clone of the given session snapshot.
func (s *Store) Save(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = sess.Clone()

	return nil
}

// Update applies fn under the write lock so closely spaced turns for the same
// session cannot lose writes.
func (s *Store) Update(_ context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		sess = session.New(id)
	} else {
		sess = sess.Clone()
	}

	if err := fn(sess); err != nil {
		return nil, err
	}

	s.sessions[id] = sess.Clone()

	return sess, nil
}
