package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hoonartek/peggybuddy/internal/observability"
	"github.com/hoonartek/peggybuddy/internal/schema"
	"github.com/hoonartek/peggybuddy/internal/warehouse"
)

// ErrNotFound is returned for unknown or expired session ids.
var ErrNotFound = errors.New("session not found")

// Store is an in-memory session registry. Sessions never leave the process.
type Store struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore creates a store whose sessions live for ttl.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Store{
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*Session),
	}
}

// Begin starts an Authenticating session for creds. It is not reachable
// through Get until Activate; Abandon discards it.
func (s *Store) Begin(creds warehouse.Credentials, cache *schema.Cache) (*Session, error) {
	id, err := generateToken()
	if err != nil {
		return nil, err
	}
	csrf, err := generateToken()
	if err != nil {
		return nil, err
	}
	return newSession(id, csrf, creds, cache, s.now(), s.ttl), nil
}

// Activate registers a session whose credentials were accepted.
func (s *Store) Activate(sess *Session) {
	sess.activate()

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	n := len(s.sessions)
	s.mu.Unlock()

	observability.SetActiveSessions(n)
}

// Abandon discards a session whose credentials were rejected.
func (s *Store) Abandon(sess *Session) {
	sess.close()
}

// Create begins and immediately activates a session for creds.
func (s *Store) Create(creds warehouse.Credentials, cache *schema.Cache) (*Session, error) {
	sess, err := s.Begin(creds, cache)
	if err != nil {
		return nil, err
	}
	s.Activate(sess)
	return sess, nil
}

// Get returns a live session. Expired sessions are destroyed on access.
func (s *Store) Get(id string) (*Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok && sess.expired(s.now()) {
		delete(s.sessions, id)
		n := len(s.sessions)
		s.mu.Unlock()
		sess.close()
		observability.SetActiveSessions(n)
		return nil, ErrNotFound
	}
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Destroy removes the session and discards its state.
func (s *Store) Destroy(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	n := len(s.sessions)
	s.mu.Unlock()

	if ok {
		sess.close()
	}
	observability.SetActiveSessions(n)
}

// Sweep destroys every expired session and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	var expired []*Session

	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.expired(now) {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	n := len(s.sessions)
	s.mu.Unlock()

	for _, sess := range expired {
		sess.close()
	}
	observability.SetActiveSessions(n)
	return len(expired)
}

// Len returns the number of registered sessions, expired ones included
// until they are swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
