// Package session keeps per-user state private to one logged-in browser.
package session

import (
	"sync"
	"time"

	"github.com/hoonartek/peggybuddy/internal/conversation"
	"github.com/hoonartek/peggybuddy/internal/schema"
	"github.com/hoonartek/peggybuddy/internal/warehouse"
)

// Status is the session lifecycle state.
type Status int

const (
	StatusLoggedOut Status = iota
	StatusAuthenticating
	StatusLoggedIn
	StatusConversing
)

func (s Status) String() string {
	switch s {
	case StatusAuthenticating:
		return "authenticating"
	case StatusLoggedIn:
		return "logged_in"
	case StatusConversing:
		return "conversing"
	default:
		return "logged_out"
	}
}

// Session holds the credentials, schema cache and conversation of one user.
// A session is Authenticating until Store.Activate registers it; only
// registered sessions are reachable through the store.
type Session struct {
	ID        string
	CSRFToken string
	CreatedAt time.Time
	ExpiresAt time.Time

	turnMu sync.Mutex

	mu     sync.RWMutex
	creds  warehouse.Credentials
	schema *schema.Cache
	conv   *conversation.State
	status Status
}

func newSession(id, csrf string, creds warehouse.Credentials, cache *schema.Cache, now time.Time, ttl time.Duration) *Session {
	return &Session{
		ID:        id,
		CSRFToken: csrf,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		creds:     creds,
		schema:    cache,
		status:    StatusAuthenticating,
	}
}

// BeginTurn serializes prompt handling within the session. The returned
// func releases the turn.
func (s *Session) BeginTurn() func() {
	s.turnMu.Lock()
	return s.turnMu.Unlock
}

// Credentials returns the warehouse login of the session, or the zero value
// once the session is closed.
func (s *Session) Credentials() warehouse.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Username is shorthand for Credentials().Username.
func (s *Session) Username() string {
	return s.Credentials().Username
}

// Role is shorthand for Credentials().Role.
func (s *Session) Role() string {
	return s.Credentials().Role
}

// Schema returns the session's schema cache, or nil once closed.
func (s *Session) Schema() *schema.Cache {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schema
}

// Status reports where the session is in its lifecycle.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Conversation returns the conversation, or nil before the instruction turn
// has been composed.
func (s *Session) Conversation() *conversation.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conv
}

// StartConversation installs conv unless one already exists and returns the
// conversation in effect.
func (s *Session) StartConversation(conv *conversation.State) *conversation.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv == nil && (s.status == StatusLoggedIn || s.status == StatusConversing) {
		s.conv = conv
	}
	return s.conv
}

// MarkConversing records that at least one prompt has been answered.
func (s *Session) MarkConversing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusLoggedIn {
		s.status = StatusConversing
	}
}

func (s *Session) activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusAuthenticating {
		s.status = StatusLoggedIn
	}
}

func (s *Session) expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// close discards credentials, conversation and cached schema.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schema != nil {
		s.schema.Invalidate()
	}
	s.creds = warehouse.Credentials{}
	s.schema = nil
	s.conv = nil
	s.status = StatusLoggedOut
}
