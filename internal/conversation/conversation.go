// Package conversation holds the append-only turn history of one session.
package conversation

import (
	"errors"
	"sync"
	"time"

	"github.com/hoonartek/peggybuddy/internal/llm"
	"github.com/hoonartek/peggybuddy/internal/warehouse"
)

// Role is the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrNotStarted is returned when turns are appended before the instruction.
var ErrNotStarted = errors.New("conversation has no instruction turn")

// Insight is the outcome of one extracted statement: a Table, an empty-result
// Notice, or an Error. Error may accompany a Table when only the description
// failed.
type Insight struct {
	Index       int              `json:"index"`
	Title       string           `json:"title"`
	SQL         string           `json:"sql"`
	Description string           `json:"description,omitempty"`
	Table       *warehouse.Table `json:"table,omitempty"`
	Figure      string           `json:"figure,omitempty"`
	Notice      string           `json:"notice,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Turn is one message. SQL holds the first extracted statement of an
// assistant reply; Insights carries every executed statement.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	SQL       string    `json:"sql,omitempty"`
	Insights  []Insight `json:"insights,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// State is an ordered turn sequence whose first element is the composed
// instruction. Turns are never reordered or removed.
type State struct {
	mu    sync.RWMutex
	turns []Turn
}

// New starts a conversation with instruction as turn 0.
func New(instruction string) *State {
	return &State{turns: []Turn{{
		Role:      RoleUser,
		Content:   instruction,
		CreatedAt: time.Now().UTC(),
	}}}
}

// Append adds t to the end of the conversation.
func (s *State) Append(t Turn) error {
	if t.Role != RoleUser && t.Role != RoleAssistant {
		return errors.New("turn role must be user or assistant")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) == 0 {
		return ErrNotStarted
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.turns = append(s.turns, t)
	return nil
}

// Len returns the number of turns, the instruction included.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Turns returns a copy of every turn including the instruction.
func (s *State) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Turn(nil), s.turns...)
}

// Visible returns the turns shown to the user; the instruction is hidden.
func (s *State) Visible() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.turns) <= 1 {
		return []Turn{}
	}
	return append([]Turn(nil), s.turns[1:]...)
}

// History maps the full sequence onto the provider's two-author vocabulary.
// Only text content is replayed; attached results stay local.
func (s *State) History() []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]llm.Message, 0, len(s.turns))
	for _, t := range s.turns {
		role := llm.RoleUser
		if t.Role == RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: t.Content})
	}
	return out
}

// Insight looks up an insight by turn and insight index over the visible turns.
func (s *State) Insight(turn, index int) (Insight, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos := turn + 1
	if turn < 0 || pos >= len(s.turns) {
		return Insight{}, false
	}
	for _, in := range s.turns[pos].Insights {
		if in.Index == index {
			return in, true
		}
	}
	return Insight{}, false
}
