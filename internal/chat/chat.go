// Package chat answers user prompts: it replays the conversation to the LLM,
// runs every SQL statement in the reply and attaches the results.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hoonartek/peggybuddy/internal/chart"
	"github.com/hoonartek/peggybuddy/internal/conversation"
	"github.com/hoonartek/peggybuddy/internal/llm"
	"github.com/hoonartek/peggybuddy/internal/observability"
	"github.com/hoonartek/peggybuddy/internal/prompt"
	"github.com/hoonartek/peggybuddy/internal/schema"
	"github.com/hoonartek/peggybuddy/internal/session"
	"github.com/hoonartek/peggybuddy/internal/warehouse"
)

const (
	// ErrorReply is the assistant turn recorded when the LLM call fails.
	ErrorReply = "Sorry, I hit an error processing your request."
	// EmptyNotice is shown for a statement that returned no rows.
	EmptyNotice = "The requested data is not available in the database."
)

var (
	// ErrEmptyPrompt rejects blank prompts before anything is appended.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrLoggedOut is returned for sessions closed by logout or expiry.
	ErrLoggedOut = errors.New("session is logged out")
)

// QueryRunner executes one statement over a connection scoped to the call.
type QueryRunner interface {
	Execute(ctx context.Context, creds warehouse.Credentials, statement string) (*warehouse.Table, error)
}

// Options configures the instruction and the summaries.
type Options struct {
	Database       string
	Schema         string
	RestrictedRole string
	SummaryRows    int
}

// Service runs the prompt pipeline for logged-in sessions.
type Service struct {
	provider llm.Provider
	runner   QueryRunner
	opts     Options
	logger   *slog.Logger
}

// NewService creates a Service. SummaryRows defaults to 20.
func NewService(provider llm.Provider, runner QueryRunner, opts Options, logger *slog.Logger) *Service {
	if opts.SummaryRows <= 0 {
		opts.SummaryRows = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{provider: provider, runner: runner, opts: opts, logger: logger}
}

// Conversation returns the session's conversation, composing the instruction
// turn from the schema on first use. A schema failure leaves the session
// without a conversation so the next call tries again.
func (s *Service) Conversation(ctx context.Context, sess *session.Session) (*conversation.State, error) {
	if conv := sess.Conversation(); conv != nil {
		return conv, nil
	}
	cache := sess.Schema()
	if cache == nil {
		return nil, ErrLoggedOut
	}
	tables, err := cache.Load(ctx)
	if err != nil {
		return nil, err
	}
	creds := sess.Credentials()
	instruction, err := prompt.Compose(prompt.Input{
		Database:       s.opts.Database,
		Schema:         s.opts.Schema,
		Tables:         tables,
		Username:       creds.Username,
		Role:           creds.Role,
		RestrictedRole: s.opts.RestrictedRole,
	})
	if err != nil {
		return nil, err
	}
	conv := sess.StartConversation(conversation.New(instruction))
	if conv == nil {
		return nil, ErrLoggedOut
	}
	s.logger.Info("conversation started", "username", creds.Username, "role", creds.Role, "tables", len(tables))
	return conv, nil
}

// Schema returns the session's cached schema.
func (s *Service) Schema(ctx context.Context, sess *session.Session) ([]schema.Table, error) {
	cache := sess.Schema()
	if cache == nil {
		return nil, ErrLoggedOut
	}
	return cache.Load(ctx)
}

// RefreshSchema drops the session's cached schema and reads it again. The
// instruction already in the conversation is left as it is.
func (s *Service) RefreshSchema(ctx context.Context, sess *session.Session) ([]schema.Table, error) {
	cache := sess.Schema()
	if cache == nil {
		return nil, ErrLoggedOut
	}
	cache.Invalidate()
	return cache.Load(ctx)
}

// Respond appends the user's prompt and exactly one assistant turn. Failures
// of the LLM or of individual statements are reported inside the returned
// turn; an error is returned only when the prompt could not be accepted.
func (s *Service) Respond(ctx context.Context, sess *session.Session, text string) (conversation.Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return conversation.Turn{}, ErrEmptyPrompt
	}

	release := sess.BeginTurn()
	defer release()

	conv, err := s.Conversation(ctx, sess)
	if err != nil {
		return conversation.Turn{}, err
	}

	history := conv.History()
	if err := conv.Append(conversation.Turn{Role: conversation.RoleUser, Content: text}); err != nil {
		return conversation.Turn{}, err
	}

	turn := s.answer(ctx, sess.Credentials(), history, text)
	if err := conv.Append(turn); err != nil {
		return conversation.Turn{}, err
	}
	sess.MarkConversing()
	return turn, nil
}

func (s *Service) answer(ctx context.Context, creds warehouse.Credentials, history []llm.Message, text string) conversation.Turn {
	reply, err := s.provider.Chat(ctx, history, text)
	if err != nil {
		s.logger.Error("llm call failed", "provider", s.provider.Name(), "username", creds.Username, "error", err)
		return conversation.Turn{
			Role:    conversation.RoleAssistant,
			Content: ErrorReply,
			Error:   err.Error(),
		}
	}

	turn := conversation.Turn{Role: conversation.RoleAssistant, Content: reply}
	statements := llm.ExtractSQL(reply)
	if len(statements) == 0 {
		return turn
	}

	turn.SQL = statements[0]
	turn.Insights = make([]conversation.Insight, 0, len(statements))
	for i, stmt := range statements {
		title := "Insights"
		if len(statements) > 1 {
			title = fmt.Sprintf("Insights #%d", i+1)
		}
		turn.Insights = append(turn.Insights, s.run(ctx, creds, i+1, title, stmt))
	}
	s.logger.Info("prompt answered", "username", creds.Username, "statements", len(statements))
	return turn
}

// run executes one statement. Every outcome, a panic included, ends up in the
// returned insight so sibling statements still run.
func (s *Service) run(ctx context.Context, creds warehouse.Credentials, index int, title, stmt string) (in conversation.Insight) {
	in = conversation.Insight{Index: index, Title: title, SQL: stmt}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("statement panicked", "index", index, "panic", r)
			observability.ObserveWarehouseQuery("error")
			in.Table, in.Description, in.Figure, in.Notice = nil, "", "", ""
			in.Error = fmt.Sprintf("Unexpected error: %v", r)
		}
	}()

	table, err := s.runner.Execute(ctx, creds, stmt)
	if err != nil {
		s.logger.Warn("statement failed", "index", index, "username", creds.Username, "error", err)
		observability.ObserveWarehouseQuery("error")
		in.Error = warehouse.UserMessage(err)
		return in
	}
	if table.Empty() {
		observability.ObserveWarehouseQuery("empty")
		in.Notice = EmptyNotice
		return in
	}
	observability.ObserveWarehouseQuery("ok")
	in.Table = table

	summary, err := s.provider.Complete(ctx, prompt.Summary(table, s.opts.SummaryRows))
	if err != nil {
		s.logger.Warn("summary failed", "index", index, "error", err)
		in.Error = fmt.Sprintf("Could not describe the result: %v", err)
	} else {
		in.Description = strings.TrimSpace(summary)
	}

	if chart.Matches(table.Columns) {
		figure, err := chart.Bar(table)
		if err != nil {
			s.logger.Warn("chart failed", "index", index, "error", err)
		} else {
			in.Figure = figure
		}
	}
	return in
}
