package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Executor runs statements over connections scoped to a single call.
type Executor struct {
	opener        Opener
	timeout       time.Duration
	allowWriteSQL bool
}

// NewExecutor creates an executor. Unless allowWriteSQL is set, only
// SELECT and WITH statements are run.
func NewExecutor(opener Opener, timeout time.Duration, allowWriteSQL bool) *Executor {
	return &Executor{opener: opener, timeout: timeout, allowWriteSQL: allowWriteSQL}
}

// Authenticate opens a connection with creds and pings it. The connection is
// always released.
func (e *Executor) Authenticate(ctx context.Context, creds Credentials) error {
	if strings.TrimSpace(creds.Username) == "" || creds.Password == "" {
		return fmt.Errorf("%w: username and password are required", ErrAuthentication)
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	db, err := e.opener.Open(ctx, creds)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	return nil
}

// Execute runs one statement and fetches its full result.
func (e *Executor) Execute(ctx context.Context, creds Credentials, statement string) (*Table, error) {
	query, err := e.validate(statement)
	if err != nil {
		return nil, err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	db, err := e.opener.Open(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	return Query(ctx, db, query)
}

func (e *Executor) validate(raw string) (string, error) {
	query := strings.TrimSpace(raw)
	if query == "" {
		return "", ErrEmptyStatement
	}
	if e.allowWriteSQL {
		return query, nil
	}
	switch leadingKeyword(query) {
	case "select", "with":
		return query, nil
	default:
		return "", ErrReadOnly
	}
}

// leadingKeyword returns the lowercased first word of query after any
// whitespace, opening parentheses and SQL comments. Unterminated comments
// yield "".
func leadingKeyword(query string) string {
	s := query
	for {
		s = strings.TrimLeft(s, " \t\r\n(")
		switch {
		case strings.HasPrefix(s, "--"):
			i := strings.IndexByte(s, '\n')
			if i < 0 {
				return ""
			}
			s = s[i+1:]
		case strings.HasPrefix(s, "/*"):
			i := strings.Index(s[2:], "*/")
			if i < 0 {
				return ""
			}
			s = s[i+4:]
		default:
			end := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
			if end < 0 {
				end = len(s)
			}
			return strings.ToLower(s[:end])
		}
	}
}

func (e *Executor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}
