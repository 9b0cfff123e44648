package warehouse

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/snowflakedb/gosnowflake"
)

var (
	// ErrConnect marks failures to reach the warehouse.
	ErrConnect = errors.New("warehouse connection failed")
	// ErrAuthentication marks rejected login credentials.
	ErrAuthentication = errors.New("warehouse authentication failed")
	// ErrReadOnly marks generated statements refused by the read-only guard.
	ErrReadOnly = errors.New("only SELECT / CTE queries are allowed")
	// ErrEmptyStatement marks a blank statement.
	ErrEmptyStatement = errors.New("query is required")
)

// IsDatabaseError reports whether err came from the warehouse layer
// (driver, authorization, syntax or connectivity) rather than from a bug.
func IsDatabaseError(err error) bool {
	if err == nil {
		return false
	}
	var sfErr *gosnowflake.SnowflakeError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &sfErr), errors.As(err, &pqErr):
		return true
	case errors.Is(err, ErrConnect), errors.Is(err, ErrAuthentication):
		return true
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// Message extracts the driver's own message where one exists.
func Message(err error) string {
	var sfErr *gosnowflake.SnowflakeError
	if errors.As(err, &sfErr) && sfErr.Message != "" {
		return sfErr.Message
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Message != "" {
		return pqErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "query timed out"
	}
	return err.Error()
}

// IsRefused reports whether err is a statement rejected before it reached
// the warehouse.
func IsRefused(err error) bool {
	return errors.Is(err, ErrReadOnly) || errors.Is(err, ErrEmptyStatement)
}

// UserMessage renders err for display in the chat.
func UserMessage(err error) string {
	if IsRefused(err) {
		return fmt.Sprintf("Refused: %v", err)
	}
	if IsDatabaseError(err) {
		return fmt.Sprintf("Warehouse error: %s", strings.TrimSpace(Message(err)))
	}
	return fmt.Sprintf("Unexpected error: %v", err)
}
