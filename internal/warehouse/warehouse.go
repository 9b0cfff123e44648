// Package warehouse opens scoped connections to the data warehouse and runs
// statements against it.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	_ "github.com/lib/pq"
	"github.com/snowflakedb/gosnowflake"
)

// Dialect selects the SQL flavor used for metadata queries.
type Dialect string

const (
	DialectSnowflake Dialect = "snowflake"
	DialectPostgres  Dialect = "postgres"
)

// Credentials identify the logged-in user to the warehouse.
type Credentials struct {
	Username string
	Password string
	Role     string
}

// LogValue keeps passwords out of structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("role", c.Role),
	)
}

// String omits the password.
func (c Credentials) String() string {
	return fmt.Sprintf("%s (%s)", c.Username, c.Role)
}

// Opener hands out a database handle bound to one set of credentials. The
// caller owns the handle and must close it.
type Opener interface {
	Open(ctx context.Context, creds Credentials) (*sql.DB, error)
	Dialect() Dialect
}

// Config describes the warehouse endpoint shared by every session.
type Config struct {
	Driver    string
	Account   string
	Warehouse string
	Host      string
	Port      int
	SSLMode   string
	Database  string
	Schema    string
}

// Dialer builds driver DSNs from Config plus per-session Credentials.
type Dialer struct {
	cfg Config
}

// NewDialer validates cfg for its driver.
func NewDialer(cfg Config) (*Dialer, error) {
	switch Dialect(strings.ToLower(cfg.Driver)) {
	case DialectSnowflake:
		if cfg.Account == "" {
			return nil, fmt.Errorf("snowflake account is required")
		}
	case DialectPostgres:
		if cfg.Host == "" {
			return nil, fmt.Errorf("postgres host is required")
		}
	default:
		return nil, fmt.Errorf("unsupported warehouse driver: %q", cfg.Driver)
	}
	cfg.Driver = strings.ToLower(cfg.Driver)
	return &Dialer{cfg: cfg}, nil
}

// Dialect returns the configured SQL dialect.
func (d *Dialer) Dialect() Dialect {
	return Dialect(d.cfg.Driver)
}

// DSN renders the connection string for creds.
func (d *Dialer) DSN(creds Credentials) (string, error) {
	switch d.Dialect() {
	case DialectSnowflake:
		return gosnowflake.DSN(&gosnowflake.Config{
			Account:   d.cfg.Account,
			User:      creds.Username,
			Password:  creds.Password,
			Role:      creds.Role,
			Warehouse: d.cfg.Warehouse,
			Database:  d.cfg.Database,
			Schema:    d.cfg.Schema,
		})
	case DialectPostgres:
		params := []string{
			"host=" + quoteDSNValue(d.cfg.Host),
			fmt.Sprintf("port=%d", d.cfg.Port),
			"user=" + quoteDSNValue(creds.Username),
			"password=" + quoteDSNValue(creds.Password),
			"dbname=" + quoteDSNValue(d.cfg.Database),
			"sslmode=" + quoteDSNValue(d.cfg.SSLMode),
		}
		if creds.Role != "" {
			params = append(params, "options="+quoteDSNValue("-c role="+creds.Role))
		}
		return strings.Join(params, " "), nil
	default:
		return "", fmt.Errorf("unsupported warehouse driver: %q", d.cfg.Driver)
	}
}

// Open returns a handle limited to one connection so every statement runs in
// the same warehouse session.
func (d *Dialer) Open(ctx context.Context, creds Credentials) (*sql.DB, error) {
	dsn, err := d.DSN(creds)
	if err != nil {
		return nil, fmt.Errorf("%w: build dsn: %v", ErrConnect, err)
	}
	db, err := sql.Open(d.cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Redacted renders the DSN without the password, for startup logging.
func (d *Dialer) Redacted() string {
	switch d.Dialect() {
	case DialectSnowflake:
		u := url.URL{Scheme: "snowflake", Host: d.cfg.Account, Path: "/" + d.cfg.Database + "/" + d.cfg.Schema}
		q := u.Query()
		q.Set("warehouse", d.cfg.Warehouse)
		u.RawQuery = q.Encode()
		return u.String()
	default:
		return fmt.Sprintf("postgres://%s:%d/%s?schema=%s", d.cfg.Host, d.cfg.Port, d.cfg.Database, d.cfg.Schema)
	}
}

func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
