// Package config reads runtime configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// LookupFunc mirrors os.LookupEnv so tests can supply their own values.
type LookupFunc func(string) (string, bool)

// Config holds everything the server needs apart from the LLM settings,
// which live in the llm package.
type Config struct {
	Addr          string
	Warehouse     WarehouseConfig
	RolesFile     string
	Session       SessionConfig
	Chat          ChatConfig
	Observability ObservabilityConfig
}

// WarehouseConfig describes where queries are executed. Account and
// Warehouse apply to snowflake; Host, Port and SSLMode apply to postgres.
type WarehouseConfig struct {
	Driver       string
	Account      string
	Warehouse    string
	Host         string
	Port         int
	SSLMode      string
	Database     string
	Schema       string
	QueryTimeout time.Duration
}

// SessionConfig controls session lifetime and cookies.
type SessionConfig struct {
	TTL          time.Duration
	CookieSecure bool
}

// ChatConfig controls the prompt pipeline.
type ChatConfig struct {
	RestrictedRole string
	SummaryRows    int
	AllowWriteSQL  bool
}

// ObservabilityConfig controls logging.
type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// LoadFromEnv reads configuration from the process environment.
func LoadFromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load builds a Config from defaults overridden by lookup.
func Load(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	cfg := Config{
		Addr: ":8080",
		Warehouse: WarehouseConfig{
			Driver:       "snowflake",
			Warehouse:    "COMPUTE_WH",
			Port:         5432,
			SSLMode:      "disable",
			Database:     "OFI_DB",
			Schema:       "OFI_SCHEMA",
			QueryTimeout: 30 * time.Second,
		},
		RolesFile: "roles.csv",
		Session: SessionConfig{
			TTL: 12 * time.Hour,
		},
		Chat: ChatConfig{
			RestrictedRole: "end_user",
			SummaryRows:    20,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelInfo,
		},
	}

	applyString(lookup, "ADDR", &cfg.Addr)
	applyString(lookup, "WAREHOUSE_DRIVER", &cfg.Warehouse.Driver)
	cfg.Warehouse.Driver = strings.ToLower(cfg.Warehouse.Driver)
	applyString(lookup, "SNOWFLAKE_ACCOUNT", &cfg.Warehouse.Account)
	applyString(lookup, "SNOWFLAKE_WAREHOUSE", &cfg.Warehouse.Warehouse)
	applyString(lookup, "WAREHOUSE_HOST", &cfg.Warehouse.Host)
	applyString(lookup, "WAREHOUSE_SSLMODE", &cfg.Warehouse.SSLMode)
	applyString(lookup, "DATABASE", &cfg.Warehouse.Database)
	applyString(lookup, "SCHEMA", &cfg.Warehouse.Schema)
	applyString(lookup, "ROLES_FILE", &cfg.RolesFile)
	applyString(lookup, "RESTRICTED_ROLE", &cfg.Chat.RestrictedRole)

	if err := applyInt(lookup, "WAREHOUSE_PORT", &cfg.Warehouse.Port); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SUMMARY_ROWS", &cfg.Chat.SummaryRows); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "QUERY_TIMEOUT", &cfg.Warehouse.QueryTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SESSION_TTL", &cfg.Session.TTL); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "COOKIE_SECURE", &cfg.Session.CookieSecure); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "ALLOW_WRITE_SQL", &cfg.Chat.AllowWriteSQL); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if raw, ok := lookup("LOG_LEVEL"); ok && strings.TrimSpace(raw) != "" {
		if err := cfg.Observability.LogLevel.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %q", raw)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Warehouse.Driver {
	case "snowflake":
		if c.Warehouse.Account == "" {
			return fmt.Errorf("SNOWFLAKE_ACCOUNT is required for the snowflake driver")
		}
	case "postgres":
		if c.Warehouse.Host == "" {
			return fmt.Errorf("WAREHOUSE_HOST is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown WAREHOUSE_DRIVER: %q (supported: snowflake, postgres)", c.Warehouse.Driver)
	}
	if !identifierPattern.MatchString(c.Warehouse.Database) {
		return fmt.Errorf("invalid DATABASE identifier: %q", c.Warehouse.Database)
	}
	if !identifierPattern.MatchString(c.Warehouse.Schema) {
		return fmt.Errorf("invalid SCHEMA identifier: %q", c.Warehouse.Schema)
	}
	if c.Warehouse.QueryTimeout <= 0 {
		return fmt.Errorf("QUERY_TIMEOUT must be positive")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.Chat.SummaryRows <= 0 {
		return fmt.Errorf("SUMMARY_ROWS must be positive")
	}
	return nil
}

func applyString(lookup LookupFunc, key string, target *string) {
	if raw, ok := lookup(key); ok {
		if v := strings.TrimSpace(raw); v != "" {
			*target = v
		}
	}
}

func applyInt(lookup LookupFunc, key string, target *int) error {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*target = v
	return nil
}

func applyDuration(lookup LookupFunc, key string, target *time.Duration) error {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*target = v
	return nil
}

func applyBool(lookup LookupFunc, key string, target *bool) error {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*target = v
	return nil
}
