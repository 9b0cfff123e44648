// Package llm provides LLM provider integrations for the chat pipeline.
package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Role is the author of a chat message. Providers recognize exactly two
// authors; the opening instruction travels as an ordinary user message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn replayed to the provider.
type Message struct {
	Role    Role
	Content string
}

// Provider defines the interface for LLM integrations.
type Provider interface {
	// Chat sends prompt after the replayed history and returns the full reply.
	Chat(ctx context.Context, history []Message, prompt string) (string, error)

	// Complete answers a single stateless prompt.
	Complete(ctx context.Context, prompt string) (string, error)

	// Name returns the provider name for logging/metrics.
	Name() string
}

// ErrEmptyResponse is returned when the provider replies with no text.
var ErrEmptyResponse = errors.New("no text in response")

// Config holds LLM provider configuration.
type Config struct {
	Provider string        // "gemini", "openai" or "anthropic"
	APIKey   string        // API key for the provider
	Model    string        // Model name (e.g., "gemini-1.5-flash", "gpt-4o")
	BaseURL  string        // Base URL (for OpenRouter, proxies, etc.)
	Timeout  time.Duration // Per-attempt deadline
	Retries  int           // Extra attempts after a failure
}

// LookupFunc mirrors os.LookupEnv.
type LookupFunc func(string) (string, bool)

// ConfigFromLookup reads LLM configuration from environment-style lookups.
func ConfigFromLookup(lookup LookupFunc) (Config, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	cfg := Config{
		Provider: strings.ToLower(get("LLM_PROVIDER")),
		APIKey:   get("LLM_API_KEY"),
		Model:    get("LLM_MODEL"),
		BaseURL:  get("LLM_BASE_URL"),
		Timeout:  60 * time.Second,
		Retries:  1,
	}
	if cfg.APIKey == "" {
		cfg.APIKey = get("GEMINI_API_KEY")
	}
	if raw := get("LLM_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid LLM_TIMEOUT: %q", raw)
		}
		cfg.Timeout = d
	}
	return cfg, nil
}

// NewProvider creates an LLM provider based on configuration, wrapped with
// the configured timeout and retry policy.
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	if cfg.Provider == "" {
		cfg.Provider = "gemini"
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is required")
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "gemini":
		if cfg.Model == "" {
			cfg.Model = "gemini-1.5-flash"
		}
		p, err = NewGeminiProvider(ctx, cfg.APIKey, cfg.Model)

	case "openai":
		if cfg.Model == "" {
			cfg.Model = "gpt-4o"
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.openai.com/v1"
		}
		p = NewOpenAIProvider(cfg.APIKey, cfg.Model, cfg.BaseURL)

	case "anthropic":
		if cfg.Model == "" {
			cfg.Model = "claude-sonnet-4-20250514"
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.anthropic.com/v1"
		}
		p = NewAnthropicProvider(cfg.APIKey, cfg.Model, cfg.BaseURL)

	default:
		return nil, fmt.Errorf("unknown LLM provider: %q (supported: gemini, openai, anthropic)", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return WithGuard(p, cfg.Timeout, cfg.Retries), nil
}

var sqlBlockPattern = regexp.MustCompile("(?s)```sql\\s+(.*?)\\s+```")

// ExtractSQL returns every ```sql fenced block in reply, trimmed, in order of
// appearance. Unterminated fences yield nothing.
func ExtractSQL(reply string) []string {
	matches := sqlBlockPattern.FindAllStringSubmatch(reply, -1)
	if len(matches) == 0 {
		return nil
	}
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, strings.TrimSpace(m[1]))
	}
	return blocks
}
