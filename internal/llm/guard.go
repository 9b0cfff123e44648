package llm

import (
	"context"
	"errors"
	"time"

	"github.com/hoonartek/peggybuddy/internal/observability"
)

// guarded bounds every call with a deadline and retries failed calls a fixed
// number of times. Cancellation of the caller's context is never retried.
type guarded struct {
	inner   Provider
	timeout time.Duration
	retries int
}

// WithGuard wraps p with a per-attempt timeout and retries extra attempts.
func WithGuard(p Provider, timeout time.Duration, retries int) Provider {
	if retries < 0 {
		retries = 0
	}
	return &guarded{inner: p, timeout: timeout, retries: retries}
}

func (g *guarded) Name() string {
	return g.inner.Name()
}

func (g *guarded) Chat(ctx context.Context, history []Message, prompt string) (string, error) {
	return g.call(ctx, "chat", func(ctx context.Context) (string, error) {
		return g.inner.Chat(ctx, history, prompt)
	})
}

func (g *guarded) Complete(ctx context.Context, prompt string) (string, error) {
	return g.call(ctx, "summary", func(ctx context.Context) (string, error) {
		return g.inner.Complete(ctx, prompt)
	})
}

func (g *guarded) call(ctx context.Context, kind string, fn func(context.Context) (string, error)) (string, error) {
	start := time.Now()
	var (
		out string
		err error
	)
	for attempt := 0; attempt <= g.retries; attempt++ {
		out, err = g.attempt(ctx, fn)
		if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
			break
		}
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.ObserveLLMRequest(g.inner.Name(), kind, outcome, time.Since(start))
	return out, err
}

func (g *guarded) attempt(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	if g.timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return fn(ctx)
}
