package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hoonartek/peggybuddy/internal/chat"
	"github.com/hoonartek/peggybuddy/internal/config"
	"github.com/hoonartek/peggybuddy/internal/llm"
	"github.com/hoonartek/peggybuddy/internal/observability"
	"github.com/hoonartek/peggybuddy/internal/schema"
	"github.com/hoonartek/peggybuddy/internal/session"
	"github.com/hoonartek/peggybuddy/internal/warehouse"
)

//go:embed templates/*.html
var templateFS embed.FS

const sweepInterval = 5 * time.Minute

// warehouseClient checks credentials and runs statements.
type warehouseClient interface {
	Authenticate(ctx context.Context, creds warehouse.Credentials) error
	chat.QueryRunner
}

type app struct {
	cfg          config.Config
	logger       *slog.Logger
	tmpl         *template.Template
	warehouse    warehouseClient
	opener       warehouse.Opener
	introspector *schema.Introspector
	sessions     *session.Store
	chat         *chat.Service
}

func main() {
	_ = godotenv.Load() // loads .env if present, silently ignores if not

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability, os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	llmCfg, err := llm.ConfigFromLookup(os.LookupEnv)
	if err != nil {
		return err
	}
	provider, err := llm.NewProvider(ctx, llmCfg)
	if err != nil {
		return fmt.Errorf("initialize LLM: %w", err)
	}

	dialer, err := warehouse.NewDialer(warehouse.Config{
		Driver:    cfg.Warehouse.Driver,
		Account:   cfg.Warehouse.Account,
		Warehouse: cfg.Warehouse.Warehouse,
		Host:      cfg.Warehouse.Host,
		Port:      cfg.Warehouse.Port,
		SSLMode:   cfg.Warehouse.SSLMode,
		Database:  cfg.Warehouse.Database,
		Schema:    cfg.Warehouse.Schema,
	})
	if err != nil {
		return err
	}
	executor := warehouse.NewExecutor(dialer, cfg.Warehouse.QueryTimeout, cfg.Chat.AllowWriteSQL)

	a, err := newApp(cfg, logger, dialer, executor, provider)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go a.sweepSessions(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening",
		"addr", cfg.Addr,
		"warehouse", dialer.Redacted(),
		"llm_provider", provider.Name(),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newApp(cfg config.Config, logger *slog.Logger, opener warehouse.Opener, wh warehouseClient, provider llm.Provider) (*app, error) {
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &app{
		cfg:          cfg,
		logger:       logger,
		tmpl:         tmpl,
		warehouse:    wh,
		opener:       opener,
		introspector: schema.NewIntrospector(opener.Dialect(), cfg.Warehouse.Database, cfg.Warehouse.Schema),
		sessions:     session.NewStore(cfg.Session.TTL),
		chat: chat.NewService(provider, wh, chat.Options{
			Database:       cfg.Warehouse.Database,
			Schema:         cfg.Warehouse.Schema,
			RestrictedRole: cfg.Chat.RestrictedRole,
			SummaryRows:    cfg.Chat.SummaryRows,
		}, logger),
	}, nil
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		observability.TraceMiddleware,
		observability.LoggingMiddleware(a.logger),
		observability.MetricsMiddleware,
		limitBody(maxRequestBodySize),
		a.sessions.Middleware,
		session.CSRF,
	)

	r.Get("/", a.handleIndex)
	r.Post("/login", a.handleLogin)
	r.Post("/logout", a.handleLogout)
	r.Post("/chat", a.handleChatForm)
	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(session.RequireSession)
		r.Post("/chat", a.handleChatAPI)
		r.Get("/history", a.handleHistory)
		r.Get("/schema", a.handleSchema)
		r.Post("/schema/refresh", a.handleSchemaRefresh)
		r.Get("/turns/{turn}/insights/{insight}/csv", a.handleExportCSV)
		r.Get("/turns/{turn}/insights/{insight}/figure", a.handleFigure)
	})
	return r
}

func (a *app) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.sessions.Sweep(); n > 0 {
				a.logger.Info("expired sessions removed", "count", n)
			}
		}
	}
}
