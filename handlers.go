package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hoonartek/peggybuddy/internal/chat"
	"github.com/hoonartek/peggybuddy/internal/config"
	"github.com/hoonartek/peggybuddy/internal/conversation"
	"github.com/hoonartek/peggybuddy/internal/observability"
	"github.com/hoonartek/peggybuddy/internal/schema"
	"github.com/hoonartek/peggybuddy/internal/session"
	"github.com/hoonartek/peggybuddy/internal/warehouse"
)

const (
	greetingFormat     = "Hello %s, I am Peggy-Buddy, your personal assistant for Peggy services. How may I help you today?"
	incorrectCreds     = "Incorrect credentials."
	maxRequestBodySize = 64 << 10
)

var templateFuncs = template.FuncMap{
	"formatValue": warehouse.FormatValue,
}

type loginPage struct {
	Username   string
	Role       string
	Roles      []string
	RolesError string
	Errors     []string
}

type chatPage struct {
	Username  string
	Role      string
	Greeting  string
	CSRFToken string
	CSRFField string
	Turns     []conversation.Turn
	Error     string
}

func (a *app) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		a.renderLogin(w, http.StatusOK, loginPage{})
		return
	}
	a.renderChat(w, r, sess, http.StatusOK, "")
}

func (a *app) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.renderLogin(w, http.StatusBadRequest, loginPage{Errors: []string{"Invalid form submission."}})
		return
	}
	creds := warehouse.Credentials{
		Username: strings.TrimSpace(r.PostFormValue("username")),
		Password: r.PostFormValue("password"),
		Role:     strings.TrimSpace(r.PostFormValue("role")),
	}
	page := loginPage{Username: creds.Username, Role: creds.Role}

	roles, err := config.LoadRoles(a.cfg.RolesFile)
	if err != nil || !slices.Contains(roles, creds.Role) {
		observability.ObserveLogin("invalid_role")
		page.Errors = []string{fmt.Sprintf("Unknown role %q.", creds.Role)}
		a.renderLogin(w, http.StatusBadRequest, page)
		return
	}

	// Any session already on this browser ends with the new attempt, whatever
	// its outcome.
	if old, ok := session.FromContext(r.Context()); ok {
		a.sessions.Destroy(old.ID)
		session.ClearCookies(w, a.cfg.Session.CookieSecure)
	}

	pending, err := a.sessions.Begin(creds, schema.NewCache(a.introspector, a.opener, creds))
	if err != nil {
		observability.ObserveLogin("failure")
		page.Errors = []string{"Could not start a session."}
		a.renderLogin(w, http.StatusInternalServerError, page)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.Warehouse.QueryTimeout)
	defer cancel()
	if err := a.warehouse.Authenticate(ctx, creds); err != nil {
		a.sessions.Abandon(pending)
		observability.ObserveLogin("failure")
		a.logger.WarnContext(r.Context(), "login failed", "credentials", creds, "error", warehouse.Message(err))
		page.Errors = []string{warehouse.UserMessage(err), incorrectCreds}
		a.renderLogin(w, http.StatusUnauthorized, page)
		return
	}

	a.sessions.Activate(pending)
	a.sessions.SetCookies(w, pending, a.cfg.Session.CookieSecure)
	observability.ObserveLogin("success")
	a.logger.InfoContext(r.Context(), "login", "credentials", creds)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (a *app) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess, ok := session.FromContext(r.Context()); ok {
		a.logger.InfoContext(r.Context(), "logout", "username", sess.Username())
		a.sessions.Destroy(sess.ID)
	}
	session.ClearCookies(w, a.cfg.Session.CookieSecure)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (a *app) handleChatForm(w http.ResponseWriter, r *http.Request) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	_, err := a.chat.Respond(r.Context(), sess, r.PostFormValue("prompt"))
	switch {
	case err == nil, errors.Is(err, chat.ErrEmptyPrompt):
		http.Redirect(w, r, "/", http.StatusSeeOther)
	default:
		a.renderChat(w, r, sess, statusFor(err), chatErrorText(err))
	}
}

type chatRequest struct {
	Prompt string `json:"prompt"`
}

type chatResponse struct {
	Index int               `json:"index"`
	Turn  conversation.Turn `json:"turn"`
	Error string            `json:"error,omitempty"`
}

func (a *app) handleChatAPI(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, chatResponse{Error: "invalid JSON body"})
		return
	}

	turn, err := a.chat.Respond(r.Context(), sess, req.Prompt)
	if err != nil {
		respondJSON(w, statusFor(err), chatResponse{Error: chatErrorText(err)})
		return
	}
	respondJSON(w, http.StatusOK, chatResponse{
		Index: sess.Conversation().Len() - 2,
		Turn:  turn,
	})
}

type historyResponse struct {
	Username string              `json:"username"`
	Role     string              `json:"role"`
	Turns    []conversation.Turn `json:"turns"`
	Error    string              `json:"error,omitempty"`
}

func (a *app) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	resp := historyResponse{Username: sess.Username(), Role: sess.Role()}

	conv, err := a.chat.Conversation(r.Context(), sess)
	if err != nil {
		resp.Error = chatErrorText(err)
		respondJSON(w, statusFor(err), resp)
		return
	}
	resp.Turns = conv.Visible()
	respondJSON(w, http.StatusOK, resp)
}

type schemaResponse struct {
	Tables      []schema.Table `json:"tables"`
	TableCount  int            `json:"tableCount"`
	LastRefresh string         `json:"lastRefresh"`
	Error       string         `json:"error,omitempty"`
}

func (a *app) handleSchema(w http.ResponseWriter, r *http.Request) {
	a.respondSchema(w, r, false)
}

// handleSchemaRefresh drops the session's cached schema. The instruction turn
// already in the conversation keeps the schema it was composed from.
func (a *app) handleSchemaRefresh(w http.ResponseWriter, r *http.Request) {
	a.respondSchema(w, r, true)
}

func (a *app) respondSchema(w http.ResponseWriter, r *http.Request, refresh bool) {
	sess, _ := session.FromContext(r.Context())
	cache := sess.Schema()
	if cache == nil {
		respondJSON(w, statusFor(chat.ErrLoggedOut), schemaResponse{Error: chat.ErrLoggedOut.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.Warehouse.QueryTimeout)
	defer cancel()

	load := a.chat.Schema
	if refresh {
		load = a.chat.RefreshSchema
	}
	tables, err := load(ctx, sess)
	if err != nil {
		respondJSON(w, statusFor(err), schemaResponse{Error: chatErrorText(err)})
		return
	}
	respondJSON(w, http.StatusOK, schemaResponse{
		Tables:      tables,
		TableCount:  len(tables),
		LastRefresh: cache.GetLastRefresh().Format(time.RFC3339),
	})
}

func (a *app) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	turnIdx, insightIdx, in, ok := a.lookupInsight(r)
	if !ok || in.Table == nil {
		http.Error(w, "result not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=insights-%d-%d.csv", turnIdx, insightIdx))

	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	if err := csvWriter.Write(in.Table.Columns); err != nil {
		return
	}
	for _, row := range in.Table.Rows {
		record := make([]string, len(row))
		for i, v := range row {
			record[i] = warehouse.FormatValue(v)
		}
		if err := csvWriter.Write(record); err != nil {
			return
		}
	}
}

func (a *app) handleFigure(w http.ResponseWriter, r *http.Request) {
	_, _, in, ok := a.lookupInsight(r)
	if !ok || in.Figure == "" {
		http.Error(w, "figure not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(in.Figure))
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": a.sessions.Len(),
	})
}

func (a *app) lookupInsight(r *http.Request) (int, int, conversation.Insight, bool) {
	sess, _ := session.FromContext(r.Context())
	turnIdx, err1 := strconv.Atoi(chi.URLParam(r, "turn"))
	insightIdx, err2 := strconv.Atoi(chi.URLParam(r, "insight"))
	conv := sess.Conversation()
	if err1 != nil || err2 != nil || conv == nil {
		return 0, 0, conversation.Insight{}, false
	}
	in, ok := conv.Insight(turnIdx, insightIdx)
	return turnIdx, insightIdx, in, ok
}

func (a *app) renderLogin(w http.ResponseWriter, status int, page loginPage) {
	roles, err := config.LoadRoles(a.cfg.RolesFile)
	if err != nil {
		a.logger.Error("load roles", "file", a.cfg.RolesFile, "error", err)
		page.RolesError = fmt.Sprintf("Could not load roles: %v", err)
	}
	page.Roles = roles
	a.render(w, status, "login.html", page)
}

func (a *app) renderChat(w http.ResponseWriter, r *http.Request, sess *session.Session, status int, errText string) {
	page := chatPage{
		Username:  sess.Username(),
		Role:      sess.Role(),
		Greeting:  fmt.Sprintf(greetingFormat, sess.Username()),
		CSRFToken: sess.CSRFToken,
		CSRFField: session.CSRFFormField,
		Error:     errText,
	}
	conv, err := a.chat.Conversation(r.Context(), sess)
	if err != nil {
		a.logger.ErrorContext(r.Context(), "start conversation", "username", sess.Username(), "error", err)
		if page.Error == "" {
			page.Error = chatErrorText(err)
		}
		if status == http.StatusOK {
			status = statusFor(err)
		}
	} else {
		page.Turns = conv.Visible()
	}
	a.render(w, status, "chat.html", page)
}

func (a *app) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := a.tmpl.ExecuteTemplate(w, name, data); err != nil {
		a.logger.Error("render template", "template", name, "error", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrLoggedOut):
		return http.StatusUnauthorized
	case errors.Is(err, schema.ErrIntrospection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func chatErrorText(err error) string {
	if errors.Is(err, schema.ErrIntrospection) {
		return fmt.Sprintf("Could not read the warehouse schema: %v", err)
	}
	return err.Error()
}

// limitBody caps request bodies and parses form posts up front, so an
// oversized form is refused before the CSRF check reads it.
func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, n)
			if err := r.ParseForm(); err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
					return
				}
				http.Error(w, "invalid form body", http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
