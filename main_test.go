package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/hoonartek/peggybuddy/internal/config"
	"github.com/hoonartek/peggybuddy/internal/llm"
	"github.com/hoonartek/peggybuddy/internal/session"
	"github.com/hoonartek/peggybuddy/internal/warehouse"
)

type schemaOpener struct {
	t     *testing.T
	fail  bool
	opens int
}

func (o *schemaOpener) Open(ctx context.Context, creds warehouse.Credentials) (*sql.DB, error) {
	o.opens++
	if o.fail {
		return nil, warehouse.ErrConnect
	}
	db, mock, err := sqlmock.New()
	if err != nil {
		o.t.Fatalf("sqlmock.New() error = %v", err)
	}
	mock.ExpectQuery("SELECT DISTINCT TABLE_NAME").
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_NAME"}).AddRow("SALES"))
	mock.ExpectQuery("SELECT COLUMN_NAME").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE"}).
			AddRow("YEAR", "NUMBER").
			AddRow("REVENUE", "NUMBER"))
	mock.ExpectClose()
	return db, nil
}

func (o *schemaOpener) Dialect() warehouse.Dialect { return warehouse.DialectSnowflake }

type fakeWarehouse struct {
	tables map[string]*warehouse.Table
}

func (f *fakeWarehouse) Authenticate(ctx context.Context, creds warehouse.Credentials) error {
	if creds.Password != "pw" {
		return warehouse.ErrAuthentication
	}
	return nil
}

func (f *fakeWarehouse) Execute(ctx context.Context, creds warehouse.Credentials, stmt string) (*warehouse.Table, error) {
	if t, ok := f.tables[stmt]; ok {
		return t, nil
	}
	return nil, errors.New("unknown statement")
}

type fakeLLM struct {
	reply string
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Chat(ctx context.Context, history []llm.Message, prompt string) (string, error) {
	return f.reply, nil
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return "Revenue grew.", nil
}

const (
	revenueSQL = "SELECT YEAR, REVENUE FROM OFI_DB.OFI_SCHEMA.SALES ORDER BY YEAR;"
	yearsSQL   = "SELECT COUNT(*) AS YEARS FROM OFI_DB.OFI_SCHEMA.SALES;"
)

func newTestApp(t *testing.T, opener *schemaOpener) *app {
	t.Helper()
	return newTestAppWithReply(t, opener, "Revenue by year:\n```sql\n"+revenueSQL+"\n```")
}

func newTestAppWithReply(t *testing.T, opener *schemaOpener, reply string) *app {
	t.Helper()
	dir := t.TempDir()
	rolesFile := filepath.Join(dir, "roles.csv")
	if err := os.WriteFile(rolesFile, []byte("role\nend_user\nenterprise_user\n"), 0o600); err != nil {
		t.Fatalf("write roles: %v", err)
	}
	cfg := config.Config{
		Warehouse: config.WarehouseConfig{
			Driver:       "snowflake",
			Database:     "OFI_DB",
			Schema:       "OFI_SCHEMA",
			QueryTimeout: 5 * time.Second,
		},
		RolesFile: rolesFile,
		Session:   config.SessionConfig{TTL: time.Hour},
		Chat:      config.ChatConfig{RestrictedRole: "end_user", SummaryRows: 20},
	}
	wh := &fakeWarehouse{tables: map[string]*warehouse.Table{
		revenueSQL: {Columns: []string{"YEAR", "REVENUE"}, Rows: [][]any{{"2021", 1.5}, {"2022", 2.5}}},
		yearsSQL:   {Columns: []string{"YEARS"}, Rows: [][]any{{int64(2)}}},
	}}
	provider := &fakeLLM{reply: reply}

	a, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), opener, wh, provider)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	return a
}

type client struct {
	t       *testing.T
	handler http.Handler
	cookies []*http.Cookie
}

func (c *client) do(req *http.Request) *httptest.ResponseRecorder {
	c.t.Helper()
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		c.setCookie(ck)
	}
	return rec
}

func (c *client) setCookie(ck *http.Cookie) {
	kept := c.cookies[:0]
	for _, existing := range c.cookies {
		if existing.Name != ck.Name {
			kept = append(kept, existing)
		}
	}
	c.cookies = kept
	if ck.MaxAge >= 0 && ck.Value != "" {
		c.cookies = append(c.cookies, &http.Cookie{Name: ck.Name, Value: ck.Value})
	}
}

func (c *client) cookie(name string) string {
	for _, ck := range c.cookies {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func (c *client) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *client) login(password string) *httptest.ResponseRecorder {
	return c.postForm("/login", url.Values{
		"username": {"alice"},
		"password": {password},
		"role":     {"end_user"},
	})
}

func TestLoginPageListsRoles(t *testing.T) {
	c := &client{t: t, handler: newTestApp(t, &schemaOpener{t: t}).routes()}
	rec := c.do(httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"Login to Peggy-Buddy", `value="end_user"`, `value="enterprise_user"`} {
		if !strings.Contains(body, want) {
			t.Errorf("login page missing %q", want)
		}
	}
}

func TestLoginFailure(t *testing.T) {
	a := newTestApp(t, &schemaOpener{t: t})
	c := &client{t: t, handler: a.routes()}

	rec := c.login("wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Incorrect credentials.") {
		t.Fatal("missing failure message")
	}
	if a.sessions.Len() != 0 || c.cookie(session.CookieName) != "" {
		t.Fatal("failed login must not create a session")
	}
}

func TestFailedReloginEndsExistingSession(t *testing.T) {
	a := newTestApp(t, &schemaOpener{t: t})
	c := &client{t: t, handler: a.routes()}
	if rec := c.login("pw"); rec.Code != http.StatusSeeOther {
		t.Fatalf("login status = %d", rec.Code)
	}

	rec := c.postForm("/login", url.Values{
		"username":            {"alice"},
		"password":            {"wrong"},
		"role":                {"end_user"},
		session.CSRFFormField: {c.cookie(session.CSRFCookieName)},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if a.sessions.Len() != 0 || c.cookie(session.CookieName) != "" {
		t.Fatalf("previous session still live: sessions = %d", a.sessions.Len())
	}
	if rec := c.do(httptest.NewRequest(http.MethodGet, "/api/history", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("history status = %d", rec.Code)
	}
}

func TestSuccessfulReloginReplacesSession(t *testing.T) {
	a := newTestApp(t, &schemaOpener{t: t})
	c := &client{t: t, handler: a.routes()}
	c.login("pw")
	first := c.cookie(session.CookieName)

	rec := c.postForm("/login", url.Values{
		"username":            {"alice"},
		"password":            {"pw"},
		"role":                {"end_user"},
		session.CSRFFormField: {c.cookie(session.CSRFCookieName)},
	})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d", rec.Code)
	}
	if a.sessions.Len() != 1 || c.cookie(session.CookieName) == first {
		t.Fatalf("sessions = %d, cookie reused = %v", a.sessions.Len(), c.cookie(session.CookieName) == first)
	}
}

func TestLoginRejectsUnknownRole(t *testing.T) {
	c := &client{t: t, handler: newTestApp(t, &schemaOpener{t: t}).routes()}
	rec := c.postForm("/login", url.Values{"username": {"alice"}, "password": {"pw"}, "role": {"sysadmin"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChatFlow(t *testing.T) {
	opener := &schemaOpener{t: t}
	a := newTestApp(t, opener)
	c := &client{t: t, handler: a.routes()}

	if rec := c.login("pw"); rec.Code != http.StatusSeeOther {
		t.Fatalf("login status = %d body = %s", rec.Code, rec.Body.String())
	}

	rec := c.do(httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Hello alice, I am Peggy-Buddy") {
		t.Fatalf("chat page status = %d", rec.Code)
	}

	rec = c.postForm("/chat", url.Values{"prompt": {"revenue by year"}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing csrf status = %d", rec.Code)
	}

	rec = c.postForm("/chat", url.Values{
		"prompt":              {"revenue by year"},
		session.CSRFFormField: {c.cookie(session.CSRFCookieName)},
	})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("chat status = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = c.do(httptest.NewRequest(http.MethodGet, "/api/history", nil))
	var history historyResponse
	if err := json.NewDecoder(rec.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Turns) != 2 || history.Turns[1].SQL != revenueSQL {
		t.Fatalf("history = %+v", history)
	}
	in := history.Turns[1].Insights[0]
	if in.Title != "Insights" || in.Description != "Revenue grew." || in.Figure == "" {
		t.Fatalf("insight = %+v", in)
	}

	rec = c.do(httptest.NewRequest(http.MethodGet, "/api/turns/1/insights/1/csv", nil))
	records, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil || len(records) != 3 || records[2][0] != "2022" || records[2][1] != "2.5" {
		t.Fatalf("csv = %v, %v", records, err)
	}

	rec = c.do(httptest.NewRequest(http.MethodGet, "/api/turns/1/insights/1/figure", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Revenue by Year") {
		t.Fatalf("figure status = %d", rec.Code)
	}
	if rec := c.do(httptest.NewRequest(http.MethodGet, "/api/turns/0/insights/1/csv", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("user turn csv status = %d", rec.Code)
	}

	if opener.opens != 1 {
		t.Fatalf("schema opened %d times, want 1", opener.opens)
	}
}

func TestChatPageShowsSQLPerInsight(t *testing.T) {
	reply := "Two answers.\n```sql\n" + revenueSQL + "\n```\nand\n```sql\n" + yearsSQL + "\n```"
	c := &client{t: t, handler: newTestAppWithReply(t, &schemaOpener{t: t}, reply).routes()}
	c.login("pw")

	rec := c.postForm("/chat", url.Values{
		"prompt":              {"revenue and years"},
		session.CSRFFormField: {c.cookie(session.CSRFCookieName)},
	})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("chat status = %d body = %s", rec.Code, rec.Body.String())
	}

	body := c.do(httptest.NewRequest(http.MethodGet, "/", nil)).Body.String()
	if got := strings.Count(body, "<summary>Show SQL Query</summary>"); got != 2 {
		t.Fatalf("SQL expanders = %d, want 2", got)
	}
	for _, stmt := range []string{revenueSQL, yearsSQL} {
		if !strings.Contains(body, "<pre>"+stmt+"</pre>") {
			t.Errorf("page missing statement %q", stmt)
		}
	}
	if !strings.Contains(body, "<summary>Show full reply</summary>") {
		t.Error("raw reply should sit behind an expander")
	}
}

func TestOversizedFormIsRejected(t *testing.T) {
	a := newTestApp(t, &schemaOpener{t: t})
	c := &client{t: t, handler: a.routes()}
	c.login("pw")

	rec := c.postForm("/chat", url.Values{
		"prompt":              {strings.Repeat("a", maxRequestBodySize)},
		session.CSRFFormField: {c.cookie(session.CSRFCookieName)},
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = c.do(httptest.NewRequest(http.MethodGet, "/api/history", nil))
	var history historyResponse
	if err := json.NewDecoder(rec.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Turns) != 0 {
		t.Fatalf("turns = %d, want 0", len(history.Turns))
	}
}

func TestChatAPI(t *testing.T) {
	c := &client{t: t, handler: newTestApp(t, &schemaOpener{t: t}).routes()}
	c.login("pw")

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"prompt":"revenue by year"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(session.CSRFHeaderName, c.cookie(session.CSRFCookieName))
	rec := c.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp chatResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Index != 1 || len(resp.Turn.Insights) != 1 {
		t.Fatalf("resp = %+v", resp)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"prompt":"  "}`))
	req.Header.Set(session.CSRFHeaderName, c.cookie(session.CSRFCookieName))
	if rec := c.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty prompt status = %d", rec.Code)
	}
}

func TestSchemaEndpoints(t *testing.T) {
	opener := &schemaOpener{t: t}
	c := &client{t: t, handler: newTestApp(t, opener).routes()}
	c.login("pw")

	rec := c.do(httptest.NewRequest(http.MethodGet, "/api/schema", nil))
	var resp schemaResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TableCount != 1 || resp.Tables[0].Name != "SALES" {
		t.Fatalf("schema = %+v", resp)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/schema/refresh", nil)
	req.Header.Set(session.CSRFHeaderName, c.cookie(session.CSRFCookieName))
	if rec := c.do(req); rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d", rec.Code)
	}
	if opener.opens != 2 {
		t.Fatalf("opens = %d, want 2", opener.opens)
	}
}

func TestSchemaOnClosedSession(t *testing.T) {
	a := newTestApp(t, &schemaOpener{t: t})
	sess, err := a.sessions.Create(warehouse.Credentials{Username: "alice", Password: "pw", Role: "end_user"}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	a.sessions.Destroy(sess.ID)

	req := httptest.NewRequest(http.MethodGet, "/api/schema", nil)
	req = req.WithContext(session.WithSession(req.Context(), sess))
	rec := httptest.NewRecorder()
	a.handleSchema(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSchemaFailureShownOnChatPage(t *testing.T) {
	c := &client{t: t, handler: newTestApp(t, &schemaOpener{t: t, fail: true}).routes()}
	c.login("pw")

	rec := c.do(httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusBadGateway || !strings.Contains(rec.Body.String(), "Could not read the warehouse schema") {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAPIRequiresSession(t *testing.T) {
	c := &client{t: t, handler: newTestApp(t, &schemaOpener{t: t}).routes()}
	if rec := c.do(httptest.NewRequest(http.MethodGet, "/api/history", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLogoutDestroysSession(t *testing.T) {
	a := newTestApp(t, &schemaOpener{t: t})
	c := &client{t: t, handler: a.routes()}
	c.login("pw")

	rec := c.postForm("/logout", url.Values{session.CSRFFormField: {c.cookie(session.CSRFCookieName)}})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d", rec.Code)
	}
	if a.sessions.Len() != 0 || c.cookie(session.CookieName) != "" {
		t.Fatal("session should be gone")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	c := &client{t: t, handler: newTestApp(t, &schemaOpener{t: t}).routes()}
	if rec := c.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	rec := c.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "peggybuddy_http_requests_total") {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}
