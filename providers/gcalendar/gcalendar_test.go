package gcalendar

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-hub-go/acl"
	"github.com/ggoodman/mcp-hub-go/credentials"
	"github.com/ggoodman/mcp-hub-go/hub"
	"github.com/ggoodman/mcp-hub-go/internal/httpretry"
	"github.com/ggoodman/mcp-hub-go/mcp"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
)

type recorded struct {
	Method string
	Path   string
	Query  url.Values
	Auth   string
	Body   map[string]any
}

type fakeGoogle struct {
	*httptest.Server

	mu       sync.Mutex
	requests []recorded
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	f := &fakeGoogle{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		writeJSONBody(w, http.StatusOK, map[string]any{
			"access_token":  "tok-" + r.PostForm.Get("code"),
			"refresh_token": "refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("GET /userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSONBody(w, http.StatusOK, map[string]any{"email": "work@example.com", "name": "Work Calendar"})
	})
	mux.HandleFunc("/calendar/v3/", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		path := strings.TrimPrefix(r.URL.Path, "/calendar/v3")
		f.mu.Lock()
		f.requests = append(f.requests, recorded{r.Method, path, r.URL.Query(), r.Header.Get("Authorization"), body})
		f.mu.Unlock()

		switch {
		case path == "/calendars/primary/events/missing":
			writeJSONBody(w, http.StatusNotFound, map[string]any{"error": map[string]any{"code": 404, "message": "Not Found"}})
		case r.Method == http.MethodPost:
			body["id"] = "ev-new"
			body["htmlLink"] = "https://calendar.example/ev-new"
			writeJSONBody(w, http.StatusOK, body)
		case r.Method == http.MethodGet && path == "/calendars/primary/events":
			writeJSONBody(w, http.StatusOK, map[string]any{"items": []map[string]any{
				{"id": "ev1", "summary": "Standup", "start": map[string]any{"dateTime": "2024-01-15T10:00:00Z"}},
				{"id": "ev2", "start": map[string]any{"date": "2024-01-16"}},
			}})
		case r.Method == http.MethodGet:
			writeJSONBody(w, http.StatusOK, map[string]any{
				"id":        "ev1",
				"summary":   "Standup",
				"start":     map[string]any{"dateTime": "2024-01-15T10:00:00Z", "timeZone": "Europe/Paris"},
				"end":       map[string]any{"dateTime": "2024-01-15T10:15:00Z", "timeZone": "Europe/Paris"},
				"attendees": []map[string]any{{"email": "a@example.com"}, {"email": "b@example.com"}},
				"reminders": map[string]any{"useDefault": true},
				"htmlLink":  "https://calendar.example/ev1",
			})
		case r.Method == http.MethodPut:
			writeJSONBody(w, http.StatusOK, body)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeGoogle) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func writeJSONBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestProvider(t *testing.T, f *fakeGoogle, store credentials.Store) *Provider {
	t.Helper()
	return New(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		AuthURL:      f.URL + "/auth",
		TokenURL:     f.URL + "/token",
		UserInfoURL:  f.URL + "/userinfo",
		APIBaseURL:   f.URL + "/calendar/v3",
		Store:        store,
		HTTPClient:   httpretry.New(f.Client().Transport, 0, 0).Client(5 * time.Second),
	})
}

func storeWithAccounts(t *testing.T, names ...string) credentials.Store {
	t.Helper()
	s := credentials.NewMemoryStore()
	for _, name := range names {
		_ = s.Put(t.Context(), name, credentials.Account{
			DisplayName:  name,
			AccessToken:  "access-" + name,
			RefreshToken: "refresh",
			ExpiresAt:    time.Now().Add(time.Hour),
		})
	}
	return s
}

func callTool(t *testing.T, ops mcpservice.OperationSet, name string, args any) *mcp.CallToolResult {
	t.Helper()
	raw, _ := json.Marshal(args)
	res, err := ops.CallTool(t.Context(), &mcp.CallToolRequestReceived{Name: name, Arguments: raw})
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return res
}

func TestDescriptor(t *testing.T) {
	d := New(Config{}).Descriptor()
	if d.Enabled || d.DisabledReason == "" || d.Name != Name {
		t.Fatalf("expected disabled descriptor with reason, got %+v", d)
	}
	if !New(Config{ClientID: "c", ClientSecret: "s"}).Descriptor().Enabled {
		t.Fatalf("expected enabled descriptor")
	}
}

func TestToolsMatchPolicy(t *testing.T) {
	p := New(Config{ACL: acl.NewRegistry(nil)})
	ops, _ := p.Descriptor().Factory(t.Context())
	tools, _ := ops.ListTools(t.Context())
	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"google-calendar-identify", "google-calendar-session", "google-calendar-list-events", "google-calendar-get-event"} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
	for name := range Policy.Rules() {
		if !names[name] {
			t.Errorf("policy names unknown tool %s", name)
		}
	}
	if Policy.Required("google-calendar-list-events") != acl.Viewer || Policy.Required("google-calendar-delete-event") != acl.Editor {
		t.Fatalf("unexpected policy levels")
	}
}

func TestAuthURLAndCallback(t *testing.T) {
	f := newFakeGoogle(t)
	store := credentials.NewMemoryStore()
	p := newTestProvider(t, f, store)

	u, err := url.Parse(p.AuthURL("work"))
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("access_type") != "offline" || q.Get("prompt") != "consent" || !strings.Contains(q.Get("scope"), "auth/calendar") {
		t.Fatalf("unexpected auth url %s", u)
	}
	state := q.Get("state")
	if state == "" || state == "work" {
		t.Fatalf("state must be server issued, got %q", state)
	}

	h := p.CallbackHandler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/google-calendar/callback?code=abc&state="+url.QueryEscape(state), nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "work@example.com") {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	acct, err := store.Get(t.Context(), "work")
	if err != nil {
		t.Fatalf("account not stored: %v", err)
	}
	if acct.AccessToken != "tok-abc" || acct.RefreshToken != "refresh" || acct.UserID != "work@example.com" || acct.DisplayName != "Work Calendar" {
		t.Fatalf("unexpected account %+v", acct)
	}

	for _, target := range []string{
		"/google-calendar/callback?error=access_denied",
		"/google-calendar/callback?code=abc",
		"/google-calendar/callback?code=abc&state=work",
		"/google-calendar/callback?code=abc&state=" + url.QueryEscape(state),
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestEventTools(t *testing.T) {
	f := newFakeGoogle(t)
	p := newTestProvider(t, f, storeWithAccounts(t, "work"))
	ops, _ := p.Descriptor().Factory(t.Context())

	res := callTool(t, ops, "google-calendar-create-event", map[string]any{
		"summary":    "Review",
		"start_time": "2024-01-15T10:00:00Z",
		"end_time":   "2024-01-15T11:00:00Z",
		"attendees":  []string{"a@example.com"},
	})
	if res.IsError || !strings.Contains(res.Content[0].Text, "Link: https://calendar.example/ev-new") {
		t.Fatalf("unexpected %+v", res)
	}
	got := f.last()
	if got.Method != http.MethodPost || got.Path != "/calendars/primary/events" || got.Auth != "Bearer access-work" {
		t.Fatalf("unexpected request %+v", got)
	}
	start, _ := got.Body["start"].(map[string]any)
	if start["timeZone"] != "UTC" || start["dateTime"] != "2024-01-15T10:00:00Z" {
		t.Fatalf("unexpected start %v", got.Body["start"])
	}

	res = callTool(t, ops, "google-calendar-list-events", map[string]any{"query": "stand"})
	if res.IsError || !strings.Contains(res.Content[0].Text, "Found 2 event(s)") ||
		!strings.Contains(res.Content[0].Text, "1. Standup\n   Start: 2024-01-15T10:00:00Z\n   ID: ev1") ||
		!strings.Contains(res.Content[0].Text, "2. No title\n   Start: 2024-01-16") {
		t.Fatalf("unexpected %+v", res)
	}
	if q := f.last().Query; q.Get("maxResults") != "10" || q.Get("singleEvents") != "true" || q.Get("orderBy") != "startTime" || q.Get("q") != "stand" {
		t.Fatalf("unexpected list query %v", q)
	}

	res = callTool(t, ops, "google-calendar-get-event", map[string]any{"event_id": "ev1"})
	if res.IsError || !strings.Contains(res.Content[0].Text, "Attendees: a@example.com, b@example.com") || !strings.Contains(res.Content[0].Text, "Location: No location") {
		t.Fatalf("unexpected %+v", res)
	}

	res = callTool(t, ops, "google-calendar-get-event", map[string]any{"event_id": "missing"})
	if !res.IsError || !strings.Contains(res.Content[0].Text, "Google Calendar API 404: Not Found") {
		t.Fatalf("unexpected %+v", res)
	}

	res = callTool(t, ops, "google-calendar-update-event", map[string]any{"event_id": "ev1", "summary": "Daily", "start_time": "2024-01-15T11:00:00Z"})
	if res.IsError || !strings.Contains(res.Content[0].Text, "https://calendar.example/ev1") {
		t.Fatalf("unexpected %+v", res)
	}
	put := f.last()
	if put.Method != http.MethodPut || put.Body["summary"] != "Daily" || put.Body["reminders"] == nil {
		t.Fatalf("update lost fields: %+v", put)
	}
	start, _ = put.Body["start"].(map[string]any)
	if start["timeZone"] != "Europe/Paris" || start["dateTime"] != "2024-01-15T11:00:00Z" {
		t.Fatalf("update should keep the previous zone, got %v", put.Body["start"])
	}
	if att, _ := put.Body["attendees"].([]any); len(att) != 2 {
		t.Fatalf("attendees changed without being given: %v", put.Body["attendees"])
	}

	res = callTool(t, ops, "google-calendar-delete-event", map[string]any{"event_id": "ev1"})
	if res.IsError || res.Content[0].Text != "Event ev1 deleted successfully" {
		t.Fatalf("unexpected %+v", res)
	}
	if got := f.last(); got.Method != http.MethodDelete || got.Path != "/calendars/primary/events/ev1" {
		t.Fatalf("unexpected request %+v", got)
	}

	res = callTool(t, ops, "google-calendar-create-event", map[string]any{"summary": "No times"})
	if !res.IsError {
		t.Fatalf("expected missing times to fail")
	}
}

func TestIdentityScopesAccounts(t *testing.T) {
	f := newFakeGoogle(t)
	p := newTestProvider(t, f, storeWithAccounts(t, "personal", "work"))
	ops, _ := p.Descriptor().Factory(t.Context())

	res := callTool(t, ops, "google-calendar-list-events", struct{}{})
	if !res.IsError || !strings.Contains(res.Content[0].Text, "personal, work") {
		t.Fatalf("expected ambiguity without an identity, got %+v", res)
	}

	ctx := hub.WithIdentity(t.Context(), &acl.Identity{Username: "alice", Level: acl.Editor, Accounts: []string{"work"}})
	call := func(name, args string) *mcp.CallToolResult {
		t.Helper()
		res, err := ops.CallTool(ctx, &mcp.CallToolRequestReceived{Name: name, Arguments: json.RawMessage(args)})
		if err != nil {
			t.Fatal(err)
		}
		return res
	}

	res = call("google-calendar-list-events", `{}`)
	if res.IsError || f.last().Auth != "Bearer access-work" {
		t.Fatalf("expected the only allowed account, got %+v", res)
	}
	res = call("google-calendar-get-event", `{"event_id":"ev1","account":"personal"}`)
	if !res.IsError || !strings.Contains(res.Content[0].Text, `"personal" is not authorized for user "alice"`) {
		t.Fatalf("expected denial, got %+v", res)
	}
	res = call("google-calendar-list-accounts", `{}`)
	if res.Content[0].Text != "Connected accounts: work" {
		t.Fatalf("unexpected account list %q", res.Content[0].Text)
	}

	none := hub.WithIdentity(t.Context(), &acl.Identity{Username: "bob", Accounts: []string{"team"}})
	res, _ = ops.CallTool(none, &mcp.CallToolRequestReceived{Name: "google-calendar-list-events", Arguments: json.RawMessage(`{}`)})
	if !res.IsError || !strings.Contains(res.Content[0].Text, "none are connected") {
		t.Fatalf("expected no authorized account, got %+v", res)
	}
}

func TestRefreshUsesStoredToken(t *testing.T) {
	f := newFakeGoogle(t)
	store := credentials.NewMemoryStore()
	_ = store.Put(t.Context(), "work", credentials.Account{AccessToken: "old", RefreshToken: "r", ExpiresAt: time.Now().Add(-time.Minute)})
	p := newTestProvider(t, f, store)
	ops, _ := p.Descriptor().Factory(t.Context())

	res := callTool(t, ops, "google-calendar-delete-event", map[string]any{"event_id": "ev9"})
	if res.IsError {
		t.Fatalf("unexpected %+v", res)
	}
	if got := f.last().Auth; got != "Bearer tok-" {
		t.Fatalf("expected refreshed token, got %q", got)
	}
	acct, _ := store.Get(t.Context(), "work")
	if acct.AccessToken != "tok-" {
		t.Fatalf("refreshed token not stored: %+v", acct)
	}
}
