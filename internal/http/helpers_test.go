package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flyn/internal/api"
	"flyn/internal/auth"
	"flyn/internal/canvas"
	"flyn/internal/catalog"
	"flyn/internal/config"
	"flyn/internal/google"
	"flyn/internal/markdown"
	"flyn/internal/notify"
)

type providerStub struct {
	calls              atomic.Int32
	exchangeCode       func(ctx context.Context, code, verifier string) (*auth.Session, error)
	signInWithPassword func(ctx context.Context, email, password string) (*auth.Session, error)
	signUp             func(ctx context.Context, fullName, email, password string) (*auth.Session, error)
}

func (p *providerStub) SignInWithGoogle() (string, string, error) {
	return "https://auth.test/auth/v1/authorize?provider=google", "verifier-1", nil
}

func (p *providerStub) ExchangeCode(ctx context.Context, code, verifier string) (*auth.Session, error) {
	p.calls.Add(1)
	if p.exchangeCode != nil {
		return p.exchangeCode(ctx, code, verifier)
	}
	return nil, errors.New("not implemented")
}

func (p *providerStub) SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error) {
	p.calls.Add(1)
	if p.signInWithPassword != nil {
		return p.signInWithPassword(ctx, email, password)
	}
	return nil, errors.New("not implemented")
}

func (p *providerStub) SignUp(ctx context.Context, fullName, email, password string) (*auth.Session, error) {
	p.calls.Add(1)
	if p.signUp != nil {
		return p.signUp(ctx, fullName, email, password)
	}
	return nil, errors.New("not implemented")
}

func (p *providerStub) Refresh(context.Context, string) (*auth.Session, error) {
	p.calls.Add(1)
	return nil, errors.New("not implemented")
}

func (p *providerStub) SignOut(context.Context, string) error {
	p.calls.Add(1)
	return nil
}

type sheetsStub struct {
	list    func(ctx context.Context, accessToken, query string) ([]google.Spreadsheet, error)
	preview func(ctx context.Context, accessToken, spreadsheetID string, maxRows int) (*google.Preview, error)
}

func (s *sheetsStub) ListSpreadsheets(ctx context.Context, accessToken, query string) ([]google.Spreadsheet, error) {
	if s.list != nil {
		return s.list(ctx, accessToken, query)
	}
	return nil, nil
}

func (s *sheetsStub) GetSpreadsheetName(context.Context, string, string) (string, error) {
	return "", google.ErrAuthorizationRequired
}

func (s *sheetsStub) PreviewSpreadsheet(ctx context.Context, accessToken, spreadsheetID string, maxRows int) (*google.Preview, error) {
	if s.preview != nil {
		return s.preview(ctx, accessToken, spreadsheetID, maxRows)
	}
	if accessToken == "" {
		return nil, google.ErrAuthorizationRequired
	}
	return &google.Preview{ID: spreadsheetID}, nil
}

// backendStub plays the Flyn backend API. Routes are keyed by "METHOD /path".
type backendStub struct {
	mu       sync.Mutex
	routes   map[string]http.HandlerFunc
	calls    []string
	requests []*http.Request
}

func (b *backendStub) handle(route string, handler http.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[route] = handler
}

func (b *backendStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := r.Method + " " + r.URL.Path
	b.mu.Lock()
	b.calls = append(b.calls, route)
	b.requests = append(b.requests, r.Clone(context.Background()))
	handler, ok := b.routes[route]
	b.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Not Found"}`))
		return
	}
	handler(w, r)
}

func (b *backendStub) called() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	copy(out, b.calls)
	return out
}

func (b *backendStub) count(route string) int {
	n := 0
	for _, call := range b.called() {
		if call == route {
			n++
		}
	}
	return n
}

func respondJSON(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

type testApp struct {
	handler  http.Handler
	auth     *auth.Service
	provider *providerStub
	backend  *backendStub
	sheets   *sheetsStub
	canvases *canvas.Registry
	notices  *notify.Hub
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend := &backendStub{routes: map[string]http.HandlerFunc{
		"GET /canvases":                       respondJSON(http.StatusOK, `[]`),
		"GET /spreadsheets/abc123/worksheets": respondJSON(http.StatusOK, `["Transactions","Budget"]`),
	}}
	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	provider := &providerStub{}
	authService := auth.NewService(auth.NewMemoryRepository(), provider, nil, time.Hour, auth.WithLogger(logger))
	client := api.NewClient(server.URL, auth.ContextSource{}, api.WithHTTPClient(server.Client()), api.WithLogger(logger))
	registry := canvas.NewRegistry(client, logger)
	hub := notify.NewHub()
	sheets := &sheetsStub{}

	templates, err := catalog.Default()
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}

	cfg := config.Config{
		Environment:    "development",
		APIBaseURL:     server.URL,
		AllowedOrigins: []string{"http://localhost:3000"},
		SessionTTL:     time.Hour,
	}
	router, err := NewRouter(cfg, Dependencies{
		Auth:      authService,
		Backend:   client,
		Canvases:  registry,
		Notices:   hub,
		Sheets:    sheets,
		Templates: templates,
		Markdown:  markdown.NewRenderer(),
	}, logger)
	if err != nil {
		t.Fatalf("NewRouter returned error: %v", err)
	}

	return &testApp{
		handler:  router,
		auth:     authService,
		provider: provider,
		backend:  backend,
		sheets:   sheets,
		canvases: registry,
		notices:  hub,
	}
}

func testSession(providerToken string) *auth.Session {
	return &auth.Session{
		AccessToken:   "access-1",
		RefreshToken:  "refresh-1",
		ProviderToken: providerToken,
		ExpiresAt:     time.Now().Add(time.Hour),
		User:          auth.User{ID: "user-1", Email: "ada@example.com", FullName: "Ada Lovelace"},
	}
}

// signIn creates a stored session and returns its cookie token.
func (a *testApp) signIn(t *testing.T, session *auth.Session) string {
	t.Helper()
	a.provider.signInWithPassword = func(context.Context, string, string) (*auth.Session, error) {
		return session, nil
	}
	token, _, err := a.auth.SignInWithPassword(context.Background(), session.User.Email, "Secret123", auth.ClientInfo{})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	a.provider.signInWithPassword = nil
	a.provider.calls.Store(0)
	return token
}

func (a *testApp) serve(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testApp) notifications(token string) []notify.Notification {
	return a.notices.For(auth.SessionKey(token)).List()
}

func hasNotification(list []notify.Notification, kind notify.Kind, message string) bool {
	for _, n := range list {
		if n.Kind == kind && n.Message == message {
			return true
		}
	}
	return false
}

func postForm(path string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
