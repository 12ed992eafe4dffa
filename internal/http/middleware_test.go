package http

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"flyn/internal/auth"
	"flyn/internal/canvas"
	"flyn/internal/notify"
)

func TestRequireSessionRedirectsToLogin(t *testing.T) {
	app := newTestApp(t)

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/document/abc123", nil), "")

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected status 303, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/login?redirectTo=%2Fdocument%2Fabc123" {
		t.Fatalf("unexpected redirect %q", got)
	}
	if calls := app.backend.called(); len(calls) != 0 {
		t.Fatalf("expected no backend calls, got %v", calls)
	}
}

func TestRequireSessionOnHomeRedirectsWithoutReturnPath(t *testing.T) {
	app := newTestApp(t)

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/", nil), "")

	if got := rec.Header().Get("Location"); got != "/login" {
		t.Fatalf("unexpected redirect %q", got)
	}
}

func TestJSONRoutesRejectAnonymousRequests(t *testing.T) {
	app := newTestApp(t)

	for _, path := range []string{"/notifications", "/api/canvases"} {
		rec := app.serve(httptest.NewRequest(http.MethodGet, path, nil), "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected status 401, got %d", path, rec.Code)
		}
	}
}

func TestSessionMiddlewareClearsUnknownCookie(t *testing.T) {
	app := newTestApp(t)

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/login", nil), "stale-token")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	cookie := findCookie(rec, sessionCookieName)
	if cookie == nil || cookie.MaxAge >= 0 {
		t.Fatalf("expected session cookie to be cleared, got %+v", cookie)
	}
}

func TestSignedInUserSkipsLoginPage(t *testing.T) {
	app := newTestApp(t)
	token := app.signIn(t, testSession(""))

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/login", nil), token)

	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect home, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestCanvasMiddlewareMountsOneStatePerView(t *testing.T) {
	app := newTestApp(t)
	token := app.signIn(t, testSession(""))

	for i := 0; i < 2; i++ {
		rec := app.serve(httptest.NewRequest(http.MethodGet, "/document/abc123", nil), token)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
	}

	state, ok := app.canvases.Lookup(auth.SessionKey(token), "abc123")
	if !ok {
		t.Fatal("expected document view to be mounted")
	}
	if state.SpreadsheetID() != "abc123" {
		t.Fatalf("unexpected spreadsheet id %q", state.SpreadsheetID())
	}
	if app.canvases.Len() != 1 {
		t.Fatalf("expected a single mounted view, got %d", app.canvases.Len())
	}
}

func TestSecurityHeadersAndHealth(t *testing.T) {
	app := newTestApp(t)

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/health", nil), "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" || rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing security headers: %v", rec.Header())
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Fatal("expected no HSTS header in development")
	}
}

func TestDocumentViewsAreBoundedPerSession(t *testing.T) {
	app := newTestApp(t)
	token := app.signIn(t, testSession(""))

	for i := 0; i < 3*canvas.MaxViewsPerSession; i++ {
		app.serve(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/document/junk-%d", i), nil), token)
	}

	if app.canvases.Len() != canvas.MaxViewsPerSession {
		t.Fatalf("expected %d mounted views, got %d", canvas.MaxViewsPerSession, app.canvases.Len())
	}
	last := fmt.Sprintf("junk-%d", 3*canvas.MaxViewsPerSession-1)
	if _, ok := app.canvases.Lookup(auth.SessionKey(token), last); !ok {
		t.Fatal("expected the most recent view to stay mounted")
	}
}

func TestEndedSessionReleasesViewsWithoutLogout(t *testing.T) {
	app := newTestApp(t)
	token := app.signIn(t, testSession(""))
	other := app.signIn(t, testSession(""))
	app.serve(httptest.NewRequest(http.MethodGet, "/document/abc123", nil), token)
	app.serve(httptest.NewRequest(http.MethodGet, "/document/def456", nil), token)
	app.serve(httptest.NewRequest(http.MethodGet, "/document/abc123", nil), other)

	if err := app.auth.SignOut(context.Background(), token); err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}

	if app.canvases.Len() != 1 {
		t.Fatalf("expected only the other session's view, got %d", app.canvases.Len())
	}
	if _, ok := app.canvases.Lookup(auth.SessionKey(other), "abc123"); !ok {
		t.Fatal("expected the other session's view to stay mounted")
	}
	if app.notices.Len() != 1 {
		t.Fatalf("expected only the other session's notifications, got %d", app.notices.Len())
	}
}

func TestReleaseSessionViewsIgnoresOtherEvents(t *testing.T) {
	registry := canvas.NewRegistry(nil, nil)
	hub := notify.NewHub()
	registry.Mount("session-a", "abc123", hub.For("session-a"))
	release := releaseSessionViews(registry, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	release(context.Background(), auth.EventTokenRefreshed, &auth.Session{Key: "session-a"})
	release(context.Background(), auth.EventSignedOut, nil)
	if registry.Len() != 1 || hub.Len() != 1 {
		t.Fatalf("expected views kept, got %d views %d centers", registry.Len(), hub.Len())
	}

	release(context.Background(), auth.EventSignedOut, &auth.Session{Key: "session-a"})
	if registry.Len() != 0 || hub.Len() != 0 {
		t.Fatalf("expected views released, got %d views %d centers", registry.Len(), hub.Len())
	}
}
