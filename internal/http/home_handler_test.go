package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"

	"flyn/internal/google"
	"flyn/internal/notify"
)

func TestHomeListsCanvasesWithRenderedSummary(t *testing.T) {
	app := newTestApp(t)
	app.backend.handle("GET /canvases", respondJSON(http.StatusOK, `[
		{"id":"c1","google_spreadsheet_id":"abc123","name":"July Budget","schema_summary":"**Income** and expenses","updated_at":"2025-07-01T10:00:00Z"},
		{"id":"c2","google_spreadsheet_id":"def456","name":"","schema_summary":""}
	]`))
	token := app.signIn(t, testSession(""))

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/", nil), token)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"Welcome Back, Ada Lovelace",
		"July Budget",
		"<strong>Income</strong>",
		`href="/document/abc123"`,
		"def456",
		msgNoSummary,
		"Personal Monthly Budget",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected page to contain %q", want)
		}
	}
}

func TestHomeShowsEmptyState(t *testing.T) {
	app := newTestApp(t)
	token := app.signIn(t, testSession(""))

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/", nil), token)

	if !strings.Contains(rec.Body.String(), "You don't have any canvases yet. Create one above to get started!") {
		t.Fatalf("expected empty state, got %s", rec.Body.String())
	}
}

func TestHomeReportsListFailure(t *testing.T) {
	app := newTestApp(t)
	app.backend.handle("GET /canvases", respondJSON(http.StatusInternalServerError, `{"detail":"database unavailable"}`))
	token := app.signIn(t, testSession(""))

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/", nil), token)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !hasNotification(app.notifications(token), notify.KindError, "database unavailable") {
		t.Fatalf("expected error notification, got %+v", app.notifications(token))
	}
}

func TestHomeRedirectsWhenBackendRejectsToken(t *testing.T) {
	app := newTestApp(t)
	app.backend.handle("GET /canvases", respondJSON(http.StatusUnauthorized, `{"detail":"Invalid token"}`))
	token := app.signIn(t, testSession(""))

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/", nil), token)

	want := "/login?message=" + url.QueryEscape(msgLoginRequired)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != want {
		t.Fatalf("expected redirect to %q, got %d %q", want, rec.Code, rec.Header().Get("Location"))
	}
}

func TestConnectRegistersThenRefreshes(t *testing.T) {
	app := newTestApp(t)
	app.backend.handle("POST /spreadsheets", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode register body: %v", err)
		}
		if body["spreadsheet_id"] != "abc123" || body["name"] != "July" {
			t.Errorf("unexpected register body %v", body)
		}
		respondJSON(http.StatusCreated, `{"id":"s1","google_spreadsheet_id":"abc123","name":"July"}`)(w, r)
	})
	app.backend.handle("POST /canvases/abc123/refresh-schema", respondJSON(http.StatusOK, `{"status":"success"}`))
	token := app.signIn(t, testSession(""))

	rec := app.serve(postForm("/connect", url.Values{"spreadsheetId": {"abc123"}, "name": {" July "}}), token)

	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/document/abc123" {
		t.Fatalf("expected redirect to document, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	want := []string{"POST /spreadsheets", "POST /canvases/abc123/refresh-schema"}
	if got := app.backend.called(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	if !hasNotification(app.notifications(token), notify.KindSuccess, "'July' connected successfully!") {
		t.Fatalf("expected success notification, got %+v", app.notifications(token))
	}
}

func TestConnectStopsWhenRegistrationFails(t *testing.T) {
	app := newTestApp(t)
	app.backend.handle("POST /spreadsheets", respondJSON(http.StatusBadRequest, `{"detail":"Spreadsheet already registered"}`))
	token := app.signIn(t, testSession(""))

	rec := app.serve(postForm("/connect", url.Values{"spreadsheetId": {"abc123"}, "name": {"July"}}), token)

	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect home, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if app.backend.count("POST /canvases/abc123/refresh-schema") != 0 {
		t.Fatal("expected no schema refresh after failed registration")
	}
	list := app.notifications(token)
	if !hasNotification(list, notify.KindError, "Spreadsheet already registered") {
		t.Fatalf("expected error notification, got %+v", list)
	}
	if hasNotification(list, notify.KindLoading, msgConnecting) {
		t.Fatal("expected loading notification to be settled")
	}
}

func TestConnectReportsRefreshFailure(t *testing.T) {
	app := newTestApp(t)
	app.backend.handle("POST /spreadsheets", respondJSON(http.StatusCreated, `{"id":"s1"}`))
	app.backend.handle("POST /canvases/abc123/refresh-schema", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("oops"))
	})
	token := app.signIn(t, testSession(""))

	rec := app.serve(postForm("/connect", url.Values{"spreadsheetId": {"abc123"}, "name": {"July"}}), token)

	if rec.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect home, got %q", rec.Header().Get("Location"))
	}
	if !hasNotification(app.notifications(token), notify.KindError, "HTTP Error: 500") {
		t.Fatalf("expected status fallback message, got %+v", app.notifications(token))
	}
}

func TestConnectAcceptsJSON(t *testing.T) {
	app := newTestApp(t)
	app.backend.handle("POST /spreadsheets", respondJSON(http.StatusCreated, `{"id":"s1"}`))
	app.backend.handle("POST /canvases/abc123/refresh-schema", respondJSON(http.StatusOK, `{"status":"success"}`))
	token := app.signIn(t, testSession(""))

	req := httptest.NewRequest(http.MethodPost, "/connect", strings.NewReader(`{"spreadsheetId":"abc123","name":"July"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := app.serve(req, token)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["redirectTo"] != "/document/abc123" {
		t.Fatalf("unexpected response %v", body)
	}
}

func TestConnectJSONPassesBackendError(t *testing.T) {
	app := newTestApp(t)
	app.backend.handle("POST /spreadsheets", respondJSON(http.StatusConflict, `{"detail":"Spreadsheet already registered"}`))
	token := app.signIn(t, testSession(""))

	req := httptest.NewRequest(http.MethodPost, "/connect", strings.NewReader(`{"spreadsheetId":"abc123","name":"July"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := app.serve(req, token)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Spreadsheet already registered") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestConnectRequiresSpreadsheet(t *testing.T) {
	app := newTestApp(t)
	token := app.signIn(t, testSession(""))

	rec := app.serve(postForm("/connect", url.Values{"spreadsheetId": {"  "}}), token)

	if rec.Header().Get("Location") != "/connect" {
		t.Fatalf("expected redirect back to /connect, got %q", rec.Header().Get("Location"))
	}
	if len(app.backend.called()) != 0 {
		t.Fatalf("expected no backend calls, got %v", app.backend.called())
	}
}

func TestConnectPageRequiresGoogleAccess(t *testing.T) {
	app := newTestApp(t)
	token := app.signIn(t, testSession(""))

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/connect", nil), token)

	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/auth/google?redirectTo=%2Fconnect" {
		t.Fatalf("expected Google sign in redirect, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if !hasNotification(app.notifications(token), notify.KindError, msgGoogleRequired) {
		t.Fatal("expected Google required notification")
	}
}

func TestConnectPageListsSpreadsheets(t *testing.T) {
	app := newTestApp(t)
	app.sheets.list = func(_ context.Context, accessToken, query string) ([]google.Spreadsheet, error) {
		if accessToken != "google-token" || query != "budget" {
			t.Errorf("unexpected list call %q %q", accessToken, query)
		}
		return []google.Spreadsheet{{ID: "abc123", Name: "Budget 2025"}}, nil
	}
	token := app.signIn(t, testSession("google-token"))

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/connect?q=budget", nil), token)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Budget 2025") || !strings.Contains(body, `value="abc123"`) {
		t.Fatalf("expected spreadsheet in page, got %s", body)
	}
	if strings.Contains(body, "google-token") {
		t.Fatal("expected provider token to stay out of the page without a picker")
	}
}

func TestConnectPageRedirectsWhenGoogleRevoked(t *testing.T) {
	app := newTestApp(t)
	app.sheets.list = func(context.Context, string, string) ([]google.Spreadsheet, error) {
		return nil, google.ErrAuthorizationRequired
	}
	token := app.signIn(t, testSession("google-token"))

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/connect", nil), token)

	if rec.Header().Get("Location") != "/auth/google?redirectTo=%2Fconnect" {
		t.Fatalf("expected Google sign in redirect, got %q", rec.Header().Get("Location"))
	}
}

func TestConnectPageShowsListFailure(t *testing.T) {
	app := newTestApp(t)
	app.sheets.list = func(context.Context, string, string) ([]google.Spreadsheet, error) {
		return nil, errors.New("drive down")
	}
	token := app.signIn(t, testSession("google-token"))

	rec := app.serve(httptest.NewRequest(http.MethodGet, "/connect", nil), token)

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), msgSheetsFailed) {
		t.Fatalf("expected inline failure, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestCreateFromTemplate(t *testing.T) {
	tests := []struct {
		name       string
		templateID string
		kind       notify.Kind
		message    string
	}{
		{"known template", "personal", notify.KindInfo, msgTemplatesNotYet},
		{"no selection", "", notify.KindError, "Please choose a template."},
		{"unknown template", "mortgage", notify.KindError, "Please choose one of the listed templates."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t)
			token := app.signIn(t, testSession(""))

			rec := app.serve(postForm("/templates", url.Values{"templateId": {tt.templateID}}), token)

			if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/" {
				t.Fatalf("expected redirect home, got %d %q", rec.Code, rec.Header().Get("Location"))
			}
			if !hasNotification(app.notifications(token), tt.kind, tt.message) {
				t.Fatalf("expected %s notification %q, got %+v", tt.kind, tt.message, app.notifications(token))
			}
		})
	}
}

func uploadRequest(t *testing.T, path string, fields map[string]string, filename string) *http.Request {
	t.Helper()
	return uploadRequestWithContents(t, path, fields, filename, "fake file contents")
}

func uploadRequestWithContents(t *testing.T, path string, fields map[string]string, filename, contents string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if filename != "" {
		part, err := writer.CreateFormFile(fieldForUpload(path), filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		_, _ = part.Write([]byte(contents))
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func fieldForUpload(path string) string {
	if strings.HasSuffix(path, "/entries") {
		return "image"
	}
	return "file"
}

func TestCreateFromFileSuggestsName(t *testing.T) {
	app := newTestApp(t)
	token := app.signIn(t, testSession(""))

	rec := app.serve(uploadRequest(t, "/upload", nil, "july_2025-statement.pdf"), token)

	if rec.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect home, got %q", rec.Header().Get("Location"))
	}
	if !hasNotification(app.notifications(token), notify.KindInfo, msgFilesNotYet) {
		t.Fatalf("expected info notification, got %+v", app.notifications(token))
	}
}

func TestCreateFromFileInspectsStatement(t *testing.T) {
	app := newTestApp(t)
	token := app.signIn(t, testSession(""))
	statement := "Date,Description,Amount\n2025-07-01,Coffee,-3.50\n2025-07-02,Salary,2000\n"

	rec := app.serve(uploadRequestWithContents(t, "/upload", nil, "july_2025-statement.csv", statement), token)

	if rec.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect home, got %q", rec.Header().Get("Location"))
	}
	want := "Read 2 transactions from 'july 2025 statement' (net 1996.50). " + msgFilesNotYet
	if !hasNotification(app.notifications(token), notify.KindInfo, want) {
		t.Fatalf("expected %q, got %+v", want, app.notifications(token))
	}
}

func TestCreateFromFileRejectsUnreadableStatement(t *testing.T) {
	app := newTestApp(t)
	token := app.signIn(t, testSession(""))

	rec := app.serve(uploadRequestWithContents(t, "/upload", map[string]string{"canvasName": "July"}, "july.csv", "name,notes\nx,y\n"), token)

	if rec.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect home, got %q", rec.Header().Get("Location"))
	}
	want := "We couldn't read that statement: a date and an amount column are required"
	if !hasNotification(app.notifications(token), notify.KindError, want) {
		t.Fatalf("expected %q, got %+v", want, app.notifications(token))
	}
}

func TestCreateFromFileRequiresFile(t *testing.T) {
	app := newTestApp(t)
	token := app.signIn(t, testSession(""))

	rec := app.serve(uploadRequest(t, "/upload", map[string]string{"canvasName": "July"}, ""), token)

	if rec.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect home, got %q", rec.Header().Get("Location"))
	}
	if !hasNotification(app.notifications(token), notify.KindError, "Please choose a file to upload") {
		t.Fatalf("expected file error, got %+v", app.notifications(token))
	}
}

func TestCreateFromFileRequiresName(t *testing.T) {
	app := newTestApp(t)
	token := app.signIn(t, testSession(""))

	rec := app.serve(uploadRequest(t, "/upload", nil, "README"), token)

	if rec.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect home, got %q", rec.Header().Get("Location"))
	}
	if !hasNotification(app.notifications(token), notify.KindError, "Canvas name is required") {
		t.Fatalf("expected name error, got %+v", app.notifications(token))
	}
}

func TestConnectPagePickerSurfacesFailures(t *testing.T) {
	pages, err := newViews(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newViews returned error: %v", err)
	}

	rec := httptest.NewRecorder()
	pages.render(rec, httptest.NewRequest(http.MethodGet, "/connect", nil), http.StatusOK, "connect", page{
		Title: "Connect a sheet",
		Data: connectView{
			Picker: pickerView{APIKey: "key-1", ClientID: "client-1", Token: "google-token"},
		},
	})

	body := rec.Body.String()
	for _, want := range []string{
		`id="picker-error"`,
		"if (r.ok && body.redirectTo)",
		"showError(body.error)",
		"window.location.reload()",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected connect page to contain %q", want)
		}
	}
}
