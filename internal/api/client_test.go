package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"flyn/internal/auth"
)

type sessionStub struct {
	session *auth.Session
	err     error
}

func (s sessionStub) CurrentSession(context.Context) (*auth.Session, error) {
	return s.session, s.err
}

var signedIn = sessionStub{session: &auth.Session{AccessToken: "token-1"}}

func newTestClient(t *testing.T, handler http.HandlerFunc, sessions SessionSource) (*Client, *atomic.Int32, *bytes.Buffer) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	return NewClient(server.URL+"/", sessions, WithHTTPClient(server.Client()), WithLogger(logger)), &calls, &logs
}

func TestEveryEndpointRequiresSession(t *testing.T) {
	client, calls, logs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, sessionStub{})
	ctx := context.Background()

	checks := map[string]func() error{
		"ListCanvases": func() error { _, err := client.ListCanvases(ctx); return err },
		"RegisterSpreadsheet": func() error {
			_, err := client.RegisterSpreadsheet(ctx, "abc123", "July")
			return err
		},
		"RefreshSchema":  func() error { _, err := client.RefreshSchema(ctx, "abc123"); return err },
		"ListWorksheets": func() error { _, err := client.ListWorksheets(ctx, "abc123"); return err },
		"ProcessReceipt": func() error {
			_, err := client.ProcessReceipt(ctx, ReceiptUpload{Image: strings.NewReader("img"), SpreadsheetID: "abc123"})
			return err
		},
		"SaveGoogleRefreshToken": func() error { return client.SaveGoogleRefreshToken(ctx, "refresh") },
	}

	for name, call := range checks {
		t.Run(name, func(t *testing.T) {
			err := call()
			var apiErr *Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "User not authenticated." {
				t.Fatalf("unexpected error %+v", apiErr)
			}
			if !apiErr.Unauthenticated() {
				t.Fatal("expected Unauthenticated to be true")
			}
		})
	}

	if calls.Load() != 0 {
		t.Fatalf("expected zero network requests, got %d", calls.Load())
	}
	if !strings.Contains(logs.String(), "api request failed") {
		t.Fatalf("expected failures to be logged, got %q", logs.String())
	}
}

func TestEmptyAccessTokenCountsAsUnauthenticated(t *testing.T) {
	client, calls, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, sessionStub{session: &auth.Session{}})

	_, err := client.ListCanvases(context.Background())
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 error, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected zero network requests, got %d", calls.Load())
	}
}

func TestErrorMessageNormalisation(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"message field", http.StatusBadRequest, `{"message":"Spreadsheet already registered","detail":"ignored"}`, "Spreadsheet already registered"},
		{"detail field", http.StatusNotFound, `{"detail":"Spreadsheet not found"}`, "Spreadsheet not found"},
		{"neither field", http.StatusInternalServerError, `{"error":"boom"}`, "HTTP Error: 500"},
		{"unparsable body", http.StatusBadGateway, `<html>bad gateway</html>`, "HTTP Error: 502"},
		{"empty body", http.StatusForbidden, ``, "HTTP Error: 403"},
		{"structured detail", http.StatusUnprocessableEntity, `{"detail":[{"msg":"field required"}]}`, `[{"msg":"field required"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, signedIn)

			_, err := client.ListCanvases(context.Background())
			var apiErr *Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if apiErr.Message != tt.message {
				t.Fatalf("expected message %q, got %q", tt.message, apiErr.Message)
			}
			if apiErr.Status != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, apiErr.Status)
			}
		})
	}
}

func TestNoContentYieldsEmptyResult(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, signedIn)

	result, err := client.RefreshSchema(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("RefreshSchema returned error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for 204, got %+v", result)
	}

	created, err := client.RegisterSpreadsheet(context.Background(), "abc123", "July")
	if err != nil || created != nil {
		t.Fatalf("expected nil result for 204, got %+v, %v", created, err)
	}
}

func TestListCanvasesSendsBearerToken(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/canvases" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("expected bearer token, got %q", got)
		}
		_, _ = w.Write([]byte(`[{"id":"c-1","google_spreadsheet_id":"abc123","name":"July","schema_summary":"Date, Amount","updated_at":"2025-07-01T12:00:00Z"}]`))
	}, signedIn)

	canvases, err := client.ListCanvases(context.Background())
	if err != nil {
		t.Fatalf("ListCanvases returned error: %v", err)
	}
	if len(canvases) != 1 || canvases[0].GoogleSpreadsheetID != "abc123" || canvases[0].DisplayName() != "July" {
		t.Fatalf("unexpected canvases %+v", canvases)
	}
}

func TestRegisterSpreadsheetTrimsName(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/spreadsheets" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected JSON content type, got %q", r.Header.Get("Content-Type"))
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["spreadsheet_id"] != "abc123" || body["name"] != "July" {
			t.Errorf("unexpected body %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"s-1","google_spreadsheet_id":"abc123","name":"July"}`))
	}, signedIn)

	created, err := client.RegisterSpreadsheet(context.Background(), "abc123", "  July  ")
	if err != nil {
		t.Fatalf("RegisterSpreadsheet returned error: %v", err)
	}
	if created == nil || created.ID != "s-1" {
		t.Fatalf("unexpected result %+v", created)
	}
}

func TestPathParametersAreEscaped(t *testing.T) {
	var paths []string
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.EscapedPath())
		if strings.HasSuffix(r.URL.Path, "/worksheets") {
			_, _ = w.Write([]byte(`["Transactions","Budget"]`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","summary":"ok"}`))
	}, signedIn)

	if _, err := client.RefreshSchema(context.Background(), "a/b c"); err != nil {
		t.Fatalf("RefreshSchema returned error: %v", err)
	}
	names, err := client.ListWorksheets(context.Background(), "a/b c")
	if err != nil {
		t.Fatalf("ListWorksheets returned error: %v", err)
	}
	if len(names) != 2 || names[0] != "Transactions" {
		t.Fatalf("unexpected worksheets %v", names)
	}

	if paths[0] != "/canvases/a%2Fb%20c/refresh-schema" {
		t.Fatalf("unexpected refresh path %q", paths[0])
	}
	if paths[1] != "/spreadsheets/a%2Fb%20c/worksheets" {
		t.Fatalf("unexpected worksheets path %q", paths[1])
	}
}

func TestProcessReceiptSendsMultipartForm(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		if r.FormValue("spreadsheet_id") != "abc123" || r.FormValue("worksheet_name") != "Transactions" {
			t.Errorf("unexpected fields %v", r.MultipartForm.Value)
		}
		if r.FormValue("note") != "team lunch" {
			t.Errorf("expected note, got %q", r.FormValue("note"))
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("expected image part: %v", err)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "png-bytes" || header.Filename != "receipt.png" {
			t.Errorf("unexpected image %q %q", header.Filename, data)
		}
		_, _ = w.Write([]byte(`{"status":"success","message":"Added 3 items to Transactions"}`))
	}, signedIn)

	result, err := client.ProcessReceipt(context.Background(), ReceiptUpload{
		Image:         strings.NewReader("png-bytes"),
		Filename:      "receipt.png",
		ContentType:   "image/png",
		SpreadsheetID: "abc123",
		WorksheetName: "Transactions",
		Note:          " team lunch ",
	})
	if err != nil {
		t.Fatalf("ProcessReceipt returned error: %v", err)
	}
	if result.Message != "Added 3 items to Transactions" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestProcessReceiptOmitsEmptyNote(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(1 << 20)
		if _, ok := r.MultipartForm.Value["note"]; ok {
			t.Error("expected note field to be omitted")
		}
		_, _ = w.Write([]byte(`{"status":"success","message":"ok"}`))
	}, signedIn)

	if _, err := client.ProcessReceipt(context.Background(), ReceiptUpload{Image: strings.NewReader("x"), SpreadsheetID: "abc123", WorksheetName: "Transactions"}); err != nil {
		t.Fatalf("ProcessReceipt returned error: %v", err)
	}
}

func TestSessionSourceErrorIsReturned(t *testing.T) {
	client, calls, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, sessionStub{err: errors.New("store down")})

	if err := client.SaveGoogleRefreshToken(context.Background(), "refresh"); err == nil || !strings.Contains(err.Error(), "store down") {
		t.Fatalf("expected session error, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected zero network requests, got %d", calls.Load())
	}
}
