// Package google lists and previews the user's spreadsheets with their Google access token.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const spreadsheetMimeType = "application/vnd.google-apps.spreadsheet"

// ErrAuthorizationRequired means the Google token is missing, expired or lacks the needed scopes.
var ErrAuthorizationRequired = errors.New("google authorization is required")

// Spreadsheet is one pickable file from the user's Drive.
type Spreadsheet struct {
	ID           string
	Name         string
	ModifiedTime time.Time
	WebViewLink  string
}

// SheetPreview is the leading rows of one worksheet.
type SheetPreview struct {
	Title string
	Rows  [][]string
}

// Preview is a read-only rendering of a spreadsheet.
type Preview struct {
	ID     string
	Title  string
	Sheets []SheetPreview
}

// Workspace calls the Drive and Sheets APIs on behalf of the signed-in user.
type Workspace struct {
	baseClient *http.Client
	endpoint   string
	pageSize   int64
}

// Option configures the Workspace during construction.
type Option func(*Workspace)

// WithHTTPClient sets the transport used underneath the per-user OAuth client.
func WithHTTPClient(client *http.Client) Option {
	return func(w *Workspace) {
		w.baseClient = client
	}
}

// WithEndpoint points both APIs at another base URL.
func WithEndpoint(endpoint string) Option {
	return func(w *Workspace) {
		w.endpoint = strings.TrimRight(endpoint, "/") + "/"
	}
}

// NewWorkspace constructs a Workspace.
func NewWorkspace(opts ...Option) *Workspace {
	w := &Workspace{pageSize: 50}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Workspace) clientOptions(ctx context.Context, accessToken string) []option.ClientOption {
	if w.baseClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, w.baseClient)
	}
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, tokenSource))}
	if w.endpoint != "" {
		opts = append(opts, option.WithEndpoint(w.endpoint))
	}
	return opts
}

// ListSpreadsheets returns the user's spreadsheets, most recently modified first.
// A non-empty query narrows the list by name.
func (w *Workspace) ListSpreadsheets(ctx context.Context, accessToken, query string) ([]Spreadsheet, error) {
	if accessToken == "" {
		return nil, ErrAuthorizationRequired
	}

	srv, err := drive.NewService(ctx, w.clientOptions(ctx, accessToken)...)
	if err != nil {
		return nil, fmt.Errorf("create drive client: %w", err)
	}

	q := fmt.Sprintf("mimeType = '%s' and trashed = false", spreadsheetMimeType)
	if query = strings.TrimSpace(query); query != "" {
		q += fmt.Sprintf(" and name contains '%s'", escapeQuery(query))
	}

	r, err := srv.Files.List().
		Q(q).
		OrderBy("modifiedTime desc").
		PageSize(w.pageSize).
		Fields(googleapi.Field("files(id, name, modifiedTime, webViewLink)")).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("list spreadsheets", err)
	}

	files := make([]Spreadsheet, 0, len(r.Files))
	for _, f := range r.Files {
		modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
		files = append(files, Spreadsheet{
			ID:           f.Id,
			Name:         f.Name,
			ModifiedTime: modified,
			WebViewLink:  f.WebViewLink,
		})
	}
	return files, nil
}

// GetSpreadsheetName returns the Drive name of one spreadsheet.
func (w *Workspace) GetSpreadsheetName(ctx context.Context, accessToken, spreadsheetID string) (string, error) {
	if accessToken == "" {
		return "", ErrAuthorizationRequired
	}

	srv, err := drive.NewService(ctx, w.clientOptions(ctx, accessToken)...)
	if err != nil {
		return "", fmt.Errorf("create drive client: %w", err)
	}

	f, err := srv.Files.Get(spreadsheetID).Fields("id, name, mimeType").Context(ctx).Do()
	if err != nil {
		return "", classify("get spreadsheet", err)
	}
	if f.MimeType != spreadsheetMimeType {
		return "", fmt.Errorf("file %s is not a spreadsheet", spreadsheetID)
	}
	return f.Name, nil
}

// PreviewSpreadsheet returns up to maxRows rows from each of the first worksheets.
func (w *Workspace) PreviewSpreadsheet(ctx context.Context, accessToken, spreadsheetID string, maxRows int) (*Preview, error) {
	if accessToken == "" {
		return nil, ErrAuthorizationRequired
	}
	if maxRows <= 0 {
		maxRows = 50
	}

	srv, err := sheets.NewService(ctx, w.clientOptions(ctx, accessToken)...)
	if err != nil {
		return nil, fmt.Errorf("create sheets client: %w", err)
	}

	meta, err := srv.Spreadsheets.Get(spreadsheetID).
		Fields(googleapi.Field("spreadsheetId,properties.title,sheets.properties.title")).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("get spreadsheet", err)
	}

	preview := &Preview{ID: spreadsheetID}
	if meta.Properties != nil {
		preview.Title = meta.Properties.Title
	}

	var ranges []string
	for _, sheet := range meta.Sheets {
		if sheet.Properties == nil {
			continue
		}
		ranges = append(ranges, fmt.Sprintf("'%s'!1:%d", strings.ReplaceAll(sheet.Properties.Title, "'", "''"), maxRows))
		preview.Sheets = append(preview.Sheets, SheetPreview{Title: sheet.Properties.Title})
		if len(ranges) == 10 {
			break
		}
	}
	if len(ranges) == 0 {
		return preview, nil
	}

	values, err := srv.Spreadsheets.Values.BatchGet(spreadsheetID).
		Ranges(ranges...).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("read spreadsheet values", err)
	}

	for i, vr := range values.ValueRanges {
		if i >= len(preview.Sheets) {
			break
		}
		preview.Sheets[i].Rows = stringRows(vr.Values)
	}
	return preview, nil
}

func stringRows(values [][]interface{}) [][]string {
	rows := make([][]string, 0, len(values))
	for _, row := range values {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = fmt.Sprint(cell)
		}
		rows = append(rows, cells)
	}
	return rows
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", `\'`)
}

func classify(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden) {
		return fmt.Errorf("%s: %w", op, ErrAuthorizationRequired)
	}
	return fmt.Errorf("%s: %w", op, err)
}
