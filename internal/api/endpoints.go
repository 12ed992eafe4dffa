package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Canvas is a registered spreadsheet shown on the dashboard.
type Canvas struct {
	ID                  string    `json:"id"`
	GoogleSpreadsheetID string    `json:"google_spreadsheet_id"`
	Name                string    `json:"name"`
	SchemaSummary       string    `json:"schema_summary"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DisplayName falls back to the spreadsheet id for unnamed canvases.
func (c Canvas) DisplayName() string {
	if strings.TrimSpace(c.Name) != "" {
		return c.Name
	}
	return c.GoogleSpreadsheetID
}

// Spreadsheet is the record the backend creates when a sheet is registered.
type Spreadsheet struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	GoogleSpreadsheetID string    `json:"google_spreadsheet_id"`
	Name                string    `json:"name"`
	CreatedAt           time.Time `json:"created_at"`
}

// StatusMessage is the status/message object returned by long-running backend operations.
type StatusMessage struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// ListCanvases returns the canvases registered to the signed-in user.
func (c *Client) ListCanvases(ctx context.Context) ([]Canvas, error) {
	var canvases []Canvas
	if _, err := c.do(ctx, request{method: http.MethodGet, endpoint: "/canvases"}, &canvases); err != nil {
		return nil, err
	}
	return canvases, nil
}

// RegisterSpreadsheet registers a Google spreadsheet as a canvas. The name is trimmed.
// A nil result means the backend answered 204.
func (c *Client) RegisterSpreadsheet(ctx context.Context, spreadsheetID, name string) (*Spreadsheet, error) {
	r, err := jsonRequest(http.MethodPost, "/spreadsheets", map[string]string{
		"spreadsheet_id": spreadsheetID,
		"name":           strings.TrimSpace(name),
	})
	if err != nil {
		return nil, err
	}

	var created Spreadsheet
	ok, err := c.do(ctx, r, &created)
	if err != nil || !ok {
		return nil, err
	}
	return &created, nil
}

// RefreshSchema asks the backend to re-analyze the spreadsheet's structure.
func (c *Client) RefreshSchema(ctx context.Context, spreadsheetID string) (*StatusMessage, error) {
	endpoint := "/canvases/" + url.PathEscape(spreadsheetID) + "/refresh-schema"

	var result StatusMessage
	ok, err := c.do(ctx, request{method: http.MethodPost, endpoint: endpoint}, &result)
	if err != nil || !ok {
		return nil, err
	}
	return &result, nil
}

// ListWorksheets returns the worksheet names of a spreadsheet.
func (c *Client) ListWorksheets(ctx context.Context, spreadsheetID string) ([]string, error) {
	endpoint := "/spreadsheets/" + url.PathEscape(spreadsheetID) + "/worksheets"

	var names []string
	if _, err := c.do(ctx, request{method: http.MethodGet, endpoint: endpoint}, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// SaveGoogleRefreshToken hands the user's Google refresh token to the backend.
func (c *Client) SaveGoogleRefreshToken(ctx context.Context, refreshToken string) error {
	r, err := jsonRequest(http.MethodPost, "/users/me/google-token", map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, r, nil)
	return err
}
