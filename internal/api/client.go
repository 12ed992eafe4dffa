// Package api is the authorized HTTP client for the Flyn backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"flyn/internal/auth"
)

// Error is a failed backend call. Status is the HTTP status, or 401 when no session was available.
type Error struct {
	Message string
	Status  int
}

func (e *Error) Error() string {
	return e.Message
}

// Unauthenticated reports whether the call failed for lack of a signed-in user.
func (e *Error) Unauthenticated() bool {
	return e.Status == http.StatusUnauthorized
}

const unauthenticatedMessage = "User not authenticated."

// SessionSource yields the session whose access token authorizes backend calls.
type SessionSource interface {
	CurrentSession(ctx context.Context) (*auth.Session, error)
}

// Client issues one HTTP request per backend operation.
type Client struct {
	baseURL  string
	sessions SessionSource
	client   *http.Client
	logger   *slog.Logger
}

// Option configures the Client during construction.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithLogger sets the logger that records failed calls.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient constructs a Client for the backend at baseURL.
func NewClient(baseURL string, sessions SessionSource, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		sessions: sessions,
		client:   &http.Client{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type request struct {
	method      string
	endpoint    string
	body        io.Reader
	contentType string
}

func jsonRequest(method, endpoint string, payload any) (request, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return request{}, fmt.Errorf("encode %s body: %w", endpoint, err)
	}
	return request{method: method, endpoint: endpoint, body: &buf, contentType: "application/json"}, nil
}

// do sends r with the session's bearer token and decodes a success body into dst.
// It reports false when the response was 204 or dst is nil.
func (c *Client) do(ctx context.Context, r request, dst any) (bool, error) {
	session, err := c.sessions.CurrentSession(ctx)
	if err != nil {
		return false, c.fail(r.endpoint, fmt.Errorf("load session: %w", err))
	}
	if session == nil || session.AccessToken == "" {
		return false, c.fail(r.endpoint, &Error{Message: unauthenticatedMessage, Status: http.StatusUnauthorized})
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.endpoint, r.body)
	if err != nil {
		return false, c.fail(r.endpoint, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, c.fail(r.endpoint, fmt.Errorf("call backend: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, c.fail(r.endpoint, errorFromResponse(resp))
	}
	if resp.StatusCode == http.StatusNoContent || dst == nil {
		return false, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return false, c.fail(r.endpoint, fmt.Errorf("decode response: %w", err))
	}
	return true, nil
}

func (c *Client) fail(endpoint string, err error) error {
	attrs := []any{"endpoint", endpoint, "error", err}
	if apiErr, ok := err.(*Error); ok {
		attrs = append(attrs, "status", apiErr.Status)
	}
	c.logger.Error("api request failed", attrs...)
	return err
}

func errorFromResponse(resp *http.Response) *Error {
	var body struct {
		Message any `json:"message"`
		Detail  any `json:"detail"`
	}
	// Unparsable bodies count as an empty object.
	_ = json.NewDecoder(resp.Body).Decode(&body)

	message := textField(body.Message)
	if message == "" {
		message = textField(body.Detail)
	}
	if message == "" {
		message = fmt.Sprintf("HTTP Error: %d", resp.StatusCode)
	}
	return &Error{Message: message, Status: resp.StatusCode}
}

// textField renders message/detail values. Validation errors send detail as a list of objects.
func textField(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}
