package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrConfirmationRequired is returned by SignUp when the provider wants the email confirmed first.
	ErrConfirmationRequired = errors.New("check your email to confirm your account")
	// ErrProviderNotConfigured is returned when SUPABASE_URL is unset.
	ErrProviderNotConfigured = errors.New("auth provider URL is not configured")
)

// ProviderError is a non-success response from the auth provider.
type ProviderError struct {
	Status  int
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("auth provider returned status %d", e.Status)
}

// ClientError reports a 4xx answer whose message is meant for the user.
func (e *ProviderError) ClientError() bool {
	return e.Status >= 400 && e.Status < 500
}

// Rejected reports whether the provider refused the credentials themselves. Throttling and request
// timeouts are not rejections.
func (e *ProviderError) Rejected() bool {
	switch e.Code {
	case "invalid_grant", "refresh_token_not_found", "refresh_token_already_used", "session_not_found":
		return true
	}
	switch e.Status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// ProviderClient talks to a Supabase-compatible GoTrue HTTP API.
type ProviderClient struct {
	baseURL     string
	anonKey     string
	redirectURL string
	scopes      []string
	client      *http.Client
}

// ProviderOption configures the ProviderClient during construction.
type ProviderOption func(*ProviderClient)

// WithHTTPClient overrides the client used for provider calls.
func WithHTTPClient(client *http.Client) ProviderOption {
	return func(p *ProviderClient) {
		if client != nil {
			p.client = client
		}
	}
}

// NewProviderClient creates a client for the auth provider at baseURL.
// redirectURL is the OAuth callback on this origin; scopes are requested from Google on sign-in.
func NewProviderClient(baseURL, anonKey, redirectURL string, scopes []string, opts ...ProviderOption) *ProviderClient {
	p := &ProviderClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		anonKey:     anonKey,
		redirectURL: redirectURL,
		scopes:      scopes,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SignInWithGoogle returns the provider authorize URL and the PKCE verifier that must be presented
// with the authorization code on callback. The request forces consent so a refresh token is issued.
func (p *ProviderClient) SignInWithGoogle() (string, string, error) {
	if p.baseURL == "" {
		return "", "", ErrProviderNotConfigured
	}

	verifier := oauth2.GenerateVerifier()
	values := url.Values{}
	values.Set("provider", "google")
	values.Set("redirect_to", p.redirectURL)
	values.Set("scopes", strings.Join(p.scopes, " "))
	values.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
	values.Set("code_challenge_method", "s256")
	values.Set("access_type", "offline")
	values.Set("prompt", "consent")

	return p.baseURL + "/auth/v1/authorize?" + values.Encode(), verifier, nil
}

// ExchangeCode trades the callback's authorization code for a session.
func (p *ProviderClient) ExchangeCode(ctx context.Context, code, verifier string) (*Session, error) {
	payload := map[string]string{"auth_code": code, "code_verifier": verifier}
	return p.tokenRequest(ctx, "pkce", payload)
}

// SignInWithPassword authenticates an email/password account.
func (p *ProviderClient) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	payload := map[string]string{"email": email, "password": password}
	return p.tokenRequest(ctx, "password", payload)
}

// Refresh exchanges a refresh token for a new session.
func (p *ProviderClient) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	payload := map[string]string{"refresh_token": refreshToken}
	return p.tokenRequest(ctx, "refresh_token", payload)
}

// SignUp registers an email/password account. When the provider requires email confirmation no
// session is issued and ErrConfirmationRequired is returned.
func (p *ProviderClient) SignUp(ctx context.Context, fullName, email, password string) (*Session, error) {
	payload := map[string]any{
		"email":    email,
		"password": password,
		"data":     map[string]string{"full_name": fullName},
	}

	var resp tokenResponse
	if err := p.post(ctx, "/auth/v1/signup", "", payload, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, ErrConfirmationRequired
	}
	return resp.toSession(time.Now()), nil
}

// SignOut revokes the session's refresh tokens at the provider.
func (p *ProviderClient) SignOut(ctx context.Context, accessToken string) error {
	return p.post(ctx, "/auth/v1/logout", accessToken, nil, nil)
}

func (p *ProviderClient) tokenRequest(ctx context.Context, grantType string, payload any) (*Session, error) {
	var resp tokenResponse
	if err := p.post(ctx, "/auth/v1/token?grant_type="+url.QueryEscape(grantType), "", payload, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("auth provider returned no access token")
	}
	return resp.toSession(time.Now()), nil
}

func (p *ProviderClient) post(ctx context.Context, path, bearer string, payload, dst any) error {
	if p.baseURL == "" {
		return ErrProviderNotConfigured
	}

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return fmt.Errorf("encode auth request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, &body)
	if err != nil {
		return fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("apikey", p.anonKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("call auth provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var problem struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
			ErrorCode        string `json:"error_code"`
			Msg              string `json:"msg"`
			Message          string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&problem)
		message := firstNonEmpty(problem.ErrorDescription, problem.Msg, problem.Message, problem.Error)
		return &ProviderError{Status: resp.StatusCode, Code: firstNonEmpty(problem.ErrorCode, problem.Error), Message: message}
	}

	if dst == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	return nil
}

type tokenResponse struct {
	AccessToken          string `json:"access_token"`
	RefreshToken         string `json:"refresh_token"`
	ExpiresIn            int64  `json:"expires_in"`
	ExpiresAt            int64  `json:"expires_at"`
	ProviderToken        string `json:"provider_token"`
	ProviderRefreshToken string `json:"provider_refresh_token"`
	User                 struct {
		ID           string `json:"id"`
		Email        string `json:"email"`
		UserMetadata struct {
			FullName  string `json:"full_name"`
			Name      string `json:"name"`
			AvatarURL string `json:"avatar_url"`
			Picture   string `json:"picture"`
		} `json:"user_metadata"`
	} `json:"user"`
}

func (r tokenResponse) toSession(now time.Time) *Session {
	session := &Session{
		AccessToken:          r.AccessToken,
		RefreshToken:         r.RefreshToken,
		ProviderToken:        r.ProviderToken,
		ProviderRefreshToken: r.ProviderRefreshToken,
		User: User{
			ID:        r.User.ID,
			Email:     r.User.Email,
			FullName:  firstNonEmpty(r.User.UserMetadata.FullName, r.User.UserMetadata.Name),
			AvatarURL: firstNonEmpty(r.User.UserMetadata.AvatarURL, r.User.UserMetadata.Picture),
		},
	}
	switch {
	case r.ExpiresAt > 0:
		session.ExpiresAt = time.Unix(r.ExpiresAt, 0)
	case r.ExpiresIn > 0:
		session.ExpiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return session
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
