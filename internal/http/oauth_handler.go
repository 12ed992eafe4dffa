package http

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"flyn/internal/auth"
)

// oauthFlowPayload is kept in an HttpOnly cookie between the redirect to the provider and the callback.
// The PKCE verifier binds the returned code to this browser.
type oauthFlowPayload struct {
	Verifier   string `json:"v"`
	RedirectTo string `json:"r,omitempty"`
}

// isValidRedirectPath validates that a path is a safe relative redirect.
// It prevents open redirect attacks by ensuring the path:
// - Starts with a single "/" (not "//")
// - Has no scheme or host component
// - Cannot be bypassed via URL encoding
func isValidRedirectPath(path string) bool {
	if path == "" {
		return false
	}

	// Decode to catch encoded bypass attempts like /%2f%2f
	decoded, err := url.QueryUnescape(path)
	if err != nil {
		return false
	}

	// Must start with / but not //
	if !strings.HasPrefix(decoded, "/") || strings.HasPrefix(decoded, "//") || strings.HasPrefix(decoded, "/\\") {
		return false
	}

	// Parse as URL to ensure no scheme or host
	parsed, err := url.Parse(decoded)
	if err != nil {
		return false
	}

	// Reject if it has a scheme or host (would be absolute URL)
	if parsed.Scheme != "" || parsed.Host != "" {
		return false
	}

	return true
}

const (
	oauthFlowCookieName = "flyn_oauth_flow"
	oauthFlowCookiePath = "/auth"
	oauthFlowCookieTTL  = 10 * time.Minute
)

// OAuthHandler runs the Google sign-in redirect through the auth provider.
type OAuthHandler struct {
	authService  *auth.Service
	logger       *slog.Logger
	secureCookie bool
	cookieTTL    time.Duration
}

// NewOAuthHandler creates a new OAuthHandler.
func NewOAuthHandler(authService *auth.Service, env string, cookieTTL time.Duration, logger *slog.Logger) *OAuthHandler {
	return &OAuthHandler{
		authService:  authService,
		logger:       logger,
		secureCookie: !strings.EqualFold(env, "development"),
		cookieTTL:    cookieTTL,
	}
}

// InitiateGoogle handles GET /auth/google
// Redirects the user to the provider's Google consent flow.
func (h *OAuthHandler) InitiateGoogle(w http.ResponseWriter, r *http.Request) {
	authURL, verifier, err := h.authService.SignInWithGoogle()
	if err != nil {
		h.logger.Error("failed to start google sign in", "error", err)
		h.redirectWithError(w, r, "server_error", "Google sign in is not available right now.")
		return
	}

	payload := oauthFlowPayload{Verifier: verifier}
	if redirectTo := r.URL.Query().Get("redirectTo"); isValidRedirectPath(redirectTo) {
		payload.RedirectTo = redirectTo
	}

	// Encode as base64 JSON to keep the cookie value free of delimiters
	payloadJSON, _ := json.Marshal(payload)
	http.SetCookie(w, &http.Cookie{
		Name:     oauthFlowCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(payloadJSON),
		Path:     oauthFlowCookiePath,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(oauthFlowCookieTTL.Seconds()),
	})

	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// Callback handles GET /auth/callback
// Exchanges the authorization code for a provider session and issues the session cookie.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	flowCookie, err := r.Cookie(oauthFlowCookieName)
	if err != nil || flowCookie.Value == "" {
		h.logger.Warn("oauth callback: missing flow cookie")
		h.redirectWithError(w, r, "invalid_request", "Session expired. Please try again.")
		return
	}

	// Clear flow cookie
	http.SetCookie(w, expiredCookie(oauthFlowCookieName, oauthFlowCookiePath, h.secureCookie))

	flowBytes, err := base64.RawURLEncoding.DecodeString(flowCookie.Value)
	if err != nil {
		h.logger.Warn("oauth callback: invalid flow encoding")
		h.redirectWithError(w, r, "invalid_request", "Invalid state. Please try again.")
		return
	}

	var flow oauthFlowPayload
	if err := json.Unmarshal(flowBytes, &flow); err != nil || flow.Verifier == "" {
		h.logger.Warn("oauth callback: invalid flow payload")
		h.redirectWithError(w, r, "invalid_request", "Invalid state. Please try again.")
		return
	}

	redirectTo := "/"
	if isValidRedirectPath(flow.RedirectTo) {
		redirectTo = flow.RedirectTo
	}

	// Check for OAuth error from the provider
	query := r.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		h.logger.Warn("oauth callback: provider error", "error", errParam)
		h.redirectWithError(w, r, errParam, query.Get("error_description"))
		return
	}

	code := query.Get("code")
	if code == "" {
		h.redirectWithError(w, r, "invalid_request", "Missing authorization code.")
		return
	}

	token, session, err := h.authService.ExchangeCodeForSession(r.Context(), code, flow.Verifier, clientInfo(r))
	if err != nil {
		h.logger.Error("oauth callback: exchange failed", "error", err)
		h.redirectWithError(w, r, "exchange_error", "Failed to complete authentication.")
		return
	}

	setSessionCookie(w, token, h.cookieTTL, h.secureCookie)
	h.logger.Info("oauth login successful", "user_id", session.User.ID, "google_access", session.HasGoogleAccess())

	http.Redirect(w, r, redirectTo, http.StatusSeeOther)
}

// redirectWithError redirects to the login page with error details.
func (h *OAuthHandler) redirectWithError(w http.ResponseWriter, r *http.Request, code, message string) {
	target := "/login?error=" + url.QueryEscape(code)
	if message != "" {
		target += "&message=" + url.QueryEscape(message)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
