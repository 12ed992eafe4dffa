package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"flyn/internal/auth"
	"flyn/internal/canvas"
	"flyn/internal/forms"
	"flyn/internal/notify"
)

const sessionCookieName = "flyn_session"

const (
	msgConfirmEmail       = "Check your email to confirm your account, then sign in."
	msgSignInFailed       = "Failed to sign in. Please try again."
	msgSignUpFailed       = "Failed to create your account. Please try again."
	msgInvalidCredentials = "Invalid email or password."
)

type loginView struct {
	Email      string
	RedirectTo string
	Errors     forms.Errors
	Message    string
	Notice     string
}

type signupView struct {
	FullName string
	Email    string
	Errors   forms.Errors
	Message  string
}

// SessionHandler serves the email/password login and signup pages and signs users out.
type SessionHandler struct {
	authService  *auth.Service
	views        *views
	canvases     *canvas.Registry
	notices      *notify.Hub
	logger       *slog.Logger
	secureCookie bool
	cookieTTL    time.Duration
}

// NewSessionHandler returns a handler issuing session cookies that live for cookieTTL.
func NewSessionHandler(authService *auth.Service, views *views, canvases *canvas.Registry, notices *notify.Hub, env string, cookieTTL time.Duration, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		authService:  authService,
		views:        views,
		canvases:     canvases,
		notices:      notices,
		logger:       logger,
		secureCookie: !strings.EqualFold(env, "development"),
		cookieTTL:    cookieTTL,
	}
}

// LoginPage handles GET /login. Errors from the OAuth callback arrive as query parameters.
func (h *SessionHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	if auth.SessionFromContext(r.Context()) != nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	query := r.URL.Query()
	view := loginView{Message: query.Get("message"), Notice: query.Get("notice")}
	if redirectTo := query.Get("redirectTo"); isValidRedirectPath(redirectTo) {
		view.RedirectTo = redirectTo
	}
	h.views.render(w, r, http.StatusOK, "login", page{Title: "Sign in", Data: view})
}

// Login handles POST /login. Invalid input is rejected before the auth provider is contacted.
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	form := forms.Login{
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}
	view := loginView{Email: form.Email}
	if redirectTo := r.PostFormValue("redirectTo"); isValidRedirectPath(redirectTo) {
		view.RedirectTo = redirectTo
	}

	if errs := form.Validate(); !errs.Valid() {
		view.Errors = errs
		h.views.render(w, r, http.StatusUnprocessableEntity, "login", page{Title: "Sign in", Data: view})
		return
	}

	token, session, err := h.authService.SignInWithPassword(r.Context(), form.Email, form.Password, clientInfo(r))
	if err != nil {
		h.logger.Warn("password sign in failed", "error", err)
		view.Message = providerMessage(err, msgInvalidCredentials, msgSignInFailed)
		h.views.render(w, r, http.StatusUnauthorized, "login", page{Title: "Sign in", Data: view})
		return
	}

	h.setSessionCookie(w, token)
	h.logger.Info("password login successful", "user_id", session.User.ID)

	target := "/"
	if view.RedirectTo != "" {
		target = view.RedirectTo
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// SignupPage handles GET /signup.
func (h *SessionHandler) SignupPage(w http.ResponseWriter, r *http.Request) {
	if auth.SessionFromContext(r.Context()) != nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	h.views.render(w, r, http.StatusOK, "signup", page{Title: "Sign up", Data: signupView{}})
}

// Signup handles POST /signup.
func (h *SessionHandler) Signup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	form := forms.Signup{
		FullName: strings.TrimSpace(r.PostFormValue("fullName")),
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}
	view := signupView{FullName: form.FullName, Email: form.Email}

	if errs := form.Validate(); !errs.Valid() {
		view.Errors = errs
		h.views.render(w, r, http.StatusUnprocessableEntity, "signup", page{Title: "Sign up", Data: view})
		return
	}

	token, session, err := h.authService.SignUp(r.Context(), form.FullName, form.Email, form.Password, clientInfo(r))
	if errors.Is(err, auth.ErrConfirmationRequired) {
		h.views.render(w, r, http.StatusOK, "login", page{
			Title: "Sign in",
			Data:  loginView{Email: form.Email, Notice: msgConfirmEmail},
		})
		return
	}
	if err != nil {
		h.logger.Warn("sign up failed", "error", err)
		view.Message = providerMessage(err, "", msgSignUpFailed)
		h.views.render(w, r, http.StatusBadRequest, "signup", page{Title: "Sign up", Data: view})
		return
	}

	h.setSessionCookie(w, token)
	h.logger.Info("sign up successful", "user_id", session.User.ID)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// Logout handles POST /logout: the session ends, open document views are torn down and the
// browser lands on the login page.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if err := h.authService.SignOut(r.Context(), cookie.Value); err != nil {
			h.logger.Error("sign out failed", "error", err)
		}
		key := auth.SessionKey(cookie.Value)
		if closed := h.canvases.UnmountSession(key); closed > 0 {
			h.logger.Debug("closed document views on sign out", "count", closed)
		}
		h.notices.Remove(key)
	}

	http.SetCookie(w, expiredCookie(sessionCookieName, "/", h.secureCookie))
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (h *SessionHandler) setSessionCookie(w http.ResponseWriter, token string) {
	setSessionCookie(w, token, h.cookieTTL, h.secureCookie)
}

func setSessionCookie(w http.ResponseWriter, token string, ttl time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
		Expires:  time.Now().Add(ttl),
	})
}

func clientInfo(r *http.Request) auth.ClientInfo {
	return auth.ClientInfo{UserAgent: r.UserAgent(), IPAddress: clientIPFromRequest(r)}
}

// providerMessage turns an auth provider failure into page text. Client errors with no message of
// their own use rejected; everything else uses fallback.
func providerMessage(err error, rejected, fallback string) string {
	var providerErr *auth.ProviderError
	if errors.As(err, &providerErr) && providerErr.ClientError() {
		if providerErr.Message != "" {
			return providerErr.Message
		}
		if rejected != "" {
			return rejected
		}
	}
	return fallback
}
