package http

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"flyn/internal/auth"
	"flyn/internal/canvas"
	"flyn/internal/notify"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush lets streamed proxy responses through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func newSlogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			duration := time.Since(start)
			logger.Info("http request", "method", r.Method, "path", r.URL.Path, "status", recorder.status, "duration", duration.String())
		})
	}
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const sessionKeyContextKey contextKey = "session_key"

// sessionKeyFromContext returns the non-secret key of the request's session, or "".
func sessionKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(sessionKeyContextKey).(string)
	return key
}

// newSessionMiddleware resolves the session cookie on every request. Anonymous requests pass through
// without a session; handlers that need one sit behind requireSession or requireSessionJSON.
func newSessionMiddleware(authService *auth.Service, secureCookie bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(sessionCookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			session, err := authService.GetSession(r.Context(), cookie.Value)
			if err != nil {
				logger.Error("session lookup error", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if session == nil {
				http.SetCookie(w, expiredCookie(sessionCookieName, "/", secureCookie))
				next.ServeHTTP(w, r)
				return
			}

			ctx := auth.WithSession(r.Context(), session)
			ctx = context.WithValue(ctx, sessionKeyContextKey, auth.SessionKey(cookie.Value))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireSession sends anonymous page requests to the login page, remembering where they were going.
func requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.SessionFromContext(r.Context()) == nil {
			target := "/login"
			if r.Method == http.MethodGet && r.URL.Path != "/" {
				target += "?redirectTo=" + url.QueryEscape(r.URL.RequestURI())
			}
			http.Redirect(w, r, target, http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireSessionJSON rejects anonymous API-style requests with 401.
func requireSessionJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.SessionFromContext(r.Context()) == nil {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// newCanvasMiddleware mounts the document view's canvas state for /{id} routes.
func newCanvasMiddleware(registry *canvas.Registry, notices *notify.Hub) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(chi.URLParam(r, "id"))
			key := sessionKeyFromContext(r.Context())
			state := registry.Mount(key, id, notices.For(key))
			next.ServeHTTP(w, r.WithContext(canvas.WithState(r.Context(), state)))
		})
	}
}

// releaseSessionViews tears down a session's document views and notifications once it ends,
// whether through /logout, expiry or a rejected refresh.
func releaseSessionViews(registry *canvas.Registry, notices *notify.Hub, logger *slog.Logger) auth.Listener {
	return func(_ context.Context, event auth.Event, session *auth.Session) {
		if event != auth.EventSignedOut || session == nil || session.Key == "" {
			return
		}
		if closed := registry.UnmountSession(session.Key); closed > 0 {
			logger.Debug("closed document views for ended session", "user_id", session.User.ID, "count", closed)
		}
		notices.Remove(session.Key)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "authentication required")
}

func newSecurityHeadersMiddleware(environment string) func(http.Handler) http.Handler {
	isDev := strings.EqualFold(environment, "development")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Permissions-Policy", "geolocation=(), microphone=()")

			if !isDev {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}

func expiredCookie(name, path string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
