package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"flyn/internal/api"
	"flyn/internal/auth"
	"flyn/internal/canvas"
	"flyn/internal/catalog"
	"flyn/internal/config"
	"flyn/internal/markdown"
	"flyn/internal/notify"
)

// Dependencies are the services the web front-end is built from.
type Dependencies struct {
	Auth      *auth.Service
	Backend   *api.Client
	Canvases  *canvas.Registry
	Notices   *notify.Hub
	Sheets    spreadsheetSource
	Templates *catalog.Catalog
	Markdown  *markdown.Renderer
}

// NewRouter wires application routes and middleware using chi.
func NewRouter(cfg config.Config, deps Dependencies, logger *slog.Logger) (http.Handler, error) {
	pages, err := newViews(logger)
	if err != nil {
		return nil, err
	}
	proxy, err := newBackendProxy(cfg.APIBaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("backend proxy: %w", err)
	}

	secureCookie := !cfg.IsDevelopment()
	sessionHandler := NewSessionHandler(deps.Auth, pages, deps.Canvases, deps.Notices, cfg.Environment, cfg.SessionTTL, logger)
	oauthHandler := NewOAuthHandler(deps.Auth, cfg.Environment, cfg.SessionTTL, logger)
	homeHandler := NewHomeHandler(deps.Backend, deps.Sheets, deps.Templates, deps.Markdown, deps.Notices, pages,
		PickerConfig{APIKey: cfg.GoogleAPIKey, ClientID: cfg.GoogleClientID}, logger)
	documentHandler := NewDocumentHandler(deps.Backend, deps.Sheets, deps.Canvases, deps.Notices, pages, logger)
	notificationHandler := NewNotificationHandler(deps.Notices)

	deps.Auth.OnAuthStateChange(releaseSessionViews(deps.Canvases, deps.Notices, logger))

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(newSlogMiddleware(logger))
	r.Use(newSecurityHeadersMiddleware(cfg.Environment))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"environment": cfg.Environment,
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(newSessionMiddleware(deps.Auth, secureCookie, logger))

		// The proxy streams uploads and long backend operations, so it is not bound by the page timeout.
		r.Route("/api", func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:   cfg.AllowedOrigins,
				AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRF-Token"},
				ExposedHeaders:   []string{"Link"},
				AllowCredentials: true,
				MaxAge:           300,
			}))
			r.Handle("/*", proxy)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/login", sessionHandler.LoginPage)
			r.Post("/login", sessionHandler.Login)
			r.Get("/signup", sessionHandler.SignupPage)
			r.Post("/signup", sessionHandler.Signup)
			r.Post("/logout", sessionHandler.Logout)

			r.Route("/auth", func(r chi.Router) {
				r.Get("/google", oauthHandler.InitiateGoogle)
				r.Get("/callback", oauthHandler.Callback)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireSessionJSON)
				r.Get("/notifications", notificationHandler.List)
				r.Delete("/notifications/{id}", notificationHandler.Dismiss)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireSession)

				r.Get("/", homeHandler.Home)
				r.Get("/connect", homeHandler.ConnectPage)
				r.Post("/connect", homeHandler.Connect)
				r.Post("/templates", homeHandler.CreateFromTemplate)
				r.Post("/upload", homeHandler.CreateFromFile)

				canvasView := newCanvasMiddleware(deps.Canvases, deps.Notices)
				r.With(canvasView).Get("/sheet/{id}", documentHandler.Sheet)
				r.With(canvasView).Get("/sheet/{id}/export", documentHandler.ExportSheet)
				r.Route("/document/{id}", func(r chi.Router) {
					r.Post("/close", documentHandler.Close)
					r.Group(func(r chi.Router) {
						r.Use(canvasView)
						r.Get("/", documentHandler.Document)
						r.Post("/refresh-schema", documentHandler.RefreshSchema)
						r.Post("/entries", documentHandler.AddEntry)
						r.Get("/worksheets", documentHandler.Worksheets)
					})
				})
			})
		})
	})

	r.NotFound(http.NotFoundHandler().ServeHTTP)

	return r, nil
}
