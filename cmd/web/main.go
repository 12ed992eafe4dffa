package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"flyn/internal/api"
	"flyn/internal/auth"
	"flyn/internal/canvas"
	"flyn/internal/catalog"
	"flyn/internal/config"
	"flyn/internal/crypto"
	"flyn/internal/google"
	transporthttp "flyn/internal/http"
	"flyn/internal/markdown"
	"flyn/internal/notify"
	"flyn/internal/platform/database"
	"flyn/internal/platform/logging"
	"flyn/internal/platform/migrate"
	"flyn/internal/secret"
)

const (
	sessionCleanupInterval = time.Hour
	// viewIdleTimeout releases document views and notifications of sessions that went quiet,
	// including sessions the store expired without a sign-out.
	viewIdleTimeout = time.Hour
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel, cfg.Environment)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("flyn web exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var awsCfg aws.Config
	if cfg.SecretsBackend == "ssm" || cfg.SessionStore == "dynamodb" || cfg.TokenKMSKeyID != "" {
		loaded, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		awsCfg = loaded
	}

	if cfg.SecretsBackend == "ssm" {
		if err := cfg.ResolveSecrets(ctx, secret.NewSSMResolver(ssm.NewFromConfig(awsCfg))); err != nil {
			return err
		}
	}

	repo, cleanup, err := buildSessionRepository(ctx, cfg, awsCfg, logger)
	if err != nil {
		return fmt.Errorf("initialize session store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	var encryptor crypto.Encryptor = crypto.PlainEncryptor{}
	if cfg.TokenKMSKeyID != "" {
		encryptor = crypto.NewKMSEncryptor(kms.NewFromConfig(awsCfg), cfg.TokenKMSKeyID)
		logger.Info("encrypting refresh tokens with kms")
	}

	var verifier auth.TokenVerifier
	switch {
	case cfg.AuthJWTSecret != "":
		verifier = auth.NewHMACVerifier(cfg.AuthJWTSecret)
	case cfg.AuthURL != "":
		verifier = auth.NewJWKSVerifier(ctx, cfg.AuthURL)
	}

	providerClient := auth.NewProviderClient(cfg.AuthURL, cfg.AuthAnonKey, cfg.CallbackURL(), config.GoogleScopes)
	authOpts := []auth.ServiceOption{auth.WithLogger(logger)}
	if verifier != nil {
		authOpts = append(authOpts, auth.WithVerifier(verifier))
	}
	authService := auth.NewService(repo, providerClient, encryptor, cfg.SessionTTL, authOpts...)

	backend := api.NewClient(cfg.APIBaseURL, auth.ContextSource{},
		api.WithHTTPClient(&http.Client{Timeout: 2 * time.Minute}),
		api.WithLogger(logger),
	)

	unsubscribe := authService.OnAuthStateChange(forwardGoogleRefreshToken(backend, logger))
	defer unsubscribe()

	templates, err := catalog.Default()
	if err != nil {
		return err
	}

	registry := canvas.NewRegistry(backend, logger)
	notices := notify.NewHub()
	router, err := transporthttp.NewRouter(cfg, transporthttp.Dependencies{
		Auth:      authService,
		Backend:   backend,
		Canvases:  registry,
		Notices:   notices,
		Sheets:    google.NewWorkspace(google.WithHTTPClient(&http.Client{Timeout: 20 * time.Second})),
		Templates: templates,
		Markdown:  markdown.NewRenderer(),
	}, logger)
	if err != nil {
		return err
	}

	go cleanupSessions(ctx, authService, registry, notices, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    http.DefaultMaxHeaderBytes,
	}

	go func() {
		logger.Info("Flyn web listening", "addr", srv.Addr, "store", cfg.SessionStore, "backend", cfg.APIBaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if closed := registry.Close(); closed > 0 {
		logger.Info("closed document views", "count", closed)
	}
	return nil
}

func buildSessionRepository(ctx context.Context, cfg config.Config, awsCfg aws.Config, logger *slog.Logger) (auth.Repository, func(), error) {
	switch cfg.SessionStore {
	case "postgres":
		db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			_ = db.Close()
		}
		if err := migrate.Apply(ctx, db, logger); err != nil {
			cleanup()
			return nil, nil, err
		}
		logger.Info("connected to postgres")
		return auth.NewPostgresRepository(db), cleanup, nil

	case "dynamodb":
		logger.Info("using dynamodb session store", "table", cfg.SessionsTable)
		return auth.NewDynamoDBRepository(dynamodb.NewFromConfig(awsCfg), cfg.SessionsTable), nil, nil

	default:
		logger.Info("using in-memory session store")
		return auth.NewMemoryRepository(), nil, nil
	}
}

// forwardGoogleRefreshToken hands a freshly issued Google refresh token to the backend so it can
// reach the user's sheets outside a browser request.
func forwardGoogleRefreshToken(backend *api.Client, logger *slog.Logger) auth.Listener {
	return func(ctx context.Context, event auth.Event, session *auth.Session) {
		if event != auth.EventSignedIn || session == nil || session.ProviderRefreshToken == "" {
			return
		}
		saveCtx, cancel := context.WithTimeout(auth.WithSession(context.WithoutCancel(ctx), session), 15*time.Second)
		go func() {
			defer cancel()
			if err := backend.SaveGoogleRefreshToken(saveCtx, session.ProviderRefreshToken); err != nil {
				logger.Error("failed to save google refresh token", "user_id", session.User.ID, "error", err)
				return
			}
			logger.Info("saved google refresh token", "user_id", session.User.ID)
		}()
	}
}

func cleanupSessions(ctx context.Context, authService *auth.Service, registry *canvas.Registry, notices *notify.Hub, logger *slog.Logger) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepIdle(registry, notices, viewIdleTimeout, logger)
			removed, err := authService.CleanupExpiredSessions(ctx)
			if err != nil {
				logger.Warn("session cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("removed expired sessions", "count", removed)
			}
		}
	}
}

func sweepIdle(registry *canvas.Registry, notices *notify.Hub, idle time.Duration, logger *slog.Logger) {
	views := registry.Sweep(idle)
	centers := notices.Sweep(idle)
	if views > 0 || centers > 0 {
		logger.Info("released idle document views", "views", views, "notification_centers", centers)
	}
}
