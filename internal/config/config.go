package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates runtime configuration for the Flyn web front-end.
type Config struct {
	Environment    string
	HTTPPort       int
	LogLevel       string
	PublicURL      string
	AllowedOrigins []string

	// APIBaseURL is the backend every API client call is issued against.
	APIBaseURL string

	AuthURL       string
	AuthAnonKey   string
	AuthJWTSecret string

	GoogleAPIKey   string
	GoogleClientID string

	SessionStore   string
	SessionTTL     time.Duration
	DatabaseURL    string
	SessionsTable  string
	TokenKMSKeyID  string
	SecretsBackend string
}

// SecretSource resolves secrets that are not supplied through the environment.
type SecretSource interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// GoogleScopes lists the OAuth scopes requested when signing in with Google.
var GoogleScopes = []string{
	"https://www.googleapis.com/auth/spreadsheets",
	"https://www.googleapis.com/auth/drive.readonly",
}

const (
	defaultAPIBaseURL = "http://localhost:8000"
	defaultPublicURL  = "http://localhost:3000"
)

// Load reads configuration from environment variables with sensible defaults for local development.
// Auth provider and picker keys are not validated here; a missing value surfaces when the provider is called.
func Load() (Config, error) {
	anonKey, err := getEnvOrFile("SUPABASE_ANON_KEY", "/run/secrets/flyn_supabase_anon_key")
	if err != nil {
		return Config{}, err
	}

	jwtSecret, err := getEnvOrFile("SUPABASE_JWT_SECRET", "/run/secrets/flyn_supabase_jwt_secret")
	if err != nil {
		return Config{}, err
	}

	databaseURL, err := getEnvOrFile("DATABASE_URL", "/run/secrets/flyn_database_url")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment:    getEnv("APP_ENV", "development"),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		PublicURL:      strings.TrimRight(getEnv("PUBLIC_URL", defaultPublicURL), "/"),
		AllowedOrigins: parseCSV(getEnv("ALLOWED_ORIGINS", defaultPublicURL)),
		APIBaseURL:     strings.TrimRight(getEnv("API_BASE_URL", defaultAPIBaseURL), "/"),
		AuthURL:        strings.TrimRight(getEnv("SUPABASE_URL", ""), "/"),
		AuthAnonKey:    strings.TrimSpace(anonKey),
		AuthJWTSecret:  strings.TrimSpace(jwtSecret),
		GoogleAPIKey:   getEnv("GOOGLE_API_KEY", ""),
		GoogleClientID: getEnv("GOOGLE_CLIENT_ID", ""),
		SessionStore:   strings.ToLower(getEnv("SESSION_STORE", "memory")),
		DatabaseURL:    databaseURL,
		SessionsTable:  getEnv("SESSIONS_TABLE", "FlynSessions"),
		TokenKMSKeyID:  getEnv("TOKEN_KMS_KEY_ID", ""),
		SecretsBackend: strings.ToLower(getEnv("SECRETS_BACKEND", "env")),
	}

	portValue := getEnv("PORT", getEnv("HTTP_PORT", "3000"))
	port, err := strconv.Atoi(portValue)
	if err != nil {
		return Config{}, fmt.Errorf("invalid port %q: %w", portValue, err)
	}
	cfg.HTTPPort = port

	ttlValue := getEnv("SESSION_TTL", "168h")
	ttl, err := time.ParseDuration(ttlValue)
	if err != nil || ttl <= 0 {
		return Config{}, fmt.Errorf("invalid SESSION_TTL %q", ttlValue)
	}
	cfg.SessionTTL = ttl

	switch cfg.SessionStore {
	case "memory", "dynamodb":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("SESSION_STORE is postgres but DATABASE_URL is not set")
		}
	default:
		return Config{}, fmt.Errorf("unsupported SESSION_STORE %q", cfg.SessionStore)
	}

	if cfg.SecretsBackend != "env" && cfg.SecretsBackend != "ssm" {
		return Config{}, fmt.Errorf("unsupported SECRETS_BACKEND %q", cfg.SecretsBackend)
	}

	return cfg, nil
}

// ResolveSecrets fills secrets left empty by Load from the given source.
// Parameter names come from the *_PARAM variables, e.g. SUPABASE_ANON_KEY_PARAM.
func (c *Config) ResolveSecrets(ctx context.Context, source SecretSource) error {
	targets := []struct {
		key   string
		value *string
	}{
		{"SUPABASE_ANON_KEY", &c.AuthAnonKey},
		{"SUPABASE_JWT_SECRET", &c.AuthJWTSecret},
		{"GOOGLE_API_KEY", &c.GoogleAPIKey},
	}

	for _, target := range targets {
		if *target.value != "" {
			continue
		}
		param := os.Getenv(target.key + "_PARAM")
		if param == "" {
			param = "/flyn/" + strings.ToLower(strings.ReplaceAll(target.key, "_", "-"))
		}
		value, err := source.GetSecret(ctx, param)
		if err != nil {
			return fmt.Errorf("config: resolving %s: %w", target.key, err)
		}
		*target.value = strings.TrimSpace(value)
	}
	return nil
}

// HTTPAddress returns the address the HTTP server should bind to.
func (c Config) HTTPAddress() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// IsDevelopment reports whether the process runs with development defaults.
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// CallbackURL is the OAuth redirect target on this origin.
func (c Config) CallbackURL() string {
	return c.PublicURL + "/auth/callback"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrFile(key, defaultPath string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}

	fileKey := key + "_FILE"
	if path := os.Getenv(fileKey); path != "" {
		return readSecret(path, fileKey)
	}

	if defaultPath != "" {
		return readSecret(defaultPath, key)
	}

	return "", nil
}

func readSecret(path, name string) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("config: reading %s (%s): %w", name, path, err)
	}

	value := strings.TrimSpace(string(contents))
	if value == "" {
		return "", fmt.Errorf("config: %s (%s) is empty", name, path)
	}
	return value, nil
}
