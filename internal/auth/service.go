package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"flyn/internal/crypto"
)

// refreshSkew refreshes access tokens slightly before they expire.
const refreshSkew = time.Minute

// Provider is the auth provider surface the Service depends on.
type Provider interface {
	SignInWithGoogle() (string, string, error)
	ExchangeCode(ctx context.Context, code, verifier string) (*Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, fullName, email, password string) (*Session, error)
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
	SignOut(ctx context.Context, accessToken string) error
}

// ClientInfo describes the browser a session is issued to.
type ClientInfo struct {
	UserAgent string
	IPAddress string
}

// Service provides session lifecycle on top of the auth provider.
type Service struct {
	repo       Repository
	provider   Provider
	encryptor  crypto.Encryptor
	verifier   TokenVerifier
	sessionTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time

	refreshes singleflight.Group

	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int
}

// ServiceOption configures optional Service dependencies.
type ServiceOption func(*Service)

// WithVerifier checks access tokens locally before trusting a stored session.
func WithVerifier(v TokenVerifier) ServiceOption {
	return func(s *Service) {
		s.verifier = v
	}
}

// WithLogger sets the logger used for best-effort failures.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a new auth Service.
func NewService(repo Repository, provider Provider, encryptor crypto.Encryptor, sessionTTL time.Duration, opts ...ServiceOption) *Service {
	if sessionTTL == 0 {
		sessionTTL = 7 * 24 * time.Hour
	}
	if encryptor == nil {
		encryptor = crypto.PlainEncryptor{}
	}
	s := &Service{
		repo:       repo,
		provider:   provider,
		encryptor:  encryptor,
		sessionTTL: sessionTTL,
		logger:     slog.Default(),
		now:        time.Now,
		listeners:  make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SignInWithGoogle starts the Google OAuth flow, returning the authorize URL and the PKCE verifier.
func (s *Service) SignInWithGoogle() (string, string, error) {
	return s.provider.SignInWithGoogle()
}

// ExchangeCodeForSession completes the OAuth flow and creates a session.
// It returns the opaque cookie token for the new session.
func (s *Service) ExchangeCodeForSession(ctx context.Context, code, verifier string, client ClientInfo) (string, *Session, error) {
	issued, err := s.provider.ExchangeCode(ctx, code, verifier)
	if err != nil {
		return "", nil, fmt.Errorf("exchange code: %w", err)
	}
	return s.startSession(ctx, issued, client)
}

// SignInWithPassword authenticates an email/password account and creates a session.
func (s *Service) SignInWithPassword(ctx context.Context, email, password string, client ClientInfo) (string, *Session, error) {
	issued, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return "", nil, err
	}
	return s.startSession(ctx, issued, client)
}

// SignUp registers an account and creates a session when the provider issues one immediately.
func (s *Service) SignUp(ctx context.Context, fullName, email, password string, client ClientInfo) (string, *Session, error) {
	issued, err := s.provider.SignUp(ctx, fullName, email, password)
	if err != nil {
		return "", nil, err
	}
	return s.startSession(ctx, issued, client)
}

func (s *Service) startSession(ctx context.Context, issued *Session, client ClientInfo) (string, *Session, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", nil, fmt.Errorf("generate session token: %w", err)
	}
	token := base64.URLEncoding.EncodeToString(tokenBytes)

	refresh, err := s.encryptor.Encrypt(ctx, issued.RefreshToken)
	if err != nil {
		return "", nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	providerRefresh, err := s.encryptor.Encrypt(ctx, issued.ProviderRefreshToken)
	if err != nil {
		return "", nil, fmt.Errorf("encrypt provider refresh token: %w", err)
	}

	now := s.now()
	stored := StoredSession{
		ID:                            uuid.New(),
		TokenHash:                     hashToken(token),
		UserID:                        issued.User.ID,
		Email:                         issued.User.Email,
		FullName:                      issued.User.FullName,
		AvatarURL:                     issued.User.AvatarURL,
		AccessToken:                   issued.AccessToken,
		ProviderToken:                 issued.ProviderToken,
		EncryptedRefreshToken:         refresh,
		EncryptedProviderRefreshToken: providerRefresh,
		TokenExpiresAt:                issued.ExpiresAt,
		UserAgent:                     truncateString(client.UserAgent, 512),
		IPAddress:                     truncateString(client.IPAddress, 45),
		CreatedAt:                     now,
		ExpiresAt:                     now.Add(s.sessionTTL),
	}
	if err := s.repo.CreateSession(ctx, stored); err != nil {
		return "", nil, fmt.Errorf("create session: %w", err)
	}
	issued.Key = stored.TokenHash

	s.emit(ctx, EventSignedIn, issued)
	return token, issued, nil
}

// GetSession returns the session for a cookie token, refreshing the access token when it is
// expired or rejected. It returns nil, nil when there is no usable session.
func (s *Service) GetSession(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, nil
	}

	tokenHash := hashToken(token)
	stored, err := s.repo.FindSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if stored == nil {
		return nil, nil
	}

	if s.now().After(stored.ExpiresAt) {
		s.endSession(ctx, stored)
		return nil, nil
	}

	current := stored.session()
	if !current.Expired(s.now(), refreshSkew) && s.accessTokenValid(ctx, current.AccessToken) {
		return current, nil
	}

	// Concurrent requests for one session share a single refresh so the rotated refresh token is used once.
	result, err, _ := s.refreshes.Do(tokenHash, func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx), tokenHash)
	})
	if err != nil {
		return nil, err
	}
	refreshed, _ := result.(*Session)
	return refreshed, nil
}

func (s *Service) accessTokenValid(ctx context.Context, accessToken string) bool {
	if s.verifier == nil {
		return true
	}
	if _, err := s.verifier.Verify(ctx, accessToken); err != nil {
		s.logger.Debug("stored access token failed verification", "error", err)
		return false
	}
	return true
}

func (s *Service) refresh(ctx context.Context, tokenHash string) (*Session, error) {
	// Re-read so a refresh that finished just before this one is not repeated with a spent token.
	stored, err := s.repo.FindSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if stored == nil {
		return nil, nil
	}
	if current := stored.session(); !current.Expired(s.now(), refreshSkew) && s.accessTokenValid(ctx, current.AccessToken) {
		return current, nil
	}

	refreshToken, err := s.encryptor.Decrypt(ctx, stored.EncryptedRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		s.endSession(ctx, stored)
		return nil, nil
	}

	issued, err := s.provider.Refresh(ctx, refreshToken)
	if err != nil {
		var providerErr *ProviderError
		if errors.As(err, &providerErr) && providerErr.Rejected() {
			s.logger.Info("refresh token rejected, ending session", "user_id", stored.UserID, "status", providerErr.Status)
			s.endSession(ctx, stored)
			return nil, nil
		}
		return nil, fmt.Errorf("refresh session: %w", err)
	}

	// The provider does not reissue Google tokens on refresh.
	if issued.ProviderToken == "" {
		issued.ProviderToken = stored.ProviderToken
	}
	if issued.User.ID == "" {
		issued.User = stored.session().User
	}

	encryptedRefresh, err := s.encryptor.Encrypt(ctx, issued.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	encryptedProviderRefresh := stored.EncryptedProviderRefreshToken
	if issued.ProviderRefreshToken != "" {
		if encryptedProviderRefresh, err = s.encryptor.Encrypt(ctx, issued.ProviderRefreshToken); err != nil {
			return nil, fmt.Errorf("encrypt provider refresh token: %w", err)
		}
	}

	stored.AccessToken = issued.AccessToken
	stored.EncryptedRefreshToken = encryptedRefresh
	stored.ProviderToken = issued.ProviderToken
	stored.EncryptedProviderRefreshToken = encryptedProviderRefresh
	stored.TokenExpiresAt = issued.ExpiresAt
	stored.Email = issued.User.Email
	stored.FullName = issued.User.FullName
	stored.AvatarURL = issued.User.AvatarURL
	if err := s.repo.UpdateSessionTokens(ctx, *stored); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	current := stored.session()
	s.emit(ctx, EventTokenRefreshed, current)
	return current, nil
}

// SignOut ends the session for the cookie token. Revocation at the provider is best effort.
func (s *Service) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	tokenHash := hashToken(token)
	stored, err := s.repo.FindSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		return fmt.Errorf("find session: %w", err)
	}
	if stored == nil {
		return nil
	}

	if err := s.provider.SignOut(ctx, stored.AccessToken); err != nil {
		s.logger.Warn("provider sign out failed", "user_id", stored.UserID, "error", err)
	}

	if err := s.repo.DeleteSession(ctx, tokenHash); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.emit(ctx, EventSignedOut, signedOut(stored))
	return nil
}

func (s *Service) endSession(ctx context.Context, stored *StoredSession) {
	if err := s.repo.DeleteSession(ctx, stored.TokenHash); err != nil {
		s.logger.Warn("failed to delete session", "user_id", stored.UserID, "error", err)
	}
	s.emit(ctx, EventSignedOut, signedOut(stored))
}

// signedOut is the session reported with EventSignedOut; it carries no tokens.
func signedOut(stored *StoredSession) *Session {
	return &Session{Key: stored.TokenHash, User: stored.session().User}
}

// OnAuthStateChange registers a listener and returns a function that removes it.
// The returned function is safe to call more than once.
func (s *Service) OnAuthStateChange(listener Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Service) emit(ctx context.Context, event Event, session *Session) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.RUnlock()

	for _, listener := range listeners {
		listener(ctx, event, session)
	}
}

// CleanupExpiredSessions removes all expired sessions from the store.
func (s *Service) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpiredSessions(ctx)
}

// SessionKey returns a stable identifier for a cookie token that is safe to keep in memory and logs.
func SessionKey(token string) string {
	return hashToken(token)
}

// hashToken returns the SHA-256 hash of the token as a hex string.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
