package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// User is the profile the auth provider reports for a signed-in account.
type User struct {
	ID        string
	Email     string
	FullName  string
	AvatarURL string
}

// DisplayName prefers the full name and falls back to the email address.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Email
}

// Session is the credential bundle issued by the auth provider.
// RefreshToken and ProviderRefreshToken are only populated when the provider has just issued them;
// sessions read back from the store keep them encrypted and out of reach of handlers.
type Session struct {
	// Key is the SessionKey of the cookie the session is stored under.
	Key                  string
	AccessToken          string
	RefreshToken         string
	ProviderToken        string
	ProviderRefreshToken string
	ExpiresAt            time.Time
	User                 User
}

// Expired reports whether the access token is expired or about to expire.
func (s *Session) Expired(now time.Time, skew time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(s.ExpiresAt)
}

// HasGoogleAccess reports whether the session carries a Google access token for Drive and Sheets calls.
func (s *Session) HasGoogleAccess() bool {
	return s != nil && s.ProviderToken != ""
}

// StoredSession is the server-side record referenced by the browser's session cookie.
type StoredSession struct {
	ID                            uuid.UUID
	TokenHash                     string
	UserID                        string
	Email                         string
	FullName                      string
	AvatarURL                     string
	AccessToken                   string
	ProviderToken                 string
	EncryptedRefreshToken         string
	EncryptedProviderRefreshToken string
	TokenExpiresAt                time.Time
	UserAgent                     string
	IPAddress                     string
	CreatedAt                     time.Time
	ExpiresAt                     time.Time
}

func (s *StoredSession) session() *Session {
	return &Session{
		Key:           s.TokenHash,
		AccessToken:   s.AccessToken,
		ProviderToken: s.ProviderToken,
		ExpiresAt:     s.TokenExpiresAt,
		User: User{
			ID:        s.UserID,
			Email:     s.Email,
			FullName:  s.FullName,
			AvatarURL: s.AvatarURL,
		},
	}
}

// Event names an auth state transition.
type Event string

const (
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

// Listener receives auth state changes. For EventSignedOut the session carries only Key and User.
type Listener func(ctx context.Context, event Event, session *Session)

type sessionContextKey struct{}

// WithSession attaches the current session to ctx.
func WithSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, session)
}

// SessionFromContext returns the session attached by WithSession, or nil.
func SessionFromContext(ctx context.Context) *Session {
	session, _ := ctx.Value(sessionContextKey{}).(*Session)
	return session
}

// ContextSource serves the session the request middleware placed on the context.
type ContextSource struct{}

// CurrentSession returns the request's session, or nil when the request is anonymous.
func (ContextSource) CurrentSession(ctx context.Context) (*Session, error) {
	return SessionFromContext(ctx), nil
}
