package auth

import "context"

// Repository persists server-side sessions keyed by the hash of the cookie token.
type Repository interface {
	CreateSession(ctx context.Context, session StoredSession) error
	// FindSessionByTokenHash returns nil, nil when no session matches.
	FindSessionByTokenHash(ctx context.Context, tokenHash string) (*StoredSession, error)
	UpdateSessionTokens(ctx context.Context, session StoredSession) error
	DeleteSession(ctx context.Context, tokenHash string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)
}
