package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateSession inserts a new session.
func (r *PostgresRepository) CreateSession(ctx context.Context, session StoredSession) error {
	const query = `
		INSERT INTO web_sessions (
			id, token_hash, user_id, email, full_name, avatar_url,
			access_token, refresh_token, provider_token, provider_refresh_token, token_expires_at,
			user_agent, ip_address, created_at, expires_at
		)
		VALUES (
			:id, :token_hash, :user_id, :email, :full_name, :avatar_url,
			:access_token, :refresh_token, :provider_token, :provider_refresh_token, :token_expires_at,
			:user_agent, :ip_address, :created_at, :expires_at
		)
	`

	_, err := r.db.NamedExecContext(ctx, query, newSessionRow(session))
	return err
}

// FindSessionByTokenHash looks up a session by the hash of its cookie token.
func (r *PostgresRepository) FindSessionByTokenHash(ctx context.Context, tokenHash string) (*StoredSession, error) {
	const query = `
		SELECT
			id, token_hash, user_id, email, full_name, avatar_url,
			access_token, refresh_token, provider_token, provider_refresh_token, token_expires_at,
			user_agent, ip_address, created_at, expires_at
		FROM web_sessions
		WHERE token_hash = $1
	`

	var row sessionRow
	if err := r.db.GetContext(ctx, &row, query, tokenHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return row.toStoredSession(), nil
}

// UpdateSessionTokens stores the credentials issued by a refresh.
func (r *PostgresRepository) UpdateSessionTokens(ctx context.Context, session StoredSession) error {
	const query = `
		UPDATE web_sessions
		SET access_token = :access_token,
			refresh_token = :refresh_token,
			provider_token = :provider_token,
			provider_refresh_token = :provider_refresh_token,
			token_expires_at = :token_expires_at,
			email = :email,
			full_name = :full_name,
			avatar_url = :avatar_url
		WHERE token_hash = :token_hash
	`

	_, err := r.db.NamedExecContext(ctx, query, newSessionRow(session))
	return err
}

// DeleteSession removes a session.
func (r *PostgresRepository) DeleteSession(ctx context.Context, tokenHash string) error {
	const query = `DELETE FROM web_sessions WHERE token_hash = $1`
	_, err := r.db.ExecContext(ctx, query, tokenHash)
	return err
}

// DeleteExpiredSessions removes all expired sessions.
func (r *PostgresRepository) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	const query = `DELETE FROM web_sessions WHERE expires_at < $1`
	result, err := r.db.ExecContext(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// sessionRow is the database row representation of StoredSession.
type sessionRow struct {
	ID                   uuid.UUID `db:"id"`
	TokenHash            string    `db:"token_hash"`
	UserID               string    `db:"user_id"`
	Email                string    `db:"email"`
	FullName             string    `db:"full_name"`
	AvatarURL            string    `db:"avatar_url"`
	AccessToken          string    `db:"access_token"`
	RefreshToken         string    `db:"refresh_token"`
	ProviderToken        string    `db:"provider_token"`
	ProviderRefreshToken string    `db:"provider_refresh_token"`
	TokenExpiresAt       time.Time `db:"token_expires_at"`
	UserAgent            string    `db:"user_agent"`
	IPAddress            string    `db:"ip_address"`
	CreatedAt            time.Time `db:"created_at"`
	ExpiresAt            time.Time `db:"expires_at"`
}

func newSessionRow(s StoredSession) sessionRow {
	return sessionRow{
		ID:                   s.ID,
		TokenHash:            s.TokenHash,
		UserID:               s.UserID,
		Email:                s.Email,
		FullName:             s.FullName,
		AvatarURL:            s.AvatarURL,
		AccessToken:          s.AccessToken,
		RefreshToken:         s.EncryptedRefreshToken,
		ProviderToken:        s.ProviderToken,
		ProviderRefreshToken: s.EncryptedProviderRefreshToken,
		TokenExpiresAt:       s.TokenExpiresAt,
		UserAgent:            s.UserAgent,
		IPAddress:            s.IPAddress,
		CreatedAt:            s.CreatedAt,
		ExpiresAt:            s.ExpiresAt,
	}
}

func (r *sessionRow) toStoredSession() *StoredSession {
	return &StoredSession{
		ID:                            r.ID,
		TokenHash:                     r.TokenHash,
		UserID:                        r.UserID,
		Email:                         r.Email,
		FullName:                      r.FullName,
		AvatarURL:                     r.AvatarURL,
		AccessToken:                   r.AccessToken,
		ProviderToken:                 r.ProviderToken,
		EncryptedRefreshToken:         r.RefreshToken,
		EncryptedProviderRefreshToken: r.ProviderRefreshToken,
		TokenExpiresAt:                r.TokenExpiresAt,
		UserAgent:                     r.UserAgent,
		IPAddress:                     r.IPAddress,
		CreatedAt:                     r.CreatedAt,
		ExpiresAt:                     r.ExpiresAt,
	}
}
