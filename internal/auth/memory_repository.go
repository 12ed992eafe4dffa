package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository keeps sessions in process memory. Sessions do not survive a restart.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]StoredSession
	now      func() time.Time
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]StoredSession),
		now:      time.Now,
	}
}

func (r *MemoryRepository) CreateSession(_ context.Context, session StoredSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.TokenHash] = session
	return nil
}

func (r *MemoryRepository) FindSessionByTokenHash(_ context.Context, tokenHash string) (*StoredSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[tokenHash]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (r *MemoryRepository) UpdateSessionTokens(_ context.Context, session StoredSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.sessions[session.TokenHash]
	if !ok {
		return nil
	}
	existing.AccessToken = session.AccessToken
	existing.EncryptedRefreshToken = session.EncryptedRefreshToken
	existing.ProviderToken = session.ProviderToken
	existing.EncryptedProviderRefreshToken = session.EncryptedProviderRefreshToken
	existing.TokenExpiresAt = session.TokenExpiresAt
	existing.Email = session.Email
	existing.FullName = session.FullName
	existing.AvatarURL = session.AvatarURL
	r.sessions[session.TokenHash] = existing
	return nil
}

func (r *MemoryRepository) DeleteSession(_ context.Context, tokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, tokenHash)
	return nil
}

func (r *MemoryRepository) DeleteExpiredSessions(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var removed int64
	for hash, session := range r.sessions {
		if now.After(session.ExpiresAt) {
			delete(r.sessions, hash)
			removed++
		}
	}
	return removed, nil
}
