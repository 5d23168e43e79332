package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"session-control-plane/internal/session/domain"
)

// MemoryStore is an in-memory Store for tests and for running the server
// without a DATABASE_URL. Safe for concurrent use. The per-user mutex map
// stands in for the Postgres advisory lock.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*domain.Session
	byRefresh map[string]string // refresh hash -> session id

	lockMu    sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*domain.Session),
		byRefresh: make(map[string]string),
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (m *MemoryStore) Insert(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byRefresh[s.RefreshTokenHash]; dup {
		return ErrConflict
	}
	if _, dup := m.byID[s.ID]; dup {
		return ErrConflict
	}
	cp := *s
	m.byID[s.ID] = &cp
	m.byRefresh[s.RefreshTokenHash] = s.ID
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) FindByRefreshTokenHash(_ context.Context, hash string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRefresh[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) FindByAccessTokenHash(_ context.Context, hash string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.byID {
		if s.AccessTokenHash == hash {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) FindActiveByUser(_ context.Context, userID string) ([]*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Session
	for _, s := range m.byID {
		if s.UserID == userID && s.IsActive {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].ActivityAt(), out[j].ActivityAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) CountActiveByUser(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.byID {
		if s.UserID == userID && s.IsActive {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpdateLastActivity(_ context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok || !s.IsActive {
		return nil
	}
	if s.LastActivity == nil || !s.LastActivity.After(at) {
		t := at
		s.LastActivity = &t
	}
	return nil
}

func (m *MemoryStore) RotateTokens(_ context.Context, sessionID, oldRefreshHash, newRefreshHash, newAccessHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return ErrNotFound
	}
	if !s.IsActive || s.RefreshTokenHash != oldRefreshHash {
		return ErrConflict
	}
	delete(m.byRefresh, s.RefreshTokenHash)
	s.RefreshTokenHash = newRefreshHash
	s.AccessTokenHash = newAccessHash
	m.byRefresh[newRefreshHash] = sessionID
	if s.LastActivity == nil || !s.LastActivity.After(at) {
		t := at
		s.LastActivity = &t
	}
	return nil
}

func (m *MemoryStore) MarkRevoked(_ context.Context, sessionID string, reason domain.RevokeReason, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return ErrNotFound
	}
	if !s.IsActive {
		return nil
	}
	t := at
	s.IsActive = false
	s.RevokedAt = &t
	s.RevokedReason = reason
	return nil
}

func (m *MemoryStore) MarkAllRevokedForUser(_ context.Context, userID string, reason domain.RevokeReason, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.byID {
		if s.UserID == userID && s.IsActive {
			t := at
			s.IsActive = false
			s.RevokedAt = &t
			s.RevokedReason = reason
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteExpiredOrStaleRevoked(_ context.Context, now time.Time, retention time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-retention)
	var n int64
	for id, s := range m.byID {
		stale := !s.IsActive && s.RevokedAt != nil && !s.RevokedAt.After(cutoff)
		if s.Expired(now) || stale {
			delete(m.byRefresh, s.RefreshTokenHash)
			delete(m.byID, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	m.lockMu.Lock()
	l, ok := m.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.userLocks[userID] = l
	}
	m.lockMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// ForceExpiry rewrites a session's hard expiry. Test helper only.
func (m *MemoryStore) ForceExpiry(_ context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ExpiresAt = at
	return nil
}

var _ Store = (*MemoryStore)(nil)
