package repository

import (
	"context"
	"errors"
	"time"

	"session-control-plane/internal/session/domain"
)

var (
	// ErrNotFound is returned when no session matches the lookup.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned on a unique-constraint violation (duplicate refresh
	// token hash) or when a compare-and-swap update lost to a concurrent writer.
	ErrConflict = errors.New("session conflict")
)

// Store defines persistence for sessions.
//
// Lookups by token hash and by user are index-backed. WithUserLock is the
// per-user serialization point: the count/evict/insert sequence of session
// creation runs inside it so concurrent logins for the same user cannot
// exceed the active-session limit.
type Store interface {
	// Insert persists a new session. Returns ErrConflict if the refresh token
	// hash collides with an existing session.
	Insert(ctx context.Context, s *domain.Session) error

	// GetByID returns the session with the given id, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*domain.Session, error)

	// FindByRefreshTokenHash returns the session holding the given refresh
	// token hash, or ErrNotFound.
	FindByRefreshTokenHash(ctx context.Context, hash string) (*domain.Session, error)

	// FindByAccessTokenHash returns the session whose current access token
	// has the given hash, or ErrNotFound. Only the latest issued access token
	// resolves; rotation replaces the stored hash.
	FindByAccessTokenHash(ctx context.Context, hash string) (*domain.Session, error)

	// FindActiveByUser returns the user's active sessions ordered by most
	// recent activity first (never-active sessions order by creation time).
	FindActiveByUser(ctx context.Context, userID string) ([]*domain.Session, error)

	// CountActiveByUser returns the number of active sessions for the user.
	CountActiveByUser(ctx context.Context, userID string) (int, error)

	// UpdateLastActivity advances the session's last-activity timestamp.
	// The write is guarded: an older timestamp never overwrites a newer one,
	// and revoked sessions are not touched. Losing the guard is not an error.
	UpdateLastActivity(ctx context.Context, sessionID string, at time.Time) error

	// RotateTokens atomically replaces the session's refresh and access token
	// hashes, keyed on the current refresh hash. Returns ErrConflict when
	// oldRefreshHash is no longer current (a concurrent rotation won) and
	// ErrNotFound when the session does not exist.
	RotateTokens(ctx context.Context, sessionID, oldRefreshHash, newRefreshHash, newAccessHash string, at time.Time) error

	// MarkRevoked deactivates the session with the given reason. Revoking an
	// already-revoked session is a no-op; a missing session is ErrNotFound.
	MarkRevoked(ctx context.Context, sessionID string, reason domain.RevokeReason, at time.Time) error

	// MarkAllRevokedForUser deactivates every active session for the user and
	// returns how many were revoked. Atomic per user: no session active at
	// operation start escapes.
	MarkAllRevokedForUser(ctx context.Context, userID string, reason domain.RevokeReason, at time.Time) (int64, error)

	// DeleteExpiredOrStaleRevoked physically deletes sessions whose hard
	// expiry has passed, or that were revoked more than retention ago.
	// Returns the number of deleted rows.
	DeleteExpiredOrStaleRevoked(ctx context.Context, now time.Time, retention time.Duration) (int64, error)

	// WithUserLock runs fn while holding an exclusive lock keyed on userID.
	// Store calls made with the ctx passed to fn participate in the same
	// transaction where the backend supports one.
	WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error
}
