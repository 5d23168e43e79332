// Package service implements the session lifecycle state machine: creation
// with concurrent-limit eviction, access-token validation, refresh rotation,
// revocation, and expiration cleanup.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"session-control-plane/internal/audit"
	auditdomain "session-control-plane/internal/audit/domain"
	"session-control-plane/internal/security"
	"session-control-plane/internal/session/domain"
	"session-control-plane/internal/session/repository"
)

// Sentinel errors for the session service; handlers map them to HTTP codes.
var (
	// ErrInvalidRefreshToken covers unknown and already-rotated refresh tokens.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrSessionRevoked is returned when a token resolves to a revoked session.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrSessionExpired is returned when the session's hard expiry has passed.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionNotFound is returned when no session matches the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPersistence wraps transient store failures; retryable by the caller.
	ErrPersistence = errors.New("session store unavailable")
)

// Config holds the session policy constants. All of them come from
// configuration; none are hardcoded here.
type Config struct {
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	SessionLimit     int
	RevokedRetention time.Duration
	StoreTimeout     time.Duration
}

// IssuedTokens is the result of creating or refreshing a session. One value
// drives both boundary encoders (cookie writer and JSON body writer).
type IssuedTokens struct {
	SessionID        string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// ExpiresIn returns the access token TTL in whole seconds.
func (t *IssuedTokens) ExpiresIn() int64 {
	return int64(time.Until(t.AccessExpiresAt).Seconds())
}

// SessionInfo is the outward projection of a session for display.
// It carries no token material.
type SessionInfo struct {
	ID           string
	Device       domain.DeviceInfo
	Location     *domain.Location
	CreatedAt    time.Time
	LastActivity *time.Time
	IsCurrent    bool
}

// Service orchestrates session state transitions over the store and token codec.
type Service struct {
	cfg    Config
	store  repository.Store
	tokens *security.TokenProvider
	audit  audit.AuditLogger
}

// New returns a Service. tokens may be nil only for maintenance-only callers
// (the standalone sweeper) that never issue or validate tokens.
func New(cfg Config, store repository.Store, tokens *security.TokenProvider, auditLogger audit.AuditLogger) *Service {
	if cfg.SessionLimit < 1 {
		cfg.SessionLimit = 1
	}
	return &Service{cfg: cfg, store: store, tokens: tokens, audit: auditLogger}
}

// CreateSession creates a session for the user under the per-user
// serialization point. If the user already has SessionLimit active sessions,
// the least-recently-active one is revoked with reason concurrent_limit
// before the insert; the limit invariant holds even under concurrent logins.
func (s *Service) CreateSession(ctx context.Context, userID string, dev domain.DeviceInfo, loc *domain.Location) (*IssuedTokens, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	var issued *IssuedTokens
	err := s.store.WithUserLock(ctx, userID, func(ctx context.Context) error {
		active, err := s.store.FindActiveByUser(ctx, userID)
		if err != nil {
			return persistErr(err)
		}

		// FindActiveByUser orders by most recent activity first, so the
		// eviction victims sit at the tail (ties resolved by oldest created).
		for len(active) >= s.cfg.SessionLimit {
			victim := active[len(active)-1]
			active = active[:len(active)-1]
			now := time.Now().UTC()
			if err := s.store.MarkRevoked(ctx, victim.ID, domain.ReasonConcurrentLimit, now); err != nil {
				return persistErr(err)
			}
			s.logEvent(ctx, userID, victim.ID, auditdomain.ActionSessionEvict, string(domain.ReasonConcurrentLimit))
		}

		refreshToken, err := security.NewRefreshToken()
		if err != nil {
			return fmt.Errorf("generating refresh token: %w", err)
		}
		now := time.Now().UTC()
		sessionID := uuid.New().String()
		accessToken, accessExp, err := s.tokens.IssueAccess(userID, sessionID)
		if err != nil {
			return fmt.Errorf("issuing access token: %w", err)
		}

		sess := &domain.Session{
			ID:               sessionID,
			UserID:           userID,
			AccessTokenHash:  security.HashToken(accessToken),
			RefreshTokenHash: security.HashToken(refreshToken),
			IsActive:         true,
			Device:           dev,
			Location:         loc,
			CreatedAt:        now,
			ExpiresAt:        now.Add(s.cfg.RefreshTTL),
		}
		if err := s.store.Insert(ctx, sess); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				// A refresh token collision means the entropy source is broken.
				// Fatal; never retried with the same material.
				return fmt.Errorf("refresh token collision on insert: %w", err)
			}
			return persistErr(err)
		}

		issued = &IssuedTokens{
			SessionID:        sessionID,
			AccessToken:      accessToken,
			AccessExpiresAt:  accessExp,
			RefreshToken:     refreshToken,
			RefreshExpiresAt: sess.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logEvent(ctx, userID, issued.SessionID, auditdomain.ActionSessionCreate, "")
	return issued, nil
}

// ValidateAccessToken verifies the token signature and expiry, then confirms
// the backing session is still active; revocation is authoritative over
// token content. The last-activity update is asynchronous and best-effort;
// it never blocks or fails the authorization decision.
func (s *Service) ValidateAccessToken(ctx context.Context, token string) (*domain.Session, error) {
	userID, sessionID, err := s.tokens.VerifyAccess(token)
	if err != nil {
		audit.LogEventAsync(s.audit, ctx, "", "", auditdomain.ActionValidateDenied, err.Error())
		return nil, err
	}

	sess, err := s.getSessionOnceRetried(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			audit.LogEventAsync(s.audit, ctx, userID, sessionID, auditdomain.ActionValidateDenied, "session_not_found")
			return nil, ErrSessionNotFound
		}
		return nil, persistErr(err)
	}
	if sess.UserID != userID {
		audit.LogEventAsync(s.audit, ctx, userID, sessionID, auditdomain.ActionValidateDenied, "user_mismatch")
		return nil, security.ErrTokenMalformed
	}
	if !sess.IsActive {
		audit.LogEventAsync(s.audit, ctx, userID, sessionID, auditdomain.ActionValidateDenied, string(sess.RevokedReason))
		return nil, ErrSessionRevoked
	}
	now := time.Now().UTC()
	if sess.Expired(now) {
		audit.LogEventAsync(s.audit, ctx, userID, sessionID, auditdomain.ActionValidateDenied, string(domain.ReasonExpired))
		return nil, ErrSessionExpired
	}

	// Timestamped at the validated request, not at persistence time; the
	// store's guarded update makes a slow older write lose.
	go func() {
		upCtx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		defer cancel()
		if err := s.store.UpdateLastActivity(upCtx, sessionID, now); err != nil {
			log.Printf("session: last-activity update for %s failed: %v", sessionID, err)
		}
	}()

	return sess, nil
}

// RefreshSession rotates the session's token pair. The refresh token rotates
// on every use: the swap of old for new hashes is a single atomic write, so
// replaying the previous token after a successful rotation always fails.
// Rotation is never retried internally (no double-rotation ambiguity).
func (s *Service) RefreshSession(ctx context.Context, refreshToken string, dev domain.DeviceInfo) (*IssuedTokens, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	if refreshToken == "" || len(refreshToken) > 4096 {
		return nil, ErrInvalidRefreshToken
	}
	oldHash := security.HashToken(refreshToken)

	sess, err := s.findByRefreshOnceRetried(ctx, oldHash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			audit.LogEventAsync(s.audit, ctx, "", "", auditdomain.ActionRefreshDenied, "unknown_token")
			return nil, ErrInvalidRefreshToken
		}
		return nil, persistErr(err)
	}
	if !sess.IsActive {
		s.logEvent(ctx, sess.UserID, sess.ID, auditdomain.ActionRefreshDenied, string(sess.RevokedReason))
		return nil, ErrSessionRevoked
	}
	now := time.Now().UTC()
	if sess.Expired(now) {
		if err := s.store.MarkRevoked(ctx, sess.ID, domain.ReasonExpired, now); err != nil {
			log.Printf("session: expiry revoke for %s failed: %v", sess.ID, err)
		}
		s.logEvent(ctx, sess.UserID, sess.ID, auditdomain.ActionRefreshDenied, string(domain.ReasonExpired))
		return nil, ErrSessionExpired
	}

	newRefresh, err := security.NewRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generating refresh token: %w", err)
	}
	accessToken, accessExp, err := s.tokens.IssueAccess(sess.UserID, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}

	err = s.store.RotateTokens(ctx, sess.ID, oldHash, security.HashToken(newRefresh), security.HashToken(accessToken), now)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			// A concurrent rotation already consumed this token.
			s.logEvent(ctx, sess.UserID, sess.ID, auditdomain.ActionRefreshDenied, "token_replayed")
			return nil, ErrInvalidRefreshToken
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrInvalidRefreshToken
		default:
			return nil, persistErr(err)
		}
	}

	s.logEvent(ctx, sess.UserID, sess.ID, auditdomain.ActionSessionRefresh, "")
	return &IssuedTokens{
		SessionID:        sess.ID,
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExp,
		RefreshToken:     newRefresh,
		RefreshExpiresAt: sess.ExpiresAt,
	}, nil
}

// RevokeSession revokes a single session. Idempotent: revoking an
// already-revoked session is a no-op, not an error.
func (s *Service) RevokeSession(ctx context.Context, sessionID string, reason domain.RevokeReason) error {
	if !reason.Valid() {
		return fmt.Errorf("invalid revoke reason %q", reason)
	}
	sess, err := s.getSessionOnceRetried(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		return persistErr(err)
	}
	if err := s.store.MarkRevoked(ctx, sessionID, reason, time.Now().UTC()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		return persistErr(err)
	}
	s.logEvent(ctx, sess.UserID, sessionID, auditdomain.ActionSessionRevoke, string(reason))
	return nil
}

// RevokeAllUserSessions revokes every active session for the user in one
// atomic per-user operation and returns how many were revoked. A session
// created concurrently after operation start may survive; that is the
// guaranteed semantics, not a race bug.
func (s *Service) RevokeAllUserSessions(ctx context.Context, userID string, reason domain.RevokeReason) (int64, error) {
	if !reason.Valid() {
		return 0, fmt.Errorf("invalid revoke reason %q", reason)
	}
	n, err := s.store.MarkAllRevokedForUser(ctx, userID, reason, time.Now().UTC())
	if err != nil {
		return 0, persistErr(err)
	}
	s.logEvent(ctx, userID, "", auditdomain.ActionSessionRevokeAll, string(reason))
	return n, nil
}

// GetUserSessions returns the user's active sessions for display, most recent
// activity first. The projection carries no token material.
func (s *Service) GetUserSessions(ctx context.Context, userID, currentSessionID string) ([]SessionInfo, error) {
	active, err := s.store.FindActiveByUser(ctx, userID)
	if err != nil {
		return nil, persistErr(err)
	}
	out := make([]SessionInfo, 0, len(active))
	for _, sess := range active {
		out = append(out, SessionInfo{
			ID:           sess.ID,
			Device:       sess.Device,
			Location:     sess.Location,
			CreatedAt:    sess.CreatedAt,
			LastActivity: sess.LastActivity,
			IsCurrent:    sess.ID == currentSessionID,
		})
	}
	return out, nil
}

// CleanExpiredSessions physically deletes sessions past their hard expiry and
// revoked sessions older than the retention window. Storage reclamation only:
// rejection of revoked or expired sessions happens at validate/refresh time
// regardless of physical deletion.
func (s *Service) CleanExpiredSessions(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredOrStaleRevoked(ctx, time.Now().UTC(), s.cfg.RevokedRetention)
	if err != nil {
		return 0, persistErr(err)
	}
	return n, nil
}

// getSessionOnceRetried reads a session by id, retrying transient failures a
// single time. Reads are idempotent; rotation never goes through here.
func (s *Service) getSessionOnceRetried(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := s.store.GetByID(ctx, id)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		sess, err = s.store.GetByID(ctx, id)
	}
	return sess, err
}

func (s *Service) findByRefreshOnceRetried(ctx context.Context, hash string) (*domain.Session, error) {
	sess, err := s.store.FindByRefreshTokenHash(ctx, hash)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		sess, err = s.store.FindByRefreshTokenHash(ctx, hash)
	}
	return sess, err
}

func (s *Service) logEvent(ctx context.Context, userID, sessionID, action, reason string) {
	if s.audit != nil {
		s.audit.LogEvent(ctx, userID, sessionID, action, reason)
	}
}

func persistErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}
