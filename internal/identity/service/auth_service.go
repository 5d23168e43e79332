// Package service implements registration, password login, and password
// change on top of the session service.
package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"session-control-plane/internal/audit"
	auditdomain "session-control-plane/internal/audit/domain"
	identitydomain "session-control-plane/internal/identity/domain"
	"session-control-plane/internal/identity/repository"
	"session-control-plane/internal/security"
	sessiondomain "session-control-plane/internal/session/domain"
	sessionservice "session-control-plane/internal/session/service"
)

// Sentinel errors for the auth service; the handler maps them to HTTP codes.
var (
	ErrEmailAlreadyRegistered = errors.New("email already registered")
	// ErrInvalidCredentials is returned uniformly for unknown email, wrong
	// password, and disabled account, so responses don't reveal which.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// AuthService implements register, login, and password change. Session
// issuance and revocation are delegated to the session service.
type AuthService struct {
	users    repository.Repository
	sessions *sessionservice.Service
	hasher   *security.Hasher
	audit    audit.AuditLogger
}

// NewAuthService returns an AuthService with the given dependencies.
func NewAuthService(users repository.Repository, sessions *sessionservice.Service, hasher *security.Hasher, auditLogger audit.AuditLogger) *AuthService {
	return &AuthService{users: users, sessions: sessions, hasher: hasher, audit: auditLogger}
}

// Register creates a user and logs them straight in, returning the first
// session's tokens.
func (s *AuthService) Register(ctx context.Context, email, password string, dev sessiondomain.DeviceInfo, loc *sessiondomain.Location) (*sessionservice.IssuedTokens, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	hashed, err := s.hasher.Hash([]byte(password))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	user := &identitydomain.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hashed,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := user.Validate(); err != nil {
		return nil, err
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, ErrEmailAlreadyRegistered
		}
		return nil, err
	}
	return s.sessions.CreateSession(ctx, user.ID, dev, loc)
}

// Login authenticates with email and password and creates a session. The
// bcrypt compare runs even for unknown emails so response timing does not
// distinguish the failure modes.
func (s *AuthService) Login(ctx context.Context, email, password string, dev sessiondomain.DeviceInfo, loc *sessiondomain.Location) (*sessionservice.IssuedTokens, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.hasher.Compare(dummyHash, []byte(password))
			audit.LogEventAsync(s.audit, ctx, "", "", auditdomain.ActionLoginFailure, "unknown_email")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := s.hasher.Compare(user.PasswordHash, []byte(password)); err != nil {
		audit.LogEventAsync(s.audit, ctx, user.ID, "", auditdomain.ActionLoginFailure, "wrong_password")
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		audit.LogEventAsync(s.audit, ctx, user.ID, "", auditdomain.ActionLoginFailure, "account_disabled")
		return nil, ErrInvalidCredentials
	}

	issued, err := s.sessions.CreateSession(ctx, user.ID, dev, loc)
	if err != nil {
		return nil, err
	}
	if err := s.users.UpdateLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		// Login bookkeeping only; the session is already live.
		audit.LogEventAsync(s.audit, ctx, user.ID, issued.SessionID, auditdomain.ActionLoginFailure, "last_login_update_failed")
	}
	return issued, nil
}

// ChangePassword verifies the current password, stores the new hash, and
// revokes every session the user has with reason password_change. The caller
// must log in again afterwards.
func (s *AuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	if err := s.hasher.Compare(user.PasswordHash, []byte(currentPassword)); err != nil {
		audit.LogEventAsync(s.audit, ctx, userID, "", auditdomain.ActionLoginFailure, "password_change_wrong_current")
		return ErrInvalidCredentials
	}

	hashed, err := s.hasher.Hash([]byte(newPassword))
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, hashed, time.Now().UTC()); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAllUserSessions(ctx, userID, sessiondomain.ReasonPasswordChange); err != nil {
		return err
	}
	if s.audit != nil {
		s.audit.LogEvent(ctx, userID, "", auditdomain.ActionPasswordChange, "")
	}
	return nil
}

// dummyHash is compared against for unknown emails to equalize login timing.
// It hashes a throwaway value that never matches a submitted password.
const dummyHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

func validateEmail(email string) error {
	if email == "" {
		return errors.New("email is required")
	}
	const simpleEmail = `^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`
	ok, _ := regexp.MatchString(simpleEmail, email)
	if !ok {
		return errors.New("invalid email format")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	return nil
}
