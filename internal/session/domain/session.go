package domain

import "time"

// RevokeReason is the closed set of reasons a session can be revoked with.
// RevokedAt and RevokedReason are always set together.
type RevokeReason string

const (
	ReasonLogout          RevokeReason = "logout"
	ReasonLogoutAll       RevokeReason = "logout_all"
	ReasonPasswordChange  RevokeReason = "password_change"
	ReasonAdminRevoke     RevokeReason = "admin_revoke"
	ReasonSecurityBreach  RevokeReason = "security_breach"
	ReasonExpired         RevokeReason = "expired"
	ReasonConcurrentLimit RevokeReason = "concurrent_limit"
)

// Valid reports whether r is one of the known revocation reasons.
func (r RevokeReason) Valid() bool {
	switch r {
	case ReasonLogout, ReasonLogoutAll, ReasonPasswordChange, ReasonAdminRevoke,
		ReasonSecurityBreach, ReasonExpired, ReasonConcurrentLimit:
		return true
	}
	return false
}

// DeviceInfo describes the device a session was created from.
// Descriptive only; never used for authorization decisions.
type DeviceInfo struct {
	UserAgent string
	IP        string
	Platform  string
	Browser   string
}

// Location is a best-effort geolocation of the session origin.
type Location struct {
	Country  string
	City     string
	Timezone string
}

// Session binds a user, a device, and a token pair with independent revocation.
// Token values are stored as SHA-256 hashes; the plaintext never touches the store.
type Session struct {
	ID               string
	UserID           string
	AccessTokenHash  string
	RefreshTokenHash string
	IsActive         bool
	Device           DeviceInfo
	Location         *Location
	CreatedAt        time.Time
	LastActivity     *time.Time // nil until the first authenticated request
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	RevokedReason    RevokeReason // empty while active
}

// Expired reports whether the session's hard expiry has passed at now.
// Expired sessions are eligible for deletion regardless of IsActive.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// ActivityAt returns LastActivity when set, else CreatedAt. Used for
// least-recently-active ordering; a session that never authenticated a
// request sorts by its creation time.
func (s *Session) ActivityAt() time.Time {
	if s.LastActivity != nil {
		return *s.LastActivity
	}
	return s.CreatedAt
}
