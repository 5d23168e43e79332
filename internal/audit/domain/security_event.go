package domain

import "time"

// SecurityEvent is one entry of the security audit trail. Every revocation
// and every failed validation attempt produces one; the trail is a hard
// requirement, not optional observability.
type SecurityEvent struct {
	ID        string
	UserID    string // may be empty when the actor could not be resolved
	SessionID string
	Action    string
	Reason    string
	IP        string
	CreatedAt time.Time
}

// Audit actions recorded by the session and identity services.
const (
	ActionSessionCreate    = "session.create"
	ActionSessionEvict     = "session.evict"
	ActionSessionRefresh   = "session.refresh"
	ActionSessionRevoke    = "session.revoke"
	ActionSessionRevokeAll = "session.revoke_all"
	ActionValidateDenied   = "session.validate_denied"
	ActionRefreshDenied    = "session.refresh_denied"
	ActionLoginFailure     = "auth.login_failure"
	ActionPasswordChange   = "auth.password_change"
)
