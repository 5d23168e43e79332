// Package audit records the security audit trail: every revocation event and
// every failed validation attempt, with user id, ip, and reason.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"session-control-plane/internal/audit/domain"
	auditrepo "session-control-plane/internal/audit/repository"
)

// IPExtractor returns the client IP from the request context.
type IPExtractor func(context.Context) string

// AuditLogger writes a single security event. LogEvent is best-effort:
// failures are logged and do not affect the caller's authorization decision.
type AuditLogger interface {
	LogEvent(ctx context.Context, userID, sessionID, action, reason string)
}

// Emitter forwards a security event to an external sink (e.g. OTel logs).
type Emitter interface {
	Emit(ctx context.Context, e *domain.SecurityEvent) error
}

// Logger implements AuditLogger using the event repository, an optional IP
// extractor, and an optional external emitter.
type Logger struct {
	repo        auditrepo.Repository
	ipExtractor IPExtractor
	emitter     Emitter
}

// NewLogger returns an AuditLogger that persists to repo and uses ipExtractor
// for client IP. ipExtractor and emitter may be nil.
func NewLogger(repo auditrepo.Repository, ipExtractor IPExtractor, emitter Emitter) *Logger {
	return &Logger{repo: repo, ipExtractor: ipExtractor, emitter: emitter}
}

// LogEvent writes one security event. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, userID, sessionID, action, reason string) {
	if l == nil || l.repo == nil {
		return
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		if got := l.ipExtractor(ctx); got != "" {
			ip = got
		}
	}
	e := &domain.SecurityEvent{
		ID:        uuid.New().String(),
		UserID:    userID,
		SessionID: sessionID,
		Action:    action,
		Reason:    reason,
		IP:        ip,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.repo.Create(ctx, e); err != nil {
		log.Printf("audit: failed to record %s: %v", action, err)
	}
	if l.emitter != nil {
		if err := l.emitter.Emit(ctx, e); err != nil {
			log.Printf("audit: failed to emit %s: %v", action, err)
		}
	}
}

// emitTimeout is the max time allowed for a single async audit write.
const emitTimeout = 5 * time.Second

// LogEventAsync runs LogEvent in a goroutine so hot paths (token validation)
// are not blocked on the audit write. The goroutine uses a detached context
// with emitTimeout so request cancellation does not drop the event.
func LogEventAsync(logger AuditLogger, ctx context.Context, userID, sessionID, action, reason string) {
	if logger == nil {
		return
	}
	detached := detachIP(ctx)
	go func() {
		emitCtx, cancel := context.WithTimeout(detached, emitTimeout)
		defer cancel()
		logger.LogEvent(emitCtx, userID, sessionID, action, reason)
	}()
}

type ipKey struct{}

// WithClientIP returns a ctx carrying the client IP for IP extraction.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ipKey{}, ip)
}

// ClientIPFrom returns the client IP stored by WithClientIP, or "".
func ClientIPFrom(ctx context.Context) string {
	ip, _ := ctx.Value(ipKey{}).(string)
	return ip
}

// detachIP carries the client IP over to a background context so async audit
// writes keep the request's IP after the request context is cancelled.
func detachIP(ctx context.Context) context.Context {
	out := context.Background()
	if ip := ClientIPFrom(ctx); ip != "" {
		out = WithClientIP(out, ip)
	}
	return out
}
