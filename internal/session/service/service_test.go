package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"session-control-plane/internal/audit"
	auditrepo "session-control-plane/internal/audit/repository"
	"session-control-plane/internal/security"
	"session-control-plane/internal/session/domain"
	"session-control-plane/internal/session/repository"
)

func newTestService(t *testing.T) (*Service, *repository.MemoryStore, *auditrepo.MemoryRepository) {
	t.Helper()
	tokens, err := security.NewTestTokenProvider(15 * time.Minute)
	if err != nil {
		t.Fatalf("test token provider: %v", err)
	}
	store := repository.NewMemoryStore()
	events := auditrepo.NewMemoryRepository()
	svc := New(Config{
		AccessTTL:        15 * time.Minute,
		RefreshTTL:       7 * 24 * time.Hour,
		SessionLimit:     3,
		RevokedRetention: 7 * 24 * time.Hour,
		StoreTimeout:     5 * time.Second,
	}, store, tokens, audit.NewLogger(events, nil, nil))
	return svc, store, events
}

func testDevice(browser string) domain.DeviceInfo {
	return domain.DeviceInfo{UserAgent: "go-test/1.0", IP: "203.0.113.7", Platform: "linux", Browser: browser}
}

func TestCreateSessionIssuesWorkingTokens(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.CreateSession(ctx, "user-1", testDevice("firefox"), nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if issued.AccessToken == "" || issued.RefreshToken == "" {
		t.Fatal("expected both tokens to be issued")
	}
	if issued.ExpiresIn() <= 0 || issued.ExpiresIn() > 15*60 {
		t.Errorf("ExpiresIn = %d, want (0, 900]", issued.ExpiresIn())
	}

	sess, err := svc.ValidateAccessToken(ctx, issued.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if sess.UserID != "user-1" || sess.ID != issued.SessionID {
		t.Errorf("validated session = %s/%s, want user-1/%s", sess.UserID, sess.ID, issued.SessionID)
	}
}

func TestSessionLimitNeverExceeded(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.CreateSession(ctx, "user-1", testDevice("chrome"), nil); err != nil {
			t.Fatalf("CreateSession %d: %v", i, err)
		}
		n, err := store.CountActiveByUser(ctx, "user-1")
		if err != nil {
			t.Fatalf("CountActiveByUser: %v", err)
		}
		if n > 3 {
			t.Fatalf("after login %d: %d active sessions, want <= 3", i+1, n)
		}
	}
}

func TestSessionLimitHoldsUnderConcurrentLogins(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.CreateSession(ctx, "user-1", testDevice("chrome"), nil); err != nil {
				t.Errorf("concurrent CreateSession: %v", err)
			}
		}()
	}
	wg.Wait()

	n, err := store.CountActiveByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("CountActiveByUser: %v", err)
	}
	if n != 3 {
		t.Errorf("active sessions = %d, want exactly 3", n)
	}
}

func TestFourthLoginEvictsLeastRecentlyActive(t *testing.T) {
	svc, store, events := newTestService(t)
	ctx := context.Background()

	var issued [4]*IssuedTokens
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		tok, err := svc.CreateSession(ctx, "user-1", testDevice("chrome"), nil)
		if err != nil {
			t.Fatalf("CreateSession %d: %v", i, err)
		}
		issued[i] = tok
		// S1 least recently active, S3 most.
		at := base.Add(time.Duration(i) * 10 * time.Minute)
		if err := store.UpdateLastActivity(ctx, tok.SessionID, at); err != nil {
			t.Fatalf("UpdateLastActivity: %v", err)
		}
	}

	tok, err := svc.CreateSession(ctx, "user-1", testDevice("chrome"), nil)
	if err != nil {
		t.Fatalf("CreateSession 4: %v", err)
	}
	issued[3] = tok

	evicted, err := store.GetByID(ctx, issued[0].SessionID)
	if err != nil {
		t.Fatalf("GetByID evicted: %v", err)
	}
	if evicted.IsActive {
		t.Error("expected least-recently-active session to be revoked")
	}
	if evicted.RevokedReason != domain.ReasonConcurrentLimit {
		t.Errorf("revoke reason = %q, want %q", evicted.RevokedReason, domain.ReasonConcurrentLimit)
	}
	for i := 1; i < 4; i++ {
		sess, err := store.GetByID(ctx, issued[i].SessionID)
		if err != nil {
			t.Fatalf("GetByID %d: %v", i, err)
		}
		if !sess.IsActive {
			t.Errorf("session %d unexpectedly revoked", i+1)
		}
	}

	var sawEvict bool
	for _, ev := range events.All() {
		if ev.Action == "session.evict" && ev.SessionID == issued[0].SessionID {
			sawEvict = true
		}
	}
	if !sawEvict {
		t.Error("expected a session.evict audit event for the evicted session")
	}
}

func TestRevokedSessionRejectedEverywhere(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.CreateSession(ctx, "user-1", testDevice("safari"), nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := svc.RevokeSession(ctx, issued.SessionID, domain.ReasonLogout); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}

	if _, err := svc.ValidateAccessToken(ctx, issued.AccessToken); !errors.Is(err, ErrSessionRevoked) {
		t.Errorf("ValidateAccessToken after revoke: err = %v, want ErrSessionRevoked", err)
	}
	if _, err := svc.RefreshSession(ctx, issued.RefreshToken, testDevice("safari")); !errors.Is(err, ErrSessionRevoked) {
		t.Errorf("RefreshSession after revoke: err = %v, want ErrSessionRevoked", err)
	}
}

func TestRefreshRotatesAndInvalidatesOldToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.CreateSession(ctx, "user-1", testDevice("chrome"), nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rotated, err := svc.RefreshSession(ctx, issued.RefreshToken, testDevice("chrome"))
	if err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if rotated.SessionID != issued.SessionID {
		t.Errorf("rotation changed session id: %s -> %s", issued.SessionID, rotated.SessionID)
	}
	if rotated.RefreshToken == issued.RefreshToken {
		t.Error("refresh token did not rotate")
	}
	if !rotated.RefreshExpiresAt.Equal(issued.RefreshExpiresAt) {
		t.Error("rotation must not extend the session's hard expiry")
	}

	// The consumed token must be dead.
	if _, err := svc.RefreshSession(ctx, issued.RefreshToken, testDevice("chrome")); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Errorf("replayed refresh token: err = %v, want ErrInvalidRefreshToken", err)
	}
	// The new one works.
	if _, err := svc.RefreshSession(ctx, rotated.RefreshToken, testDevice("chrome")); err != nil {
		t.Errorf("rotated refresh token rejected: %v", err)
	}
}

func TestRefreshUnknownToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.RefreshSession(context.Background(), "not-a-real-token", testDevice("chrome")); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Errorf("err = %v, want ErrInvalidRefreshToken", err)
	}
}

func TestRefreshExpiredSessionRevokesIt(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.CreateSession(ctx, "user-1", testDevice("chrome"), nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	forceExpire(t, store, issued.SessionID)

	if _, err := svc.RefreshSession(ctx, issued.RefreshToken, testDevice("chrome")); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	got, err := store.GetByID(ctx, issued.SessionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.IsActive || got.RevokedReason != domain.ReasonExpired {
		t.Errorf("expired session not revoked with reason expired: active=%v reason=%q", got.IsActive, got.RevokedReason)
	}
}

func TestRevokeAllEmptiesActiveList(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.CreateSession(ctx, "user-1", testDevice("chrome"), nil); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	n, err := svc.RevokeAllUserSessions(ctx, "user-1", domain.ReasonLogoutAll)
	if err != nil {
		t.Fatalf("RevokeAllUserSessions: %v", err)
	}
	if n != 3 {
		t.Errorf("revoked %d sessions, want 3", n)
	}
	sessions, err := svc.GetUserSessions(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("GetUserSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("active sessions after revoke-all = %d, want 0", len(sessions))
	}
}

func TestRevokeSessionIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.CreateSession(ctx, "user-1", testDevice("chrome"), nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := svc.RevokeSession(ctx, issued.SessionID, domain.ReasonLogout); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := svc.RevokeSession(ctx, issued.SessionID, domain.ReasonLogout); err != nil {
		t.Errorf("second revoke: err = %v, want nil", err)
	}
	if err := svc.RevokeSession(ctx, "no-such-session", domain.ReasonLogout); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("revoke missing session: err = %v, want ErrSessionNotFound", err)
	}
}

func TestRevokeRejectsUnknownReason(t *testing.T) {
	svc, _, _ := newTestService(t)
	if err := svc.RevokeSession(context.Background(), "any", domain.RevokeReason("bored")); err == nil {
		t.Error("expected error for unknown revoke reason")
	}
}

func TestPasswordChangeScenario(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.CreateSession(ctx, "user-1", testDevice("chrome"), nil)
	if err != nil {
		t.Fatalf("CreateSession A: %v", err)
	}
	b, err := svc.CreateSession(ctx, "user-1", testDevice("firefox"), nil)
	if err != nil {
		t.Fatalf("CreateSession B: %v", err)
	}

	if _, err := svc.RevokeAllUserSessions(ctx, "user-1", domain.ReasonPasswordChange); err != nil {
		t.Fatalf("RevokeAllUserSessions: %v", err)
	}
	for name, tok := range map[string]*IssuedTokens{"A": a, "B": b} {
		if _, err := svc.ValidateAccessToken(ctx, tok.AccessToken); !errors.Is(err, ErrSessionRevoked) {
			t.Errorf("session %s access token after password change: err = %v, want ErrSessionRevoked", name, err)
		}
		if _, err := svc.RefreshSession(ctx, tok.RefreshToken, testDevice("chrome")); !errors.Is(err, ErrSessionRevoked) {
			t.Errorf("session %s refresh token after password change: err = %v, want ErrSessionRevoked", name, err)
		}
	}

	// A fresh login works and yields a clean slate plus the new session.
	c, err := svc.CreateSession(ctx, "user-1", testDevice("chrome"), nil)
	if err != nil {
		t.Fatalf("CreateSession C: %v", err)
	}
	sessions, err := svc.GetUserSessions(ctx, "user-1", c.SessionID)
	if err != nil {
		t.Fatalf("GetUserSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != c.SessionID || !sessions[0].IsCurrent {
		t.Errorf("sessions after re-login = %+v, want only the new current session", sessions)
	}
}

func TestValidateRejectsGarbageAndExpiredTokens(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ValidateAccessToken(ctx, "garbage"); !errors.Is(err, security.ErrTokenMalformed) {
		t.Errorf("garbage token: err = %v, want ErrTokenMalformed", err)
	}

	expiredTokens, err := security.NewTestTokenProvider(-time.Minute)
	if err != nil {
		t.Fatalf("test token provider: %v", err)
	}
	tok, _, err := expiredTokens.IssueAccess("user-1", "sess-1")
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := svc.ValidateAccessToken(ctx, tok); !errors.Is(err, security.ErrTokenExpired) {
		t.Errorf("expired token: err = %v, want ErrTokenExpired", err)
	}
}

func TestValidateDeletedSession(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.CreateSession(ctx, "user-1", testDevice("chrome"), nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	forceExpire(t, store, issued.SessionID)
	if _, err := svc.CleanExpiredSessions(ctx); err != nil {
		t.Fatalf("CleanExpiredSessions: %v", err)
	}
	if _, err := svc.ValidateAccessToken(ctx, issued.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestCleanExpiredSessionsRetention(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insert := func(id string, expiresAt time.Time, revokedAt *time.Time) {
		t.Helper()
		sess := &domain.Session{
			ID:               id,
			UserID:           "user-1",
			AccessTokenHash:  "ah-" + id,
			RefreshTokenHash: "rh-" + id,
			IsActive:         revokedAt == nil,
			CreatedAt:        now.Add(-30 * 24 * time.Hour),
			ExpiresAt:        expiresAt,
			RevokedAt:        revokedAt,
		}
		if revokedAt != nil {
			sess.RevokedReason = domain.ReasonLogout
		}
		if err := store.Insert(ctx, sess); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}

	twoDaysAgo := now.Add(-2 * 24 * time.Hour)
	eightDaysAgo := now.Add(-8 * 24 * time.Hour)
	insert("expired", now.Add(-time.Hour), nil)
	insert("revoked-old", now.Add(time.Hour), &eightDaysAgo)
	insert("revoked-recent", now.Add(time.Hour), &twoDaysAgo)
	insert("live", now.Add(time.Hour), nil)

	n, err := svc.CleanExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("CleanExpiredSessions: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d sessions, want 2", n)
	}
	for _, id := range []string{"expired", "revoked-old"} {
		if _, err := store.GetByID(ctx, id); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("session %s should be deleted, got err = %v", id, err)
		}
	}
	for _, id := range []string{"revoked-recent", "live"} {
		if _, err := store.GetByID(ctx, id); err != nil {
			t.Errorf("session %s should survive cleanup: %v", id, err)
		}
	}
}

func TestGetUserSessionsOrderingAndProjection(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateSession(ctx, "user-1", testDevice("chrome"), &domain.Location{Country: "DE", City: "Berlin"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	second, err := svc.CreateSession(ctx, "user-1", testDevice("firefox"), nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	// Touch the first session so it becomes most recently active.
	if err := store.UpdateLastActivity(ctx, first.SessionID, time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("UpdateLastActivity: %v", err)
	}

	sessions, err := svc.GetUserSessions(ctx, "user-1", second.SessionID)
	if err != nil {
		t.Fatalf("GetUserSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len = %d, want 2", len(sessions))
	}
	if sessions[0].ID != first.SessionID {
		t.Errorf("expected most recently active session first, got %s", sessions[0].ID)
	}
	if !sessions[1].IsCurrent {
		t.Error("expected the caller's session to be flagged current")
	}
	if sessions[0].Location == nil || sessions[0].Location.City != "Berlin" {
		t.Errorf("location not projected: %+v", sessions[0].Location)
	}
}

// forceExpire rewrites a stored session's hard expiry into the past.
func forceExpire(t *testing.T, store *repository.MemoryStore, id string) {
	t.Helper()
	if err := store.ForceExpiry(context.Background(), id, time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatalf("ForceExpiry: %v", err)
	}
}
