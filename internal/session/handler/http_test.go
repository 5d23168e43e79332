package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"session-control-plane/internal/audit"
	auditrepo "session-control-plane/internal/audit/repository"
	"session-control-plane/internal/security"
	"session-control-plane/internal/session/domain"
	"session-control-plane/internal/session/repository"
	"session-control-plane/internal/session/service"
)

func newTestRouter(t *testing.T, bodyTokens bool) (*gin.Engine, *service.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tokens, err := security.NewTestTokenProvider(15 * time.Minute)
	if err != nil {
		t.Fatalf("test token provider: %v", err)
	}
	store := repository.NewMemoryStore()
	events := auditrepo.NewMemoryRepository()
	svc := service.New(service.Config{
		AccessTTL:        15 * time.Minute,
		RefreshTTL:       7 * 24 * time.Hour,
		SessionLimit:     3,
		RevokedRetention: 7 * 24 * time.Hour,
		StoreTimeout:     5 * time.Second,
	}, store, tokens, audit.NewLogger(events, nil, nil))

	writer := NewTokenWriter(CookieConfig{
		Secure:      false,
		RefreshPath: "/api/auth/refresh",
		BodyTokens:  bodyTokens,
	})
	h := New(svc, writer, events)

	r := gin.New()
	public := r.Group("/api/auth")
	authed := r.Group("/api/auth")
	authed.Use(func(c *gin.Context) {
		sess, err := svc.ValidateAccessToken(c.Request.Context(), AccessTokenFrom(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ContextUserIDKey, sess.UserID)
		c.Set(ContextSessionIDKey, sess.ID)
	})
	h.Register(public, authed)
	return r, svc
}

func login(t *testing.T, svc *service.Service, userID string) *service.IssuedTokens {
	t.Helper()
	dev := domain.DeviceInfo{UserAgent: "go-test/1.0", IP: "203.0.113.7"}
	issued, err := svc.CreateSession(context.Background(), userID, dev, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return issued
}

func cookieByName(res *http.Response, name string) *http.Cookie {
	for _, ck := range res.Cookies() {
		if ck.Name == name {
			return ck
		}
	}
	return nil
}

func TestRefreshViaCookieRotatesTokens(t *testing.T) {
	r, svc := newTestRouter(t, false)
	issued := login(t, svc, "user-1")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: issued.RefreshToken})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	res := w.Result()

	access := cookieByName(res, AccessCookieName)
	refresh := cookieByName(res, RefreshCookieName)
	if access == nil || refresh == nil {
		t.Fatal("expected both auth cookies on the refresh response")
	}
	if !access.HttpOnly || !refresh.HttpOnly {
		t.Error("auth cookies must be httpOnly")
	}
	if access.SameSite != http.SameSiteLaxMode || refresh.SameSite != http.SameSiteLaxMode {
		t.Error("auth cookies must be SameSite=Lax")
	}
	if access.Path != "/" {
		t.Errorf("access cookie path = %q, want /", access.Path)
	}
	if refresh.Path != "/api/auth/refresh" {
		t.Errorf("refresh cookie path = %q, want /api/auth/refresh", refresh.Path)
	}
	if refresh.Value == issued.RefreshToken {
		t.Error("refresh token did not rotate")
	}

	// The old refresh token is consumed.
	req = httptest.NewRequest(http.MethodPost, "/api/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: issued.RefreshToken})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("replayed refresh: status = %d, want 401", w.Code)
	}
}

func TestRefreshBodyTokensGatedByFlag(t *testing.T) {
	// Flag off: body refresh tokens are ignored and responses carry none.
	r, svc := newTestRouter(t, false)
	issued := login(t, svc, "user-1")

	payload, _ := json.Marshal(gin.H{"refresh_token": issued.RefreshToken})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("body token with flag off: status = %d, want 401", w.Code)
	}

	// Flag on: the body token works and tokens come back in the body too.
	r, svc = newTestRouter(t, true)
	issued = login(t, svc, "user-1")

	payload, _ = json.Marshal(gin.H{"refresh_token": issued.RefreshToken})
	req = httptest.NewRequest(http.MethodPost, "/api/auth/refresh", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("body token with flag on: status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Error("expected tokens in the body while the migration flag is on")
	}
	if resp.TokenType != "Bearer" || resp.ExpiresIn <= 0 {
		t.Errorf("token metadata = %+v", resp)
	}
}

func TestBodyTokensOmittedWhenFlagOff(t *testing.T) {
	r, svc := newTestRouter(t, false)
	issued := login(t, svc, "user-1")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: issued.RefreshToken})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.AccessToken != "" || resp.RefreshToken != "" {
		t.Error("tokens leaked into the body with the migration flag off")
	}
	if resp.SessionID == "" || resp.ExpiresIn <= 0 {
		t.Errorf("metadata missing: %+v", resp)
	}
}

func TestAccessCookieTakesPrecedenceOverHeader(t *testing.T) {
	r, svc := newTestRouter(t, false)
	valid := login(t, svc, "user-1")

	// Garbage in the header, valid token in the cookie: the request succeeds
	// because the cookie is consulted first.
	req := httptest.NewRequest(http.MethodGet, "/api/auth/sessions", nil)
	req.AddCookie(&http.Cookie{Name: AccessCookieName, Value: valid.AccessToken})
	req.Header.Set("Authorization", "Bearer not-a-token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("cookie + bad header: status = %d, want 200", w.Code)
	}

	// Header alone still works for non-browser clients.
	req = httptest.NewRequest(http.MethodGet, "/api/auth/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+valid.AccessToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("header only: status = %d, want 200", w.Code)
	}
}

func TestLogoutRevokesAndClearsCookies(t *testing.T) {
	r, svc := newTestRouter(t, false)
	issued := login(t, svc, "user-1")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: AccessCookieName, Value: issued.AccessToken})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	res := w.Result()
	for _, name := range []string{AccessCookieName, RefreshCookieName} {
		ck := cookieByName(res, name)
		if ck == nil {
			t.Fatalf("expected a clearing Set-Cookie for %s", name)
		}
		if ck.Value != "" || ck.MaxAge >= 0 {
			t.Errorf("%s not cleared: value=%q maxage=%d", name, ck.Value, ck.MaxAge)
		}
	}

	if _, err := svc.ValidateAccessToken(context.Background(), issued.AccessToken); err == nil {
		t.Error("session still valid after logout")
	}
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	r, svc := newTestRouter(t, false)
	a := login(t, svc, "user-1")
	b := login(t, svc, "user-1")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout-all", nil)
	req.AddCookie(&http.Cookie{Name: AccessCookieName, Value: a.AccessToken})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	for _, issued := range []*service.IssuedTokens{a, b} {
		if _, err := svc.ValidateAccessToken(context.Background(), issued.AccessToken); err == nil {
			t.Error("session survived logout-all")
		}
	}
}

func TestRevokeSessionOwnershipEnforced(t *testing.T) {
	r, svc := newTestRouter(t, false)
	mine := login(t, svc, "user-1")
	other := login(t, svc, "user-2")

	req := httptest.NewRequest(http.MethodDelete, "/api/auth/sessions/"+other.SessionID, nil)
	req.AddCookie(&http.Cookie{Name: AccessCookieName, Value: mine.AccessToken})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("revoking another user's session: status = %d, want 404", w.Code)
	}

	// The other user's session is untouched.
	if _, err := svc.ValidateAccessToken(context.Background(), other.AccessToken); err != nil {
		t.Errorf("other user's session was revoked: %v", err)
	}
}

func TestListSessionsFlagsCurrent(t *testing.T) {
	r, svc := newTestRouter(t, false)
	current := login(t, svc, "user-1")
	login(t, svc, "user-1")

	req := httptest.NewRequest(http.MethodGet, "/api/auth/sessions", nil)
	req.AddCookie(&http.Cookie{Name: AccessCookieName, Value: current.AccessToken})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Sessions []sessionView `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("len = %d, want 2", len(resp.Sessions))
	}
	var currentCount int
	for _, s := range resp.Sessions {
		if s.IsCurrent {
			currentCount++
			if s.ID != current.SessionID {
				t.Errorf("current flag on wrong session %s", s.ID)
			}
		}
	}
	if currentCount != 1 {
		t.Errorf("current sessions flagged = %d, want 1", currentCount)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	r, _ := newTestRouter(t, false)
	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/api/auth/logout"},
		{http.MethodPost, "/api/auth/logout-all"},
		{http.MethodGet, "/api/auth/sessions"},
		{http.MethodDelete, "/api/auth/sessions/some-id"},
	} {
		req := httptest.NewRequest(route.method, route.path, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", route.method, route.path, w.Code)
		}
	}
}
