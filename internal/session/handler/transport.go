package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"session-control-plane/internal/session/service"
)

// Cookie names shared with the auth middleware.
const (
	AccessCookieName  = "accessToken"
	RefreshCookieName = "refreshToken"
)

// CookieConfig describes how auth cookies are written.
type CookieConfig struct {
	// Domain is the cookie Domain attribute; empty means host-only.
	Domain string
	// Secure marks cookies HTTPS-only. On in production.
	Secure bool
	// RefreshPath scopes the refresh cookie so browsers only attach it to
	// the refresh endpoint.
	RefreshPath string
	// BodyTokens additionally returns tokens in the JSON response body.
	// Migration aid for clients not yet reading cookies; off by default
	// once clients have moved over.
	BodyTokens bool
}

// TokenWriter encodes one issued token pair onto an HTTP response, as
// httpOnly cookies and optionally in the JSON body.
type TokenWriter struct {
	cfg CookieConfig
}

// NewTokenWriter returns a TokenWriter for the given cookie policy.
func NewTokenWriter(cfg CookieConfig) *TokenWriter {
	if cfg.RefreshPath == "" {
		cfg.RefreshPath = "/api/auth/refresh"
	}
	return &TokenWriter{cfg: cfg}
}

// Write sets both auth cookies on the response. The access cookie is sent
// site-wide; the refresh cookie only travels to the refresh endpoint.
func (w *TokenWriter) Write(c *gin.Context, issued *service.IssuedTokens) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     AccessCookieName,
		Value:    issued.AccessToken,
		Path:     "/",
		Domain:   w.cfg.Domain,
		Expires:  issued.AccessExpiresAt,
		HttpOnly: true,
		Secure:   w.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    issued.RefreshToken,
		Path:     w.cfg.RefreshPath,
		Domain:   w.cfg.Domain,
		Expires:  issued.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   w.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear expires both auth cookies. Attributes must match the ones used when
// setting, or browsers keep the originals.
func (w *TokenWriter) Clear(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     AccessCookieName,
		Value:    "",
		Path:     "/",
		Domain:   w.cfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   w.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     w.cfg.RefreshPath,
		Domain:   w.cfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   w.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// TokenResponse is the JSON body shape for endpoints that issue tokens.
// AccessToken and RefreshToken are populated only while BodyTokens is on.
type TokenResponse struct {
	SessionID    string `json:"session_id"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Body builds the JSON payload for an issued token pair, honoring the
// BodyTokens migration flag.
func (w *TokenWriter) Body(issued *service.IssuedTokens) TokenResponse {
	resp := TokenResponse{
		SessionID: issued.SessionID,
		TokenType: "Bearer",
		ExpiresIn: issued.ExpiresIn(),
	}
	if w.cfg.BodyTokens {
		resp.AccessToken = issued.AccessToken
		resp.RefreshToken = issued.RefreshToken
	}
	return resp
}

// RefreshTokenFrom extracts the refresh token from the request: the
// path-scoped cookie first, then the JSON body while BodyTokens is on.
func (w *TokenWriter) RefreshTokenFrom(c *gin.Context) string {
	if cookie, err := c.Cookie(RefreshCookieName); err == nil && cookie != "" {
		return cookie
	}
	if !w.cfg.BodyTokens {
		return ""
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		return ""
	}
	return body.RefreshToken
}
