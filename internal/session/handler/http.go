// Package handler exposes session management over HTTP.
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	auditrepo "session-control-plane/internal/audit/repository"
	"session-control-plane/internal/session/domain"
	"session-control-plane/internal/session/service"
)

// Gin context keys populated by the auth middleware.
const (
	ContextUserIDKey    = "userID"
	ContextSessionIDKey = "sessionID"
)

// Handler serves the session endpoints: refresh, logout, logout-all, the
// session list, per-session revocation, and the security event feed.
type Handler struct {
	sessions *service.Service
	tokens   *TokenWriter
	events   auditrepo.Repository
}

// New returns a Handler. events may be nil to disable the event feed.
func New(sessions *service.Service, tokens *TokenWriter, events auditrepo.Repository) *Handler {
	return &Handler{sessions: sessions, tokens: tokens, events: events}
}

// Register mounts the session routes. The authed group must have the auth
// middleware applied; refresh is deliberately outside it since its access
// token may already be expired.
func (h *Handler) Register(public, authed *gin.RouterGroup) {
	public.POST("/refresh", h.Refresh)
	authed.POST("/logout", h.Logout)
	authed.POST("/logout-all", h.LogoutAll)
	authed.GET("/sessions", h.ListSessions)
	authed.DELETE("/sessions/:id", h.RevokeSession)
	if h.events != nil {
		authed.GET("/security-events", h.ListSecurityEvents)
	}
}

// Refresh rotates the caller's token pair. The refresh token arrives in the
// path-scoped cookie, or in the JSON body during the migration window.
func (h *Handler) Refresh(c *gin.Context) {
	refreshToken := h.tokens.RefreshTokenFrom(c)
	if refreshToken == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing refresh token"})
		return
	}

	issued, err := h.sessions.RefreshSession(c.Request.Context(), refreshToken, deviceFrom(c))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRefreshToken),
			errors.Is(err, service.ErrSessionRevoked),
			errors.Is(err, service.ErrSessionExpired):
			h.tokens.Clear(c)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		}
		return
	}

	h.tokens.Write(c, issued)
	c.JSON(http.StatusOK, h.tokens.Body(issued))
}

// Logout revokes the caller's current session and clears both auth cookies.
func (h *Handler) Logout(c *gin.Context) {
	sessionID := c.GetString(ContextSessionIDKey)
	err := h.sessions.RevokeSession(c.Request.Context(), sessionID, domain.ReasonLogout)
	if err != nil && !errors.Is(err, service.ErrSessionNotFound) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}
	h.tokens.Clear(c)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// LogoutAll revokes every session the caller has, including the current one.
func (h *Handler) LogoutAll(c *gin.Context) {
	userID := c.GetString(ContextUserIDKey)
	n, err := h.sessions.RevokeAllUserSessions(c.Request.Context(), userID, domain.ReasonLogoutAll)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}
	h.tokens.Clear(c)
	c.JSON(http.StatusOK, gin.H{"message": "logged out everywhere", "revoked": n})
}

type sessionView struct {
	ID           string        `json:"id"`
	Device       deviceView    `json:"device"`
	Location     *locationView `json:"location,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity *time.Time    `json:"last_activity,omitempty"`
	IsCurrent    bool          `json:"is_current"`
}

type deviceView struct {
	UserAgent string `json:"user_agent"`
	IP        string `json:"ip"`
	Platform  string `json:"platform,omitempty"`
	Browser   string `json:"browser,omitempty"`
}

type locationView struct {
	Country  string `json:"country,omitempty"`
	City     string `json:"city,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// ListSessions returns the caller's active sessions, most recently active
// first, with the current one flagged.
func (h *Handler) ListSessions(c *gin.Context) {
	userID := c.GetString(ContextUserIDKey)
	sessionID := c.GetString(ContextSessionIDKey)

	sessions, err := h.sessions.GetUserSessions(c.Request.Context(), userID, sessionID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}

	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		v := sessionView{
			ID: s.ID,
			Device: deviceView{
				UserAgent: s.Device.UserAgent,
				IP:        s.Device.IP,
				Platform:  s.Device.Platform,
				Browser:   s.Device.Browser,
			},
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
			IsCurrent:    s.IsCurrent,
		}
		if s.Location != nil {
			v.Location = &locationView{
				Country:  s.Location.Country,
				City:     s.Location.City,
				Timezone: s.Location.Timezone,
			}
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// RevokeSession revokes one of the caller's sessions by id. Only the owner
// may revoke; anything else is reported as not found.
func (h *Handler) RevokeSession(c *gin.Context) {
	userID := c.GetString(ContextUserIDKey)
	targetID := c.Param("id")

	sessions, err := h.sessions.GetUserSessions(c.Request.Context(), userID, "")
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}
	var owned bool
	for _, s := range sessions {
		if s.ID == targetID {
			owned = true
			break
		}
	}
	if !owned {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	if err := h.sessions.RevokeSession(c.Request.Context(), targetID, domain.ReasonLogout); err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}

	if targetID == c.GetString(ContextSessionIDKey) {
		h.tokens.Clear(c)
	}
	c.JSON(http.StatusOK, gin.H{"message": "session revoked"})
}

// ListSecurityEvents returns the caller's recent security events.
func (h *Handler) ListSecurityEvents(c *gin.Context) {
	userID := c.GetString(ContextUserIDKey)
	events, err := h.events.ListByUser(c.Request.Context(), userID, 50, 0)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// deviceFrom collects request metadata for session records.
func deviceFrom(c *gin.Context) domain.DeviceInfo {
	return domain.DeviceInfo{
		UserAgent: c.Request.UserAgent(),
		IP:        c.ClientIP(),
	}
}

// AccessTokenFrom extracts the access token from a request: the httpOnly
// cookie takes precedence, then the Authorization Bearer header.
func AccessTokenFrom(c *gin.Context) string {
	if cookie, err := c.Cookie(AccessCookieName); err == nil && cookie != "" {
		return cookie
	}
	const prefix = "Bearer "
	if auth := c.GetHeader("Authorization"); len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
