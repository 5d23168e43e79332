package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"session-control-plane/internal/audit"
	sessionhandler "session-control-plane/internal/session/handler"
	sessionservice "session-control-plane/internal/session/service"
)

// RequireAuth validates the access token on every request in the group and
// puts the caller's user and session ids into the gin context. The httpOnly
// cookie is consulted before the Authorization header. All failures get the
// same 401; the reason lands in the audit trail, not the response.
func RequireAuth(sessions *sessionservice.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := sessionhandler.AccessTokenFrom(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		sess, err := sessions.ValidateAccessToken(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, sessionservice.ErrPersistence) {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set(sessionhandler.ContextUserIDKey, sess.UserID)
		c.Set(sessionhandler.ContextSessionIDKey, sess.ID)
		c.Next()
	}
}

// ClientIP stores the caller's IP in the request context so audit events
// written anywhere below the handler carry it.
func ClientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(audit.WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}
