// Package handler exposes registration, login, and password change over HTTP.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"session-control-plane/internal/identity/service"
	sessiondomain "session-control-plane/internal/session/domain"
	sessionhandler "session-control-plane/internal/session/handler"
)

// Handler serves the account endpoints.
type Handler struct {
	auth   *service.AuthService
	tokens *sessionhandler.TokenWriter
}

// New returns a Handler writing tokens through the given TokenWriter.
func New(auth *service.AuthService, tokens *sessionhandler.TokenWriter) *Handler {
	return &Handler{auth: auth, tokens: tokens}
}

// Register mounts the account routes.
func (h *Handler) Register(public, authed *gin.RouterGroup) {
	public.POST("/register", h.RegisterAccount)
	public.POST("/login", h.Login)
	authed.POST("/password", h.ChangePassword)
}

type credentialsRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RegisterAccount creates an account and logs the caller straight in.
func (h *Handler) RegisterAccount(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	issued, err := h.auth.Register(c.Request.Context(), req.Email, req.Password, deviceFrom(c), nil)
	if err != nil {
		if errors.Is(err, service.ErrEmailAlreadyRegistered) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.tokens.Write(c, issued)
	c.JSON(http.StatusCreated, h.tokens.Body(issued))
}

// Login authenticates and issues a new session. Failure responses never say
// whether the email exists.
func (h *Handler) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	issued, err := h.auth.Login(c.Request.Context(), req.Email, req.Password, deviceFrom(c), nil)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}

	h.tokens.Write(c, issued)
	c.JSON(http.StatusOK, h.tokens.Body(issued))
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
}

// ChangePassword updates the caller's password. Every session is revoked on
// success, so both cookies are cleared and the caller must log in again.
func (h *Handler) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "current_password and new_password are required"})
		return
	}
	userID := c.GetString(sessionhandler.ContextUserIDKey)

	err := h.auth.ChangePassword(c.Request.Context(), userID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.tokens.Clear(c)
	c.JSON(http.StatusOK, gin.H{"message": "password changed; log in again"})
}

func deviceFrom(c *gin.Context) sessiondomain.DeviceInfo {
	return sessiondomain.DeviceInfo{
		UserAgent: c.Request.UserAgent(),
		IP:        c.ClientIP(),
	}
}
