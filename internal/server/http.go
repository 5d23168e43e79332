// Package server assembles the HTTP surface: routing, auth middleware, and
// graceful shutdown.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	identityhandler "session-control-plane/internal/identity/handler"
	sessionhandler "session-control-plane/internal/session/handler"
	sessionservice "session-control-plane/internal/session/service"
)

// Deps are the wired components the router needs.
type Deps struct {
	Sessions *sessionservice.Service
	Identity *identityhandler.Handler
	Session  *sessionhandler.Handler
}

// NewRouter builds the gin engine with all routes mounted under /api/auth.
func NewRouter(deps Deps, production bool) *gin.Engine {
	if production {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), ClientIP())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	public := r.Group("/api/auth")
	authed := r.Group("/api/auth")
	authed.Use(RequireAuth(deps.Sessions))

	deps.Identity.Register(public, authed)
	deps.Session.Register(public, authed)

	return r
}

// Server wraps http.Server with sensible timeouts and graceful shutdown.
type Server struct {
	srv *http.Server
}

// New returns a Server listening on addr once Start is called.
func New(addr string, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

// Start blocks serving requests until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
