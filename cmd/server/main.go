// Server runs the session control plane HTTP API with an in-process sweeper.
// Without DATABASE_URL it falls back to in-memory stores (dev only).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"session-control-plane/internal/audit"
	auditrepo "session-control-plane/internal/audit/repository"
	"session-control-plane/internal/config"
	"session-control-plane/internal/db"
	identityhandler "session-control-plane/internal/identity/handler"
	identityrepo "session-control-plane/internal/identity/repository"
	identityservice "session-control-plane/internal/identity/service"
	"session-control-plane/internal/security"
	"session-control-plane/internal/server"
	sessionhandler "session-control-plane/internal/session/handler"
	sessionrepo "session-control-plane/internal/session/repository"
	sessionservice "session-control-plane/internal/session/service"
	"session-control-plane/internal/session/sweeper"
	"session-control-plane/internal/telemetry/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "session-control-plane", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	privateKey, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		log.Fatalf("JWT_PRIVATE_KEY: %v", err)
	}
	publicKey, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("JWT_PUBLIC_KEY: %v", err)
	}
	tokens := security.NewTokenProvider(privateKey, publicKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())

	var (
		sessionStore sessionrepo.Store
		userRepo     identityrepo.Repository
		eventRepo    auditrepo.Repository
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer pool.Close()
		sessionStore = sessionrepo.NewPostgresStore(pool)
		userRepo = identityrepo.NewPostgresRepository(pool)
		eventRepo = auditrepo.NewPostgresRepository(pool)
	} else {
		log.Println("DATABASE_URL not set; using in-memory stores")
		sessionStore = sessionrepo.NewMemoryStore()
		userRepo = identityrepo.NewMemoryRepository()
		eventRepo = auditrepo.NewMemoryRepository()
	}

	metrics, err := otel.NewMetrics(providers.MeterProvider)
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}
	emitter := audit.MultiEmitter(audit.NewOTelEmitter(providers.LoggerProvider), metrics)
	auditLogger := audit.NewLogger(eventRepo, audit.ClientIPFrom, emitter)

	sessions := sessionservice.New(sessionservice.Config{
		AccessTTL:        cfg.AccessTTL(),
		RefreshTTL:       cfg.RefreshTTL(),
		SessionLimit:     cfg.SessionLimit,
		RevokedRetention: cfg.RevokedRetentionTTL(),
		StoreTimeout:     cfg.StoreCallTimeout(),
	}, sessionStore, tokens, auditLogger)
	auth := identityservice.NewAuthService(userRepo, sessions, security.NewHasher(cfg.BcryptCost), auditLogger)

	writer := sessionhandler.NewTokenWriter(sessionhandler.CookieConfig{
		Domain:      cfg.CookieDomain,
		Secure:      cfg.Production(),
		RefreshPath: cfg.RefreshCookiePath,
		BodyTokens:  cfg.BodyTokens,
	})

	router := server.NewRouter(server.Deps{
		Sessions: sessions,
		Identity: identityhandler.New(auth, writer),
		Session:  sessionhandler.New(sessions, writer, eventRepo),
	}, cfg.Production())

	sw := sweeper.New(meteredCleaner{sessions, metrics}, cfg.SweepEvery())
	sw.Start(ctx)
	defer sw.Stop()

	srv := server.New(cfg.HTTPAddr, router)
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.Start(); err != nil {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("HTTP server stopped")
}

// meteredCleaner records the sweeper's deletion count as a metric.
type meteredCleaner struct {
	sessions *sessionservice.Service
	metrics  *otel.Metrics
}

func (c meteredCleaner) CleanExpiredSessions(ctx context.Context) (int64, error) {
	n, err := c.sessions.CleanExpiredSessions(ctx)
	if err == nil {
		c.metrics.RecordSwept(ctx, n)
	}
	return n, err
}
