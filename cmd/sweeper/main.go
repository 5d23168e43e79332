// Sweeper runs session cleanup as a standalone job. With -once it performs a
// single sweep and exits (cron-friendly); otherwise it loops on SWEEP_INTERVAL
// until interrupted. Cleanup is idempotent, so running it alongside the
// server's in-process sweeper is safe.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"session-control-plane/internal/config"
	"session-control-plane/internal/db"
	sessionrepo "session-control-plane/internal/session/repository"
	sessionservice "session-control-plane/internal/session/service"
	"session-control-plane/internal/session/sweeper"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("sweeper: DATABASE_URL is required")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	// Maintenance-only service: no token provider, no audit trail.
	sessions := sessionservice.New(sessionservice.Config{
		RevokedRetention: cfg.RevokedRetentionTTL(),
		StoreTimeout:     cfg.StoreCallTimeout(),
		SessionLimit:     cfg.SessionLimit,
	}, sessionrepo.NewPostgresStore(pool), nil, nil)

	if *once {
		n, err := sweeper.RunOnce(ctx, sessions)
		if err != nil {
			log.Fatalf("sweep: %v", err)
		}
		log.Printf("sweep removed %d sessions", n)
		return
	}

	sw := sweeper.New(sessions, cfg.SweepEvery())
	sw.Start(ctx)
	log.Printf("sweeper running every %s", cfg.SweepEvery())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("sweeper: shutting down...")
	sw.Stop()
	log.Println("sweeper: stopped")
}
