// Package sweeper runs the periodic session cleanup routine.
package sweeper

import (
	"context"
	"log"
	"time"
)

// Cleaner deletes expired and stale-revoked sessions, returning the number
// of rows removed.
type Cleaner interface {
	CleanExpiredSessions(ctx context.Context) (int64, error)
}

// Sweeper invokes a Cleaner on a fixed interval until stopped. Cleanup is
// idempotent, so running the sweeper in-process and as a standalone job at
// the same time is safe.
type Sweeper struct {
	cleaner  Cleaner
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Sweeper ticking at the given interval.
func New(cleaner Cleaner, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{cleaner: cleaner, interval: interval}
}

// Start launches the sweep loop in a goroutine. One immediate sweep runs at
// startup so a long interval does not delay reclaiming an existing backlog.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.sweep(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.cleaner.CleanExpiredSessions(ctx)
	if err != nil {
		log.Printf("sweeper: cleanup failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("sweeper: removed %d sessions", n)
	}
}

// RunOnce performs a single sweep. Used by the standalone job command.
func RunOnce(ctx context.Context, cleaner Cleaner) (int64, error) {
	return cleaner.CleanExpiredSessions(ctx)
}
