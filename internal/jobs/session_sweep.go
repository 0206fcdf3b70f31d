package jobs

import (
	"context"
	"log"
	"time"

	"brandpulse/attendance/internal/config"
)

type Sweeper interface {
	Sweep(idle time.Duration) int
}

// StartSessionSweepJob discards idle sessions on every tick until ctx is done.
func StartSessionSweepJob(ctx context.Context, cfg config.Config, sessions Sweeper) {
	if !cfg.SessionSweepEnabled {
		return
	}
	if sessions == nil {
		log.Printf("session sweep job disabled: registry not configured")
		return
	}
	interval := cfg.SessionSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	idle := cfg.SessionIdleTTL
	if idle <= 0 {
		idle = 30 * time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if swept := sessions.Sweep(idle); swept > 0 {
					log.Printf("session sweep job discarded %d sessions", swept)
				}
			}
		}
	}()
}
