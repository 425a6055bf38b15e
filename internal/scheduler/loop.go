package scheduler

import (
	"context"
	"time"
)

// Loop runs a batch every interval and whenever trigger fires, until ctx ends.
// Runs never overlap; triggers that arrive during a run collapse into one.
func (b *Batch) Loop(ctx context.Context, interval time.Duration, maxFiles int, trigger <-chan struct{}) error {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run := func(reason string) {
		log := b.logger.WithField("reason", reason)
		log.Debug("Auto-ingest run starting")
		if _, err := b.RunBatch(ctx, maxFiles); err != nil {
			log.WithError(err).Error("Auto-ingest run failed")
		}
	}

	run("startup")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Auto-ingest loop stopped")
			return ctx.Err()
		case <-ticker.C:
			run("interval")
		case <-trigger:
			run("watch")
			ticker.Reset(interval)
		}
	}
}
