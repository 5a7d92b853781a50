package postgres

import (
	"context"
	"time"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/pkg/logger"
)

// StartOutboxCleanup starts a background goroutine that periodically prunes
// processed outbox rows past the retention horizon, keeping the table from
// growing without bound. Pending and failed rows are left alone.
func (r *Repository) StartOutboxCleanup(ctx context.Context, retentionDays int) {
	go func() {
		log := logger.Logger.With().Str("component", "outbox_cleanup").Logger()
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()

		// Run once immediately on startup
		r.pruneOutbox(ctx, retentionDays)

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-ticker.C:
				r.pruneOutbox(ctx, retentionDays)
			}
		}
	}()
}

func (r *Repository) pruneOutbox(ctx context.Context, retentionDays int) {
	deleted, err := r.CleanupOldEvents(ctx, retentionDays)
	if err != nil {
		logger.Logger.Warn().Err(err).Msg("outbox cleanup failed")
		return
	}
	if deleted > 0 {
		logger.Logger.Info().Int64("deleted", deleted).Msg("processed outbox events pruned")
	}
}
