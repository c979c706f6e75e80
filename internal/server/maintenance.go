package server

import (
	"context"
	"log/slog"
	"time"

	"loom/internal/observability"
	"loom/internal/ratelimit"
)

// maintenanceLoop sweeps expired state every interval until shutdown.
func (s *Server) maintenanceLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownCtx.Done():
			return
		case <-ticker.C:
			s.sweep(s.shutdownCtx, time.Now())
		}
	}
}

// sweep drops lapsed typing indicators and idle database rate limit buckets.
// Failures are logged and retried on the next pass.
func (s *Server) sweep(ctx context.Context, now time.Time) {
	if n, err := s.activity.PurgeExpiredTyping(ctx); err != nil {
		observability.LogAsyncOperationError(ctx, "purge_typing", err, nil)
	} else if n > 0 {
		observability.GlobalLogger.Debug("purged expired typing", slog.Int64("rows", n))
	}

	store, ok := s.limitStore.(*ratelimit.GormStore)
	if !ok {
		return
	}
	if n, err := store.PurgeIdle(ctx, now, rateLimitIdle); err != nil {
		observability.LogAsyncOperationError(ctx, "purge_rate_limits", err, nil)
	} else if n > 0 {
		observability.GlobalLogger.Debug("purged idle rate limit buckets", slog.Int64("rows", n))
	}
}
