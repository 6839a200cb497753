package store

import (
	"context"
	"log/slog"
	"time"
)

// CleanupCallback is called with the number of sessions removed by a sweep.
type CleanupCallback func(deleted int64)

// StartTTLWorker runs a background goroutine that periodically removes sessions
// idle for longer than ttl. A non-positive ttl disables the worker.
func StartTTLWorker(ctx context.Context, repo Repository, ttl, interval time.Duration, onCleanup CleanupCallback) {
	if ttl <= 0 {
		slog.Info("Session TTL disabled, sessions live until deleted")
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepExpiredSessions(ctx, repo, ttl, onCleanup)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpiredSessions(ctx context.Context, repo Repository, ttl time.Duration, onCleanup CleanupCallback) {
	deleted, err := repo.DeleteExpired(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to delete expired sessions", "error", err)
		return
	}
	if deleted == 0 {
		return
	}
	slog.Info("TTL worker cleaned up expired sessions", "count", deleted)
	if onCleanup != nil {
		onCleanup(deleted)
	}
}
