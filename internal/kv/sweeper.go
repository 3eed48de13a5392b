package kv

import (
	"context"
	"log/slog"
	"time"
)

// RunSweeper removes expired entries from s every interval until ctx is
// cancelled. Pending authorizations and authorization codes rely on
// this to be reclaimed.
func RunSweeper(ctx context.Context, s Store, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				logger.Warn("kv sweep failed", slog.String("error", err.Error()))
				continue
			}

			if n > 0 {
				logger.Debug("kv sweep removed expired entries", slog.Int("count", n))
			}
		}
	}
}
