package queue

import (
	"context"
	"log/slog"
	"time"
)

// RunStalledRecovery periodically re-queues stalled jobs until ctx is done
// or stop is closed. All pods run this independently; recovery is
// idempotent since it only touches jobs whose lease has already expired.
func RunStalledRecovery(ctx context.Context, q *Queue, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			n, err := q.RecoverStalled(ctx)
			if err != nil {
				slog.Error("stalled job recovery failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Warn("recovered stalled jobs", "count", n)
			}
		}
	}
}
