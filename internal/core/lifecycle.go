package core

import (
	"context"
	"os"
	"time"

	"github.com/tagers/ops-platform/pkg/queue"
)

// RegisterConsumer is the generic entry point for wiring a handler onto one
// of this Core's queues (the messaging queue for kiss-api's inbound event
// processing, or any other the caller needs). The returned Consumer is also
// tracked so Shutdown drains it.
func (c *Core) RegisterConsumer(ctx context.Context, poolID string, q *queue.Queue, dlq *queue.DLQ, handler queue.Handler, opts queue.ConsumerOptions) *queue.Consumer {
	consumer := queue.RegisterConsumer(ctx, poolID, q, dlq, c.Locks, c.Audit, handler, opts)
	c.consumers = append(c.consumers, consumer)
	return consumer
}

// StartBackground starts the registry's hot-reload loop and the stalled-job
// recovery sweeps for both queues. Call once after every
// collaborator/consumer has been registered.
func (c *Core) StartBackground(ctx context.Context) {
	c.Registry.Start()
	go queue.RunStalledRecovery(ctx, c.Queue, time.Minute, nil)
	go queue.RunStalledRecovery(ctx, c.DetectorsQueue, time.Minute, nil)
	go c.pruneLocalLocks(ctx)
	go c.purgeCompletedJobs(ctx)
	go c.expirePendingActions(ctx)
}

// expirePendingActions sweeps PENDING actions past their expires_at and
// marks them EXPIRED.
func (c *Core) expirePendingActions(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.Actions.ProcessExpired(ctx); err != nil {
				c.log.Warn("expired-action sweep failed", "error", err)
			} else if n > 0 {
				c.log.Info("expired pending actions", "count", n)
			}
		}
	}
}

// purgeCompletedJobs deletes completed jobs past the retention window on
// both queues.
func (c *Core) purgeCompletedJobs(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range []*queue.Queue{c.Queue, c.DetectorsQueue} {
				if n, err := q.PurgeCompleted(ctx, c.Config.JobCompletedRetention); err != nil {
					c.log.Warn("completed-job purge failed", "error", err)
				} else if n > 0 {
					c.log.Info("purged completed jobs", "count", n)
				}
			}
		}
	}
}

// pruneLocalLocks evicts expired entries from the lock manager's in-process
// fallback map once per minute.
func (c *Core) pruneLocalLocks(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Locks.PruneLocal()
		}
	}
}

// Shutdown runs the graceful-shutdown sequence: stop the scheduler and
// registry refresh, stop the consumers and wait for in-flight work up to
// drainTimeout, release every lock this process still owns, then close the
// KV and database connections.
func (c *Core) Shutdown(ctx context.Context, drainTimeout time.Duration) error {
	c.log.Info("core shutdown starting", "drain_timeout", drainTimeout)

	c.Scheduler.Stop()
	c.Registry.Stop()

	drained := make(chan struct{})
	go func() {
		for _, consumer := range c.consumers {
			consumer.Stop()
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		c.log.Warn("shutdown drain timed out, proceeding with forced release")
	}

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Locks.ReleaseAllOwned(releaseCtx)

	if err := c.KV.Close(); err != nil {
		c.log.Warn("error closing kv store", "error", err)
	}
	c.DB.Pool.Close()

	c.log.Info("core shutdown complete")
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown-host"
	}
	return h
}
