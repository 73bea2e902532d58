// kiss-api is the messaging-tier entrypoint: it terminates CRM, payment,
// and messaging-channel webhooks, dedupes and enqueues inbound events, and
// drains the job queue through the dispatcher/router pipeline.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tagers/ops-platform/internal/core"
	"github.com/tagers/ops-platform/internal/pipeline"
	"github.com/tagers/ops-platform/pkg/api"
	"github.com/tagers/ops-platform/pkg/config"
	"github.com/tagers/ops-platform/pkg/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded, continuing with process environment")
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(2)
	}

	c, err := core.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to build core", "error", err)
		os.Exit(1)
	}

	c.RegisterConsumer(ctx, "kiss-api", c.Queue, c.DLQ, pipeline.NewHandler(c), queue.ConsumerOptions{
		Concurrency:     cfg.WorkerConcurrency,
		BackoffBase:     cfg.JobBackoffBase,
		Lease:           cfg.JobLeaseWindow,
		ProcessDeadline: cfg.JobProcessDeadline,
	})

	c.StartBackground(ctx)

	server := api.NewServer(c, "kiss-api")
	server.RegisterWebhookRoutes()
	server.RegisterAdminRoutes()

	addr := ":" + cfg.HTTPPort
	go func() {
		slog.Info("kiss-api listening", "addr", addr)
		if err := server.Start(addr); err != nil {
			slog.Error("http server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "error", err)
	}
	if err := c.Shutdown(shutdownCtx, cfg.DrainTimeout); err != nil {
		slog.Warn("core shutdown error", "error", err)
	}
}
