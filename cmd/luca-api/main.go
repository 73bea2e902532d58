// luca-api is the operational-intelligence-tier entrypoint: it runs the
// scheduled detector framework against the shared substrate and exposes
// the admin surface (no inbound webhooks).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tagers/ops-platform/internal/core"
	"github.com/tagers/ops-platform/internal/detectors"
	"github.com/tagers/ops-platform/pkg/api"
	"github.com/tagers/ops-platform/pkg/config"
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

	loader := detectors.NewWebhookCountLoader(c.Audit)
	if err := c.RegisterDetector(detectors.WebhookVolumeSpec, loader, detectors.WebhookVolumeAnalyzer()); err != nil {
		slog.Error("failed to register detector", "detector_id", detectors.WebhookVolumeSpec.DetectorID, "error", err)
		os.Exit(1)
	}

	c.StartDetectors(ctx, cfg.DetectorConcurrencyCap)
	c.StartBackground(ctx)

	server := api.NewServer(c, "luca-api")
	server.RegisterAdminRoutes()

	addr := ":" + cfg.HTTPPort
	go func() {
		slog.Info("luca-api listening", "addr", addr)
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
