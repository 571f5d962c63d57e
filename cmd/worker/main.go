package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kirillkom/file-bridge/internal/bootstrap"
	"github.com/kirillkom/file-bridge/internal/config"
	"github.com/kirillkom/file-bridge/internal/observability/logging"
)

func main() {
	if err := run(); err != nil {
		slog.Error("bridge_stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; real environment variables take precedence.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewJSONLogger("file-bridge", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	logger.Info("bridge_started",
		"root", cfg.Root,
		"directories", len(cfg.WatchedDirectories),
		"workers", cfg.WorkerPoolSize,
		"store", cfg.StoreDriver,
	)
	return app.Run(ctx)
}
