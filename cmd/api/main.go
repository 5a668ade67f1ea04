package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/markdave123-py/kbchat/internal/app"
	"github.com/markdave123-py/kbchat/internal/config"
	"github.com/markdave123-py/kbchat/internal/logging"
)

func main() {
	cfg := config.LoadConfig()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	// Handle SIGINT/SIGTERM for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("startup failed")
	}
	defer application.Close()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- application.Server.Start()
	}()

	logging.Info().Str("store", cfg.StoreDriver).Msg("kbchat is running")

	select {
	case <-ctx.Done():
		logging.Info().Msg("shutting down...")
	case err := <-serveErr:
		if err != nil {
			logging.Error().Err(err).Msg("server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := application.Server.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
}
