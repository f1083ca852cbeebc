package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Zereker/lobby"
)

func main() {
	// Optional .env for local runs; real deployments set the environment.
	_ = godotenv.Load()

	logger := lobby.NewLogger(os.Getenv("APP_ENV"))
	slog.SetDefault(logger)

	cfg := lobby.ConfigFromEnv()
	cfg.Logger = logger

	server, err := lobby.NewServer(cfg)
	if err != nil {
		logger.Error("failed to start server", "addr", cfg.Addr, "error", err)
		os.Exit(1)
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down server...")
		cancel()
	}()

	if err := server.Serve(ctx); err != nil && err != context.Canceled {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
