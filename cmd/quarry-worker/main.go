// Package main provides the Quarry background worker entrypoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/pkg/engine"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "quarry-worker",
	})

	logger.Info().
		Str("env", cfg.AppEnv).
		Str("version", engine.Version).
		Msg("Starting Quarry worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Engine startup failed")
		os.Exit(1)
	}
	defer eng.Close()

	if err := eng.NewWorker().Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("Worker stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Worker stopped")
}
