package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/savaki/berlioz-bot/pkg/app"
	appconfig "github.com/savaki/berlioz-bot/pkg/config"
	"github.com/savaki/berlioz-bot/pkg/logging"
	"github.com/savaki/berlioz-bot/pkg/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}

	cfg, err := appconfig.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: "berlioz-worker",
	})

	if err := cfg.ValidateWorker(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.StoreBackend == appconfig.BackendMemory {
		logger.Warn().Msg("memory backend is not shared with the webhook; use cmd/server with RUN_EMBEDDED_WORKER instead")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close store")
		}
	}()

	model, err := app.NewModel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create model")
	}

	logger.Info().
		Str("store", cfg.StoreBackend).
		Str("provider", model.Name()).
		Str("environment", cfg.Environment).
		Msg("starting worker")

	w := app.NewWorker(cfg, s, model, nil, logger)
	if err := w.Run(ctx); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			logger.Error().Err(err).Msg("another worker is already running")
		} else {
			logger.Error().Err(err).Msg("worker failed")
		}
		stop()
		os.Exit(1)
	}
}
