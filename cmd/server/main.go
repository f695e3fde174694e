package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/savaki/berlioz-bot/pkg/app"
	appconfig "github.com/savaki/berlioz-bot/pkg/config"
	"github.com/savaki/berlioz-bot/pkg/handler"
	"github.com/savaki/berlioz-bot/pkg/logging"
	"github.com/savaki/berlioz-bot/pkg/metrics"
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
		Service: "berlioz-server",
	})

	if err := cfg.ValidateServer(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
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

	m := metrics.New()
	ingestor := handler.NewIngestor(s, handler.NewVerifier(cfg.SignatureMaxAge), m, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.NewRouter(ingestor, m.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	workerDone := make(chan error, 1)
	if cfg.RunEmbeddedWorker {
		model, err := app.NewModel(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create model")
		}
		w := app.NewWorker(cfg, s, model, m, logger)
		go func() { workerDone <- w.Run(ctx) }()
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Bool("embedded_worker", cfg.RunEmbeddedWorker).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	workerRunning := cfg.RunEmbeddedWorker
	select {
	case <-ctx.Done():
	case err := <-workerDone:
		workerRunning = false
		logger.Error().Err(err).Msg("embedded worker stopped")
		stop()
	}

	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	if workerRunning {
		select {
		case <-workerDone:
		case <-shutdownCtx.Done():
			logger.Warn().Msg("embedded worker did not stop in time")
		}
	}

	logger.Info().Msg("server stopped")
}
