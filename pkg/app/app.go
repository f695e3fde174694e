// Package app builds the concrete store, model and worker selected by
// configuration. It is shared by the binaries under cmd/.
package app

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"

	"github.com/savaki/berlioz-bot/pkg/bedrock"
	"github.com/savaki/berlioz-bot/pkg/config"
	"github.com/savaki/berlioz-bot/pkg/dynamodb"
	"github.com/savaki/berlioz-bot/pkg/extractor"
	"github.com/savaki/berlioz-bot/pkg/generation"
	"github.com/savaki/berlioz-bot/pkg/metrics"
	"github.com/savaki/berlioz-bot/pkg/openai"
	"github.com/savaki/berlioz-bot/pkg/postgres"
	"github.com/savaki/berlioz-bot/pkg/slack"
	"github.com/savaki/berlioz-bot/pkg/store"
	"github.com/savaki/berlioz-bot/pkg/store/memory"
	"github.com/savaki/berlioz-bot/pkg/worker"
)

// OpenStore connects to the configured backend
func OpenStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return dynamodb.NewStore(dynamodb.NewClientWithConfig(awsCfg), Tables(cfg), logger), nil

	case config.BackendPostgres:
		s, err := postgres.New(ctx, postgres.Config{DSN: cfg.DatabaseURL}, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil

	case config.BackendMemory:
		s := memory.New()
		if cfg.SeedPath != "" {
			if err := s.LoadSeed(cfg.SeedPath); err != nil {
				return nil, err
			}
		}
		logger.Warn().Msg("using in-memory store; state is lost on exit")
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// Tables maps configured table names to the DynamoDB store
func Tables(cfg *config.Config) dynamodb.Tables {
	return dynamodb.Tables{
		Events:              cfg.EventsTable,
		Conversations:       cfg.ConversationsTable,
		ConversationHistory: cfg.ConversationHistoryTable,
		Integrations:        cfg.IntegrationsTable,
		Clients:             cfg.ClientsTable,
		Leases:              cfg.LeasesTable,
	}
}

// NewModel creates the configured generation provider
func NewModel(ctx context.Context, cfg *config.Config) (generation.Model, error) {
	switch cfg.GenerationProvider {
	case config.ProviderBedrock:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := bedrock.NewClient(awsCfg)
		if cfg.BedrockModelID != "" {
			client.SetModel(cfg.BedrockModelID)
		}
		if cfg.MaxOutputTokens > 0 {
			client.SetMaxTokens(cfg.MaxOutputTokens)
		}
		return client, nil

	case config.ProviderOpenAI:
		return openai.NewClient(openai.Config{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     cfg.OpenAIModel,
			MaxTokens: cfg.MaxOutputTokens,
		}), nil

	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.GenerationProvider)
	}
}

// NewWorker wires the worker to Slack, the extractor and the model. m may be nil.
func NewWorker(cfg *config.Config, s store.Store, model generation.Model, m *metrics.Metrics, logger zerolog.Logger) *worker.Worker {
	gateway := slack.NewGateway()

	ext := extractor.New(gateway,
		extractor.WithDownloadPath(cfg.DownloadPath),
		extractor.WithMaxBytes(cfg.MaxAttachmentBytes),
		extractor.WithLogger(logger.With().Str("component", "extractor").Logger()),
	)

	return worker.New(
		s,
		ext,
		generation.NewOrchestrator(model, m, logger),
		gateway,
		worker.Config{
			PollInterval:        cfg.PollInterval,
			MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
			LeaseTTL:            cfg.LeaseTTL,
		},
		m,
		logger,
	)
}
