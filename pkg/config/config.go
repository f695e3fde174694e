package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store backends
const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Generation providers
const (
	ProviderBedrock = "bedrock"
	ProviderOpenAI  = "openai"
)

// Config holds application configuration loaded from environment variables
type Config struct {
	// AWS
	AWSRegion string

	// Storage
	StoreBackend string
	DatabaseURL  string
	SeedPath     string

	// DynamoDB
	EventsTable              string
	ConversationsTable       string
	ConversationHistoryTable string
	IntegrationsTable        string
	ClientsTable             string
	LeasesTable              string

	// Generation
	GenerationProvider string
	BedrockModelID     string
	OpenAIAPIKey       string
	OpenAIModel        string
	OpenAIBaseURL      string
	MaxOutputTokens    int

	// Worker
	PollInterval        time.Duration
	MaxDeliveryAttempts int
	LeaseTTL            time.Duration
	DownloadPath        string
	MaxAttachmentBytes  int64

	// Webhook
	ListenAddr        string
	SignatureMaxAge   time.Duration
	RunEmbeddedWorker bool

	// Logging
	LogLevel  string
	LogPretty bool

	// Environment
	Environment string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		AWSRegion:                getEnv("AWS_REGION", "us-east-1"),
		StoreBackend:             getEnv("STORE_BACKEND", BackendDynamoDB),
		DatabaseURL:              getEnv("DATABASE_URL", ""),
		SeedPath:                 getEnv("SEED_PATH", ""),
		EventsTable:              getEnv("EVENTS_TABLE", "berlioz-events"),
		ConversationsTable:       getEnv("CONVERSATIONS_TABLE", "berlioz-conversations"),
		ConversationHistoryTable: getEnv("CONVERSATION_HISTORY_TABLE", "berlioz-conversation-history"),
		IntegrationsTable:        getEnv("INTEGRATIONS_TABLE", "berlioz-integrations"),
		ClientsTable:             getEnv("CLIENTS_TABLE", "berlioz-clients"),
		LeasesTable:              getEnv("LEASES_TABLE", "berlioz-leases"),
		GenerationProvider:       getEnv("GENERATION_PROVIDER", ProviderBedrock),
		BedrockModelID:           getEnv("BEDROCK_MODEL_ID", "anthropic.claude-3-5-sonnet-20241022-v2:0"),
		OpenAIAPIKey:             getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:              getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:            getEnv("OPENAI_BASE_URL", ""),
		MaxOutputTokens:          getEnvInt("MAX_OUTPUT_TOKENS", 4096),
		PollInterval:             getEnvDuration("WORKER_POLL_INTERVAL", 5*time.Second),
		MaxDeliveryAttempts:      getEnvInt("MAX_DELIVERY_ATTEMPTS", 10),
		LeaseTTL:                 getEnvDuration("WORKER_LEASE_TTL", 30*time.Second),
		DownloadPath:             getEnv("DOWNLOAD_PATH", "/var/tmp"),
		MaxAttachmentBytes:       int64(getEnvInt("MAX_ATTACHMENT_BYTES", 20<<20)),
		ListenAddr:               getEnv("LISTEN_ADDR", ":8080"),
		SignatureMaxAge:          getEnvDuration("SLACK_SIGNATURE_MAX_AGE", 5*time.Minute),
		RunEmbeddedWorker:        getEnvBool("RUN_EMBEDDED_WORKER", false),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		LogPretty:                getEnvBool("LOG_PRETTY", false),
		Environment:              getEnv("ENVIRONMENT", "dev"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the storage configuration is complete
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendDynamoDB:
		tables := []struct{ key, value string }{
			{"EVENTS_TABLE", c.EventsTable},
			{"CONVERSATIONS_TABLE", c.ConversationsTable},
			{"CONVERSATION_HISTORY_TABLE", c.ConversationHistoryTable},
			{"INTEGRATIONS_TABLE", c.IntegrationsTable},
			{"CLIENTS_TABLE", c.ClientsTable},
			{"LEASES_TABLE", c.LeasesTable},
		}
		for _, table := range tables {
			if table.value == "" {
				return fmt.Errorf("%s is required", table.key)
			}
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	return nil
}

// ValidateWorker checks worker-specific configuration
func (c *Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	switch c.GenerationProvider {
	case ProviderBedrock:
		if c.BedrockModelID == "" {
			return fmt.Errorf("BEDROCK_MODEL_ID is required")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required")
		}
		if c.OpenAIModel == "" {
			return fmt.Errorf("OPENAI_MODEL is required")
		}
	default:
		return fmt.Errorf("unknown GENERATION_PROVIDER %q", c.GenerationProvider)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL must be positive")
	}
	if c.MaxDeliveryAttempts < 0 {
		return fmt.Errorf("MAX_DELIVERY_ATTEMPTS must not be negative")
	}
	if c.MaxAttachmentBytes <= 0 {
		return fmt.Errorf("MAX_ATTACHMENT_BYTES must be positive")
	}
	return nil
}

// ValidateServer checks webhook-specific configuration
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.SignatureMaxAge <= 0 {
		return fmt.Errorf("SLACK_SIGNATURE_MAX_AGE must be positive")
	}
	if c.RunEmbeddedWorker {
		return c.ValidateWorker()
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare integers are seconds
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		switch value {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultValue
}
