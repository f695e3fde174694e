package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/savaki/berlioz-bot/pkg/metrics"
	"github.com/savaki/berlioz-bot/pkg/models"
	"github.com/savaki/berlioz-bot/pkg/store"
)

// Slack request headers
const (
	HeaderSignature = "X-Slack-Signature"
	HeaderTimestamp = "X-Slack-Request-Timestamp"
	HeaderRetryNum  = "X-Slack-Retry-Num"
)

// IngestStore is the subset of the store the webhook needs
type IngestStore interface {
	store.EventStore
	store.IntegrationStore
	store.ClientStore
}

// Response is the transport-neutral result of ingesting one webhook request
type Response struct {
	StatusCode int
	Body       []byte
}

// Ingestor verifies Slack webhook requests and enqueues message events
type Ingestor struct {
	store    IngestStore
	verifier *Verifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewIngestor creates a new ingestor. m may be nil.
func NewIngestor(s IngestStore, verifier *Verifier, m *metrics.Metrics, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		store:    s,
		verifier: verifier,
		metrics:  m,
		logger:   logger.With().Str("component", "ingest").Logger(),
	}
}

// Ingest handles one webhook body. Only a verified message event is enqueued.
func (i *Ingestor) Ingest(ctx context.Context, headers http.Header, body []byte) Response {
	envelope, err := models.DecodeEnvelope(body)
	if err != nil {
		i.logger.Warn().Err(err).Msg("failed to decode envelope")
		i.metrics.Webhook(metrics.WebhookIgnored)
		return errorResponse(http.StatusBadRequest, "invalid event format")
	}

	// Handle URL verification challenge
	if challenge, ok := envelope.(*models.URLVerification); ok {
		i.logger.Info().Msg("responding to url verification challenge")
		i.metrics.Webhook(metrics.WebhookChallenge)
		return jsonResponse(http.StatusOK, map[string]string{"challenge": challenge.Challenge})
	}

	integration, err := i.verify(ctx, envelope.AppID(), headers, body)
	if err != nil {
		i.logger.Warn().Err(err).Str("app_id", envelope.AppID()).Msg("rejected request")
		i.metrics.Webhook(metrics.WebhookUnauthorized)
		return errorResponse(http.StatusUnauthorized, "invalid signature")
	}

	logger := i.logger.With().Str("integration_id", integration.ID).Logger()

	if other, ok := envelope.(*models.OtherEvent); ok {
		logger.Debug().Str("event_type", other.EventType).Str("reason", other.Reason).Msg("ignoring event")
		i.metrics.Webhook(metrics.WebhookIgnored)
		return okResponse()
	}

	callback := envelope.(*models.MessageCallback)
	if retry := headers.Get(HeaderRetryNum); retry != "" {
		logger = logger.With().Str("retry_num", retry).Logger()
	}

	// Slack redelivers until it sees a 2xx; the event_id dedups redeliveries
	// of an event that was already stored
	event, err := i.store.Enqueue(ctx, integration.ID, callback.EventID, json.RawMessage(body))
	if errors.Is(err, store.ErrDuplicateEvent) {
		logger.Info().Str("slack_event_id", callback.EventID).Msg("ignoring duplicate delivery")
		i.metrics.Webhook(metrics.WebhookIgnored)
		return okResponse()
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to enqueue event")
		i.metrics.Webhook(metrics.WebhookError)
		return errorResponse(http.StatusInternalServerError, "failed to enqueue event")
	}

	logger.Info().Str("event_id", event.ID).Msg("enqueued event")
	i.metrics.Webhook(metrics.WebhookEnqueued)
	return okResponse()
}

// verify resolves the signing secret app -> integration -> client and checks the request
func (i *Ingestor) verify(ctx context.Context, appID string, headers http.Header, body []byte) (*models.Integration, error) {
	signature := headers.Get(HeaderSignature)
	timestamp := headers.Get(HeaderTimestamp)
	if signature == "" || timestamp == "" {
		return nil, errors.New("missing signature headers")
	}
	if appID == "" {
		return nil, errors.New("missing api_app_id")
	}

	integration, err := i.store.GetIntegrationByAppID(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}

	client, err := i.store.GetClientByID(ctx, integration.ClientID)
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}

	if err := i.verifier.Verify(body, timestamp, signature, client.SigningSecret); err != nil {
		return nil, err
	}
	return integration, nil
}

func okResponse() Response {
	return jsonResponse(http.StatusOK, map[string]bool{"ok": true})
}

func errorResponse(status int, message string) Response {
	return jsonResponse(status, map[string]string{"error": message})
}

func jsonResponse(status int, body interface{}) Response {
	data, _ := json.Marshal(body)
	return Response{StatusCode: status, Body: data}
}
