// Package worker drains the event queue: for each pending event it builds a
// prompt, generates a reply, posts it in the originating thread and records
// the exchange in the conversation history.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/savaki/berlioz-bot/pkg/conversation"
	"github.com/savaki/berlioz-bot/pkg/generation"
	"github.com/savaki/berlioz-bot/pkg/metrics"
	"github.com/savaki/berlioz-bot/pkg/models"
	"github.com/savaki/berlioz-bot/pkg/store"
)

// Defaults
const (
	DefaultPollInterval        = 5 * time.Second
	DefaultMaxDeliveryAttempts = 10
	DefaultLeaseTTL            = 30 * time.Second
)

// ErrLeaseLost is returned by Run when another owner takes the worker lease
var ErrLeaseLost = errors.New("worker lease lost")

// errRetryLater marks a process error that happened before any delivery was
// attempted. The event stays pending without counting an attempt.
var errRetryLater = errors.New("retry later")

// Store is the subset of store.Store the worker needs
type Store interface {
	store.EventStore
	store.ConversationStore
	store.IntegrationStore
	store.WorkerLease
}

// Extractor builds a generation request from a message
type Extractor interface {
	Extract(ctx context.Context, event *models.MessageEvent, integration *models.Integration) (*models.GenerationRequest, error)
}

// Generator runs one generation turn on top of prior history
type Generator interface {
	Generate(ctx context.Context, history []models.Content, req *models.GenerationRequest) (*generation.Result, error)
}

// Replier posts a threaded reply with a bot token
type Replier interface {
	PostReply(ctx context.Context, token, channelID, threadTS, text string) error
}

// Config controls the polling loop
type Config struct {
	PollInterval time.Duration

	// MaxDeliveryAttempts abandons an event after this many failed sends.
	// Zero retries forever.
	MaxDeliveryAttempts int

	LeaseTTL time.Duration

	// Owner identifies this process in the worker lease
	Owner string
}

// Worker is the single consumer of the event queue
type Worker struct {
	store     Store
	resolver  *conversation.Resolver
	extractor Extractor
	generator Generator
	replier   Replier
	cfg       Config
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	idle bool
}

// New creates a worker. m may be nil.
func New(s Store, extractor Extractor, generator Generator, replier Replier, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.MaxDeliveryAttempts < 0 {
		cfg.MaxDeliveryAttempts = 0
	}
	if cfg.Owner == "" {
		cfg.Owner = models.NewID("worker")
	}

	logger = logger.With().Str("component", "worker").Logger()
	return &Worker{
		store:     s,
		resolver:  conversation.NewResolver(s, logger),
		extractor: extractor,
		generator: generator,
		replier:   replier,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
	}
}

// Run acquires the worker lease and polls until ctx is cancelled. The cycle
// in flight when ctx is cancelled runs to completion. Run fails immediately
// with store.ErrLeaseHeld when another worker is active.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.store.AcquireLease(ctx, w.cfg.Owner, w.cfg.LeaseTTL); err != nil {
		return fmt.Errorf("acquire worker lease: %w", err)
	}
	defer func() {
		if err := w.store.ReleaseLease(context.WithoutCancel(ctx), w.cfg.Owner); err != nil {
			w.logger.Error().Err(err).Msg("failed to release worker lease")
		}
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go w.heartbeat(ctx, cancel)

	w.logger.Info().
		Str("owner", w.cfg.Owner).
		Dur("poll_interval", w.cfg.PollInterval).
		Int("max_delivery_attempts", w.cfg.MaxDeliveryAttempts).
		Msg("worker started")

	for {
		more, err := w.ProcessNext(context.WithoutCancel(ctx))
		if err != nil {
			w.logger.Error().Err(err).Msg("poll failed")
		}

		if more && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); errors.Is(cause, ErrLeaseLost) {
				return cause
			}
			w.logger.Info().Msg("worker stopped")
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(w.cfg.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.store.RenewLease(ctx, w.cfg.Owner, w.cfg.LeaseTTL)
			if err == nil {
				continue
			}
			if errors.Is(err, store.ErrLeaseHeld) {
				w.logger.Error().Err(err).Msg("worker lease taken over")
				cancel(fmt.Errorf("%w: %w", ErrLeaseLost, err))
				return
			}
			w.logger.Warn().Err(err).Msg("failed to renew worker lease")
		}
	}
}

// ProcessNext handles the oldest pending event. more reports whether the
// event left the queue, so the caller may poll again without waiting.
func (w *Worker) ProcessNext(ctx context.Context) (more bool, err error) {
	event, err := w.store.ClaimNext(ctx)
	if errors.Is(err, store.ErrNotFound) {
		if !w.idle {
			w.logger.Info().Msg("no unprocessed events")
			w.idle = true
			w.metrics.Idle(true)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim next event: %w", err)
	}

	if w.idle {
		w.idle = false
		w.metrics.Idle(false)
	}

	logger := w.logger.With().
		Str("event_id", event.ID).
		Str("integration_id", event.IntegrationID).
		Logger()

	outcome, err := w.process(logger.WithContext(ctx), event)
	switch {
	case errors.Is(err, errRetryLater):
		logger.Warn().Err(err).Msg("event left pending, will retry on next poll")
		outcome = metrics.EventRetried
	case err != nil:
		logger.Error().Err(err).Msg("failed to process event")
		outcome = w.deliveryFailed(ctx, logger, event, err)
	}

	w.metrics.Event(outcome)
	switch outcome {
	case metrics.EventRetried, metrics.EventFailed:
		return false, nil
	}
	return true, nil
}

// process runs one event through extract, generate, deliver and persist. An
// error means the event stays pending; unless it wraps errRetryLater it also
// counts as a failed attempt.
func (w *Worker) process(ctx context.Context, event *models.Event) (outcome string, err error) {
	logger := zerolog.Ctx(ctx)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing event %s: %v", event.ID, r)
		}
	}()

	envelope, err := models.DecodeEnvelope(event.Payload)
	if err != nil {
		logger.Warn().Err(err).Msg("undecodable payload, skipping")
		return w.finish(ctx, event, metrics.EventSkipped), nil
	}

	callback, ok := envelope.(*models.MessageCallback)
	if !ok {
		logger.Debug().Msg("not a message event, skipping")
		return w.finish(ctx, event, metrics.EventSkipped), nil
	}

	integration, err := w.store.GetIntegrationByAppID(ctx, callback.APIAppID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn().Str("app_id", callback.APIAppID).Msg("no integration for app, skipping")
		return w.finish(ctx, event, metrics.EventSkipped), nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: get integration %s: %w", errRetryLater, callback.APIAppID, err)
	}

	message := callback.Event
	key := models.ConversationKey{
		IntegrationID: integration.ID,
		ChannelID:     message.Channel,
		ThreadAnchor:  message.ThreadAnchor(),
	}
	logger.UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Str("channel", key.ChannelID).Str("thread_ts", key.ThreadAnchor)
	})

	conv, err := w.resolver.Resolve(ctx, key.IntegrationID, key.ChannelID, key.ThreadAnchor)
	if err != nil {
		logger.Error().Err(err).Msg("conversation lookup failed, skipping")
		return w.finish(ctx, event, metrics.EventSkipped), nil
	}

	text, history := w.reply(ctx, &message, integration, conv)

	if err := w.replier.PostReply(ctx, integration.AccessToken, key.ChannelID, key.ThreadAnchor, text); err != nil {
		w.metrics.Delivery(false)
		return "", fmt.Errorf("deliver reply: %w", err)
	}
	w.metrics.Delivery(true)

	outcome = metrics.EventReplied
	if history != nil {
		if _, err := w.resolver.Reconcile(ctx, conv, key, history); err != nil {
			logger.Error().Err(err).Msg("failed to persist turns")
			outcome = metrics.EventFailed
		}
	}

	return w.finish(ctx, event, outcome), nil
}

// reply produces the text to send. history is nil when nothing should be
// persisted.
func (w *Worker) reply(ctx context.Context, message *models.MessageEvent, integration *models.Integration, conv *models.Conversation) (string, []generation.Entry) {
	logger := zerolog.Ctx(ctx)

	req, err := w.extractor.Extract(ctx, message, integration)
	if err != nil {
		logger.Warn().Err(err).Msg("extraction failed")
		return err.Error(), nil
	}

	result, err := w.generator.Generate(ctx, conv.History(), req)
	if err != nil {
		logger.Warn().Err(err).Msg("generation failed")
		return err.Error(), nil
	}

	return result.Text, result.History
}

// finish marks the event processed. A failure leaves it pending, which
// means it will be handled again on the next poll.
func (w *Worker) finish(ctx context.Context, event *models.Event, outcome string) string {
	if err := w.store.MarkProcessed(ctx, event.ID); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to mark event processed")
		return metrics.EventFailed
	}
	zerolog.Ctx(ctx).Info().Str("outcome", outcome).Msg("processed event")
	return outcome
}

// deliveryFailed records a failed attempt and abandons the event once the
// attempt limit is reached
func (w *Worker) deliveryFailed(ctx context.Context, logger zerolog.Logger, event *models.Event, cause error) string {
	attempts, err := w.store.RecordDeliveryFailure(ctx, event.ID, cause.Error())
	if err != nil {
		logger.Error().Err(err).Msg("failed to record delivery failure")
		return metrics.EventRetried
	}

	if w.cfg.MaxDeliveryAttempts == 0 || attempts < w.cfg.MaxDeliveryAttempts {
		logger.Warn().Int("attempts", attempts).Msg("will retry on next poll")
		return metrics.EventRetried
	}

	if err := w.store.MarkAbandoned(ctx, event.ID, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("failed to abandon event")
		return metrics.EventRetried
	}
	logger.Warn().Int("attempts", attempts).Msg("abandoned event")
	return metrics.EventAbandoned
}
