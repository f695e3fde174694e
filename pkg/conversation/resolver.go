// Package conversation maps Slack threads to stored conversations and keeps
// their turn history in step with generation history.
package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/savaki/berlioz-bot/pkg/generation"
	"github.com/savaki/berlioz-bot/pkg/models"
	"github.com/savaki/berlioz-bot/pkg/store"
)

// Resolver owns conversations and turns
type Resolver struct {
	store  store.ConversationStore
	logger zerolog.Logger
}

// NewResolver creates a new resolver
func NewResolver(s store.ConversationStore, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:  s,
		logger: logger.With().Str("component", "conversation").Logger(),
	}
}

// Resolve returns the conversation for a thread with its ordered turns, or
// nil when the thread has none yet
func (r *Resolver) Resolve(ctx context.Context, integrationID, channelID, threadAnchor string) (*models.Conversation, error) {
	key := models.ConversationKey{IntegrationID: integrationID, ChannelID: channelID, ThreadAnchor: threadAnchor}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	conv, err := r.store.GetConversation(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve conversation %s: %w", key, err)
	}
	return conv, nil
}

// CreateIfAbsent returns the conversation for key, creating it if needed
func (r *Resolver) CreateIfAbsent(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	conv, err := r.store.CreateConversation(ctx, models.NewConversation(key))
	if err != nil {
		return nil, fmt.Errorf("create conversation %s: %w", key, err)
	}
	return conv, nil
}

// AppendTurns appends turns to a conversation in order. Each append is
// independent: on failure the turns already written stay written.
func (r *Resolver) AppendTurns(ctx context.Context, conversationID string, turns []models.Turn) error {
	for _, turn := range turns {
		turn.ConversationID = conversationID
		if err := r.store.AppendTurn(ctx, turn); err != nil {
			return fmt.Errorf("append turn %d of %s: %w", turn.Seq, conversationID, err)
		}
	}
	return nil
}

// Reconcile persists the entries of history that conv has not stored yet.
// conv may be nil, in which case the conversation is created first. Entries
// are matched by sequence number, so replaying the same history is a no-op.
func (r *Resolver) Reconcile(ctx context.Context, conv *models.Conversation, key models.ConversationKey, history []generation.Entry) (*models.Conversation, error) {
	if conv == nil {
		created, err := r.CreateIfAbsent(ctx, key)
		if err != nil {
			return nil, err
		}
		conv = created
	}

	next := conv.NextSeq()
	var turns []models.Turn
	for _, entry := range history {
		if entry.Seq < next {
			continue
		}
		turns = append(turns, models.NewTurn(conv.ID, entry.Seq, entry.Content))
	}

	if err := r.AppendTurns(ctx, conv.ID, turns); err != nil {
		return nil, err
	}

	r.logger.Debug().
		Str("conversation_id", conv.ID).
		Int("stored", len(conv.Turns)).
		Int("appended", len(turns)).
		Msg("reconciled history")

	updated := *conv
	updated.Turns = append(append([]models.Turn(nil), conv.Turns...), turns...)
	return &updated, nil
}
