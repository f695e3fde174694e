package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/savaki/berlioz-bot/pkg/models"
	"github.com/savaki/berlioz-bot/pkg/store"
)

// GetConversation retrieves a conversation and its turns
func (s *Store) GetConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	conv := models.Conversation{Key: key.String()}
	err := s.pool.QueryRow(ctx, `
		SELECT id, slack_integration_id, channel_id, thread_ts, created
		FROM slack_chat
		WHERE slack_integration_id = $1 AND channel_id = $2 AND thread_ts = $3`,
		key.IntegrationID, key.ChannelID, key.ThreadAnchor,
	).Scan(&conv.ID, &conv.IntegrationID, &conv.ChannelID, &conv.ThreadAnchor, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	turns, err := s.getTurns(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	conv.Turns = turns

	return &conv, nil
}

// CreateConversation stores a conversation unless one exists for its key
func (s *Store) CreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO slack_chat (id, slack_integration_id, channel_id, thread_ts, created)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (slack_integration_id, channel_id, thread_ts) DO NOTHING`,
		conv.ID, conv.IntegrationID, conv.ChannelID, conv.ThreadAnchor, conv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	if tag.RowsAffected() == 1 {
		s.logger.Info().Str("conversation_id", conv.ID).Str("conversation_key", conv.Key).Msg("created conversation")
		created := *conv
		created.Turns = nil
		return &created, nil
	}

	return s.GetConversation(ctx, models.ConversationKey{
		IntegrationID: conv.IntegrationID,
		ChannelID:     conv.ChannelID,
		ThreadAnchor:  conv.ThreadAnchor,
	})
}

// AppendTurn stores a turn; a seq already stored is left untouched
func (s *Store) AppendTurn(ctx context.Context, turn models.Turn) error {
	content, err := json.Marshal(turn.Content)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO slack_chat_round (id, slack_chat_id, seq, content, created)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (slack_chat_id, seq) DO NOTHING`,
		turn.ID, turn.ConversationID, turn.Seq, string(content), turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func (s *Store) getTurns(ctx context.Context, conversationID string) ([]models.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, slack_chat_id, seq, content, created
		FROM slack_chat_round
		WHERE slack_chat_id = $1
		ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		var (
			turn    models.Turn
			content []byte
		)
		if err := rows.Scan(&turn.ID, &turn.ConversationID, &turn.Seq, &content, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err := json.Unmarshal(content, &turn.Content); err != nil {
			return nil, fmt.Errorf("unmarshal turn %d: %w", turn.Seq, err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}

	return turns, nil
}
