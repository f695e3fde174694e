package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/savaki/berlioz-bot/pkg/models"
	"github.com/savaki/berlioz-bot/pkg/store"
)

// ConversationRepository handles DynamoDB operations for conversations. The
// conversations table is keyed by conversation_key; the history table by
// (conversation_id, seq).
type ConversationRepository struct {
	client       API
	tableName    string
	historyTable string
	logger       zerolog.Logger
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(client API, tableName, historyTable string, logger zerolog.Logger) *ConversationRepository {
	return &ConversationRepository{
		client:       client,
		tableName:    tableName,
		historyTable: historyTable,
		logger:       logger,
	}
}

// GetConversation retrieves a conversation and its turns by identity key
func (r *ConversationRepository) GetConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &r.tableName,
		Key: map[string]types.AttributeValue{
			"conversation_key": stringAttr(key.String()),
		},
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	if result.Item == nil {
		return nil, store.ErrNotFound
	}

	var conv models.Conversation
	if err := attributevalue.UnmarshalMap(result.Item, &conv); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}

	turns, err := r.getTurns(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	conv.Turns = turns

	return &conv, nil
}

// CreateConversation stores a conversation unless one exists for its key
func (r *ConversationRepository) CreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	item, err := attributevalue.MarshalMap(conv)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &r.tableName,
		Item:                item,
		ConditionExpression: stringPtr("attribute_not_exists(conversation_key)"),
	})
	if err == nil {
		r.logger.Info().Str("conversation_id", conv.ID).Str("conversation_key", conv.Key).Msg("created conversation")
		created := *conv
		created.Turns = nil
		return &created, nil
	}
	if !isConditionFailed(err) {
		return nil, fmt.Errorf("put conversation: %w", err)
	}

	key := models.ConversationKey{
		IntegrationID: conv.IntegrationID,
		ChannelID:     conv.ChannelID,
		ThreadAnchor:  conv.ThreadAnchor,
	}
	return r.GetConversation(ctx, key)
}

// AppendTurn stores a message in the conversation history
func (r *ConversationRepository) AppendTurn(ctx context.Context, turn models.Turn) error {
	item, err := attributevalue.MarshalMap(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &r.historyTable,
		Item:                item,
		ConditionExpression: stringPtr("attribute_not_exists(seq)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			r.logger.Debug().Str("conversation_id", turn.ConversationID).Int("seq", turn.Seq).Msg("turn already stored")
			return nil
		}
		return fmt.Errorf("put turn: %w", err)
	}

	r.logger.Debug().Str("conversation_id", turn.ConversationID).Int("seq", turn.Seq).Msg("saved turn")
	return nil
}

// getTurns retrieves the history of a conversation ordered by seq
func (r *ConversationRepository) getTurns(ctx context.Context, conversationID string) ([]models.Turn, error) {
	paginator := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:              &r.historyTable,
		KeyConditionExpression: stringPtr("conversation_id = :convId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":convId": stringAttr(conversationID),
		},
		ScanIndexForward: boolPtr(true), // Sort by seq ascending
		ConsistentRead:   boolPtr(true),
	})

	var turns []models.Turn
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query turns: %w", err)
		}

		var items []models.Turn
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal turns: %w", err)
		}
		turns = append(turns, items...)
	}

	return turns, nil
}
