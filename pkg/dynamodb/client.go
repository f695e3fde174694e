package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/savaki/berlioz-bot/pkg/store"
)

// API is the subset of the DynamoDB client used by the repositories
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// Tables names every table the store uses
type Tables struct {
	Events              string
	Conversations       string
	ConversationHistory string
	Integrations        string
	Clients             string
	Leases              string
}

// Index names
const (
	PendingIndex = "PendingIndex"
	AppIndex     = "AppIndex"
)

// NewClient creates a new DynamoDB client from AWS config
func NewClient(ctx context.Context) (*dynamodb.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	return dynamodb.NewFromConfig(cfg), nil
}

// NewClientWithConfig creates a DynamoDB client from existing AWS config
func NewClientWithConfig(cfg aws.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg)
}

// Store implements store.Store on DynamoDB
type Store struct {
	*EventRepository
	*ConversationRepository
	*IntegrationRepository
	*LeaseRepository
}

var _ store.Store = (*Store)(nil)

// NewStore wires the repositories to one client
func NewStore(client API, tables Tables, logger zerolog.Logger) *Store {
	logger = logger.With().Str("component", "dynamodb").Logger()
	return &Store{
		EventRepository:        NewEventRepository(client, tables.Events, logger),
		ConversationRepository: NewConversationRepository(client, tables.Conversations, tables.ConversationHistory, logger),
		IntegrationRepository:  NewIntegrationRepository(client, tables.Integrations, tables.Clients),
		LeaseRepository:        NewLeaseRepository(client, tables.Leases),
	}
}

// Close is a no-op; the SDK client holds no connections that need closing
func (s *Store) Close() error {
	return nil
}

// Helper functions

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// isTransactionConditionFailed reports whether a transaction was cancelled
// because one of its condition expressions failed
func isTransactionConditionFailed(err error) bool {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false
	}
	for _, reason := range canceled.CancellationReasons {
		if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func stringAttr(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func numberAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)}
}

func timeAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}
}

func stringPtr(s string) *string {
	return &s
}

func boolPtr(b bool) *bool {
	return &b
}

func int32Ptr(i int32) *int32 {
	return &i
}
