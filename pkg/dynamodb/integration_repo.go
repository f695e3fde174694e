package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/savaki/berlioz-bot/pkg/models"
	"github.com/savaki/berlioz-bot/pkg/store"
)

// IntegrationRepository reads integrations and the clients that own them
type IntegrationRepository struct {
	client           API
	tableName        string
	clientsTableName string
}

// NewIntegrationRepository creates a new integration repository
func NewIntegrationRepository(client API, tableName, clientsTableName string) *IntegrationRepository {
	return &IntegrationRepository{
		client:           client,
		tableName:        tableName,
		clientsTableName: clientsTableName,
	}
}

// GetIntegrationByID retrieves an integration by its primary key
func (r *IntegrationRepository) GetIntegrationByID(ctx context.Context, integrationID string) (*models.Integration, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &r.tableName,
		Key: map[string]types.AttributeValue{
			"integration_id": stringAttr(integrationID),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}

	if result.Item == nil {
		return nil, store.ErrNotFound
	}

	var integration models.Integration
	if err := attributevalue.UnmarshalMap(result.Item, &integration); err != nil {
		return nil, fmt.Errorf("unmarshal integration: %w", err)
	}

	return &integration, nil
}

// GetIntegrationByAppID retrieves the integration registered for a Slack app
func (r *IntegrationRepository) GetIntegrationByAppID(ctx context.Context, appID string) (*models.Integration, error) {
	result, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              &r.tableName,
		IndexName:              stringPtr(AppIndex),
		KeyConditionExpression: stringPtr("app_id = :appId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":appId": stringAttr(appID),
		},
		Limit: int32Ptr(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query integration by app: %w", err)
	}

	if len(result.Items) == 0 {
		return nil, store.ErrNotFound
	}

	var integration models.Integration
	if err := attributevalue.UnmarshalMap(result.Items[0], &integration); err != nil {
		return nil, fmt.Errorf("unmarshal integration: %w", err)
	}

	return &integration, nil
}

// GetClientByID retrieves a Slack app client
func (r *IntegrationRepository) GetClientByID(ctx context.Context, clientID string) (*models.Client, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &r.clientsTableName,
		Key: map[string]types.AttributeValue{
			"client_id": stringAttr(clientID),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}

	if result.Item == nil {
		return nil, store.ErrNotFound
	}

	var client models.Client
	if err := attributevalue.UnmarshalMap(result.Item, &client); err != nil {
		return nil, fmt.Errorf("unmarshal client: %w", err)
	}

	return &client, nil
}
