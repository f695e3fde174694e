package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// MockAPI mocks the DynamoDB API for testing
type MockAPI struct {
	PutItemFunc    func(ctx context.Context, params *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	GetItemFunc    func(ctx context.Context, params *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	UpdateItemFunc func(ctx context.Context, params *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	DeleteItemFunc func(ctx context.Context, params *dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error)
	QueryFunc      func(ctx context.Context, params *dynamodb.QueryInput) (*dynamodb.QueryOutput, error)

	TransactWriteItemsFunc func(ctx context.Context, params *dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error)
}

// Verify MockAPI implements API
var _ API = (*MockAPI)(nil)

func (m *MockAPI) PutItem(ctx context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.PutItemFunc != nil {
		return m.PutItemFunc(ctx, params)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *MockAPI) GetItem(ctx context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.GetItemFunc != nil {
		return m.GetItemFunc(ctx, params)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *MockAPI) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if m.UpdateItemFunc != nil {
		return m.UpdateItemFunc(ctx, params)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *MockAPI) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if m.DeleteItemFunc != nil {
		return m.DeleteItemFunc(ctx, params)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *MockAPI) Query(ctx context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, params)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (m *MockAPI) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if m.TransactWriteItemsFunc != nil {
		return m.TransactWriteItemsFunc(ctx, params)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func conditionFailed() error {
	return fmt.Errorf("operation error: %w", &types.ConditionalCheckFailedException{Message: stringPtr("conditional check failed")})
}

// transactionConditionFailed cancels a transaction on its second item
func transactionConditionFailed() error {
	return fmt.Errorf("operation error: %w", &types.TransactionCanceledException{
		Message: stringPtr("transaction cancelled"),
		CancellationReasons: []types.CancellationReason{
			{Code: stringPtr("None")},
			{Code: stringPtr("ConditionalCheckFailed")},
		},
	})
}

func attrString(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}
