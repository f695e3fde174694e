package dynamodb

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/savaki/berlioz-bot/pkg/store"
)

// workerLeaseName is the single lease item guarding the event queue
const workerLeaseName = "event-worker"

// LeaseRepository stores the worker lease as one conditional item
type LeaseRepository struct {
	client    API
	tableName string
	now       func() time.Time
}

// NewLeaseRepository creates a new lease repository
func NewLeaseRepository(client API, tableName string) *LeaseRepository {
	return &LeaseRepository{
		client:    client,
		tableName: tableName,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AcquireLease takes the lease if it is free, expired or already ours
func (r *LeaseRepository) AcquireLease(ctx context.Context, owner string, ttl time.Duration) error {
	now := r.now()
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &r.tableName,
		Item: map[string]types.AttributeValue{
			"lease_name": stringAttr(workerLeaseName),
			"owner":      stringAttr(owner),
			"expires_at": numberAttr(now.Add(ttl).Unix()),
		},
		ConditionExpression: stringPtr("attribute_not_exists(lease_name) OR expires_at < :now OR #owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":   numberAttr(now.Unix()),
			":owner": stringAttr(owner),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return store.ErrLeaseHeld
		}
		return fmt.Errorf("acquire lease: %w", err)
	}

	return nil
}

// RenewLease extends a lease we hold
func (r *LeaseRepository) RenewLease(ctx context.Context, owner string, ttl time.Duration) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &r.tableName,
		Key:                 leaseKey(),
		UpdateExpression:    stringPtr("SET expires_at = :expires"),
		ConditionExpression: stringPtr("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expires": numberAttr(r.now().Add(ttl).Unix()),
			":owner":   stringAttr(owner),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return store.ErrLeaseHeld
		}
		return fmt.Errorf("renew lease: %w", err)
	}

	return nil
}

// ReleaseLease deletes the lease if we still hold it
func (r *LeaseRepository) ReleaseLease(ctx context.Context, owner string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           &r.tableName,
		Key:                 leaseKey(),
		ConditionExpression: stringPtr("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": stringAttr(owner),
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("release lease: %w", err)
	}

	return nil
}

func leaseKey() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"lease_name": stringAttr(workerLeaseName),
	}
}
