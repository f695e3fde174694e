package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/savaki/berlioz-bot/pkg/models"
	"github.com/savaki/berlioz-bot/pkg/store"
)

// pendingMarker is written to the sparse "pending" attribute of unfinished
// events. PendingIndex is keyed on (pending, event_id), so querying it in
// ascending order yields the queue in insertion order.
const pendingMarker = "1"

// claimBatch is the page size of the pending index query. The index is
// eventually consistent and may still list events that were just finished.
const claimBatch = 10

// eventItem is the stored shape of an event
type eventItem struct {
	models.Event
	Pending string `dynamodbav:"pending,omitempty"`
}

// EventRepository stores the event queue
type EventRepository struct {
	client    API
	tableName string
	logger    zerolog.Logger
	now       func() time.Time
}

// NewEventRepository creates a new event repository
func NewEventRepository(client API, tableName string, logger zerolog.Logger) *EventRepository {
	return &EventRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// dedupPrefix namespaces the marker items that reserve a dedup key. Markers
// share the events table but carry no pending attribute, so the queue never
// sees them.
const dedupPrefix = "dedup#"

// Enqueue stores a new pending event. With a dedup key the event and its
// marker are written in one transaction.
func (r *EventRepository) Enqueue(ctx context.Context, integrationID, dedupKey string, payload json.RawMessage) (*models.Event, error) {
	event := models.NewEvent(integrationID, payload)
	event.DedupKey = dedupKey

	item, err := attributevalue.MarshalMap(eventItem{Event: *event, Pending: pendingMarker})
	if err != nil {
		return nil, &store.PersistenceError{Op: "marshal event", Err: err}
	}

	if dedupKey == "" {
		_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           &r.tableName,
			Item:                item,
			ConditionExpression: stringPtr("attribute_not_exists(event_id)"),
		})
		if err != nil {
			return nil, &store.PersistenceError{Op: "put event", Err: err}
		}
	} else {
		_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{Put: &types.Put{
					TableName:           &r.tableName,
					Item:                item,
					ConditionExpression: stringPtr("attribute_not_exists(event_id)"),
				}},
				{Put: &types.Put{
					TableName: &r.tableName,
					Item: map[string]types.AttributeValue{
						"event_id":       stringAttr(dedupMarkerID(integrationID, dedupKey)),
						"integration_id": stringAttr(integrationID),
						"target_id":      stringAttr(event.ID),
					},
					ConditionExpression: stringPtr("attribute_not_exists(event_id)"),
				}},
			},
		})
		if err != nil {
			if isTransactionConditionFailed(err) {
				return nil, store.ErrDuplicateEvent
			}
			return nil, &store.PersistenceError{Op: "put event", Err: err}
		}
	}

	r.logger.Debug().Str("event_id", event.ID).Str("integration_id", integrationID).Msg("enqueued event")
	return event, nil
}

func dedupMarkerID(integrationID, dedupKey string) string {
	return dedupPrefix + integrationID + "#" + dedupKey
}

// ClaimNext returns the oldest pending event. Index entries for events that
// were just finished are skipped, paging until a pending event turns up or
// the index is exhausted.
func (r *EventRepository) ClaimNext(ctx context.Context) (*models.Event, error) {
	var startKey map[string]types.AttributeValue
	for {
		result, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              &r.tableName,
			IndexName:              stringPtr(PendingIndex),
			KeyConditionExpression: stringPtr("pending = :pending"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pending": stringAttr(pendingMarker),
			},
			ScanIndexForward:  boolPtr(true), // oldest first
			Limit:             int32Ptr(claimBatch),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query pending events: %w", err)
		}

		for _, indexed := range result.Items {
			var key struct {
				EventID string `dynamodbav:"event_id"`
			}
			if err := attributevalue.UnmarshalMap(indexed, &key); err != nil {
				return nil, fmt.Errorf("unmarshal pending key: %w", err)
			}

			event, err := r.get(ctx, key.EventID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if event.Status() == models.EventStatusPending {
				return event, nil
			}
		}

		if len(result.LastEvaluatedKey) == 0 {
			return nil, store.ErrNotFound
		}
		startKey = result.LastEvaluatedKey
	}
}

// MarkProcessed sets processed_at once and drops the event from the pending index
func (r *EventRepository) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &r.tableName,
		Key:                 eventKey(eventID),
		UpdateExpression:    stringPtr("SET processed_at = if_not_exists(processed_at, :now) REMOVE pending"),
		ConditionExpression: stringPtr("attribute_exists(event_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": timeAttr(r.now()),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("mark processed %s: %w", eventID, store.ErrNotFound)
		}
		return fmt.Errorf("mark processed %s: %w", eventID, err)
	}

	return nil
}

// RecordDeliveryFailure increments the attempt counter
func (r *EventRepository) RecordDeliveryFailure(ctx context.Context, eventID, reason string) (int, error) {
	output, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &r.tableName,
		Key:                 eventKey(eventID),
		UpdateExpression:    stringPtr("SET attempts = if_not_exists(attempts, :zero) + :one, last_error = :reason"),
		ConditionExpression: stringPtr("attribute_exists(event_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero":   numberAttr(0),
			":one":    numberAttr(1),
			":reason": stringAttr(reason),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return 0, fmt.Errorf("record delivery failure %s: %w", eventID, store.ErrNotFound)
		}
		return 0, fmt.Errorf("record delivery failure %s: %w", eventID, err)
	}

	var updated struct {
		Attempts int `dynamodbav:"attempts"`
	}
	if err := attributevalue.UnmarshalMap(output.Attributes, &updated); err != nil {
		return 0, fmt.Errorf("unmarshal attempts: %w", err)
	}

	return updated.Attempts, nil
}

// MarkAbandoned moves a pending event into the abandoned state
func (r *EventRepository) MarkAbandoned(ctx context.Context, eventID, reason string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &r.tableName,
		Key:              eventKey(eventID),
		UpdateExpression: stringPtr("SET abandoned_at = :now, last_error = :reason REMOVE pending"),
		ConditionExpression: stringPtr(
			"attribute_exists(event_id) AND attribute_not_exists(processed_at) AND attribute_not_exists(abandoned_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":    timeAttr(r.now()),
			":reason": stringAttr(reason),
		},
	})
	if err == nil {
		r.logger.Warn().Str("event_id", eventID).Str("reason", reason).Msg("abandoned event")
		return nil
	}
	if !isConditionFailed(err) {
		return fmt.Errorf("mark abandoned %s: %w", eventID, err)
	}

	// Either missing or already terminal
	if _, err := r.get(ctx, eventID); err != nil {
		return fmt.Errorf("mark abandoned %s: %w", eventID, err)
	}
	return nil
}

func (r *EventRepository) get(ctx context.Context, eventID string) (*models.Event, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &r.tableName,
		Key:            eventKey(eventID),
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventID, err)
	}

	if result.Item == nil {
		return nil, store.ErrNotFound
	}

	var item eventItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}

	return &item.Event, nil
}

func eventKey(eventID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"event_id": stringAttr(eventID),
	}
}
