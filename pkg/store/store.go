// Package store defines the persistence contracts shared by the webhook, the
// worker and the storage backends.
//
// The event table doubles as the work queue: rows are appended by the webhook
// and drained, oldest first, by a single worker. ClaimNext only observes the
// head of the queue; it does not lock the row. Running more than one worker
// against the same store is prevented by WorkerLease, not by the claim.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/savaki/berlioz-bot/pkg/models"
)

var (
	// ErrNotFound is returned when a lookup matches no record
	ErrNotFound = errors.New("not found")

	// ErrLeaseHeld is returned when another worker owns the worker lease
	ErrLeaseHeld = errors.New("worker lease held by another owner")

	// ErrDuplicateEvent is returned by Enqueue when an event with the same
	// dedup key is already stored for the integration
	ErrDuplicateEvent = errors.New("duplicate event")
)

// PersistenceError reports a write that was not acknowledged
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("persistence error: %s", e.Op)
	}
	return fmt.Sprintf("persistence error: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// EventStore is the durable event queue
type EventStore interface {
	// Enqueue appends an unprocessed event. A write that is not acknowledged
	// with an id returns a *PersistenceError. A non-empty dedupKey is unique
	// per integration; enqueueing it twice returns ErrDuplicateEvent and
	// stores nothing.
	Enqueue(ctx context.Context, integrationID, dedupKey string, payload json.RawMessage) (*models.Event, error)

	// ClaimNext returns the oldest pending event or ErrNotFound. Pending means
	// neither processed nor abandoned. It does not modify the event.
	ClaimNext(ctx context.Context) (*models.Event, error)

	// MarkProcessed sets ProcessedAt. Calling it again keeps the first value.
	MarkProcessed(ctx context.Context, eventID string) error

	// RecordDeliveryFailure increments the attempt counter and returns it
	RecordDeliveryFailure(ctx context.Context, eventID, reason string) (int, error)

	// MarkAbandoned moves a pending event into the terminal abandoned state
	MarkAbandoned(ctx context.Context, eventID, reason string) error
}

// ConversationStore persists conversations and their turns
type ConversationStore interface {
	// GetConversation returns the conversation with its turns ordered by Seq,
	// or ErrNotFound
	GetConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error)

	// CreateConversation inserts conv unless its key already exists, in which
	// case the stored conversation is returned instead
	CreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error)

	// AppendTurn stores one turn. Appending a Seq that is already stored is a
	// no-op.
	AppendTurn(ctx context.Context, turn models.Turn) error
}

// IntegrationStore looks up integrations. Integrations are created by the
// authorization flow and are read-only here.
type IntegrationStore interface {
	GetIntegrationByID(ctx context.Context, integrationID string) (*models.Integration, error)
	GetIntegrationByAppID(ctx context.Context, appID string) (*models.Integration, error)
}

// ClientStore looks up Slack app clients
type ClientStore interface {
	GetClientByID(ctx context.Context, clientID string) (*models.Client, error)
}

// WorkerLease enforces that at most one worker consumes the queue
type WorkerLease interface {
	// AcquireLease returns ErrLeaseHeld when a different owner holds a live lease
	AcquireLease(ctx context.Context, owner string, ttl time.Duration) error
	RenewLease(ctx context.Context, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, owner string) error
}

// Store bundles every contract a backend implements
type Store interface {
	EventStore
	ConversationStore
	IntegrationStore
	ClientStore
	WorkerLease
	Close() error
}
