// Package memory is an in-process implementation of store.Store used by tests
// and by single-process local runs.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/savaki/berlioz-bot/pkg/models"
	"github.com/savaki/berlioz-bot/pkg/store"
)

// Store keeps every table in maps guarded by one mutex
type Store struct {
	mu sync.Mutex

	now func() time.Time

	events        map[string]*models.Event
	dedup         map[string]string               // integration id + dedup key -> event id
	conversations map[string]*models.Conversation // by key
	turns         map[string][]models.Turn        // by conversation id
	integrations  map[string]*models.Integration
	clients       map[string]*models.Client

	leaseOwner   string
	leaseExpires time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store
func New() *Store {
	return &Store{
		now:           func() time.Time { return time.Now().UTC() },
		events:        make(map[string]*models.Event),
		dedup:         make(map[string]string),
		conversations: make(map[string]*models.Conversation),
		turns:         make(map[string][]models.Turn),
		integrations:  make(map[string]*models.Integration),
		clients:       make(map[string]*models.Client),
	}
}

// seedIntegration mirrors models.Integration but keeps the access token,
// which models.Integration hides from JSON
type seedIntegration struct {
	models.Integration
	AccessToken string `json:"access_token"`
}

type seedClient struct {
	models.Client
	ExternalClientSecret string `json:"external_client_secret"`
	SigningSecret        string `json:"signing_secret"`
}

// LoadSeed reads clients and integrations from a JSON file
func (s *Store) LoadSeed(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}

	var seed struct {
		Clients      []seedClient      `json:"clients"`
		Integrations []seedIntegration `json:"integrations"`
	}
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("unmarshal seed: %w", err)
	}

	for _, c := range seed.Clients {
		client := c.Client
		client.ExternalClientSecret = c.ExternalClientSecret
		client.SigningSecret = c.SigningSecret
		s.PutClient(&client)
	}
	for _, i := range seed.Integrations {
		integration := i.Integration
		integration.AccessToken = i.AccessToken
		s.PutIntegration(&integration)
	}
	return nil
}

// PutIntegration adds or replaces an integration
func (s *Store) PutIntegration(integration *models.Integration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *integration
	s.integrations[integration.ID] = &copied
}

// PutClient adds or replaces a client
func (s *Store) PutClient(client *models.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *client
	s.clients[client.ID] = &copied
}

// Events returns a snapshot of all events in insertion order
func (s *Store) Events() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]models.Event, 0, len(s.events))
	for _, e := range s.events {
		events = append(events, copyEvent(e))
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events
}

// Turns returns a snapshot of the turns stored for a conversation
func (s *Store) Turns(conversationID string) []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Turn(nil), s.turns[conversationID]...)
}

func (s *Store) Enqueue(ctx context.Context, integrationID, dedupKey string, payload json.RawMessage) (*models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, &store.PersistenceError{Op: "enqueue event", Err: err}
	}

	event := models.NewEvent(integrationID, bytes.Clone(payload))
	event.DedupKey = dedupKey

	s.mu.Lock()
	defer s.mu.Unlock()

	if dedupKey != "" {
		key := integrationID + "/" + dedupKey
		if _, ok := s.dedup[key]; ok {
			return nil, store.ErrDuplicateEvent
		}
		s.dedup[key] = event.ID
	}
	s.events[event.ID] = event

	copied := copyEvent(event)
	return &copied, nil
}

func (s *Store) ClaimNext(ctx context.Context) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *models.Event
	for _, e := range s.events {
		if e.Status() != models.EventStatusPending {
			continue
		}
		if next == nil || e.CreatedAt.Before(next.CreatedAt) ||
			(e.CreatedAt.Equal(next.CreatedAt) && e.ID < next.ID) {
			next = e
		}
	}
	if next == nil {
		return nil, store.ErrNotFound
	}

	copied := copyEvent(next)
	return &copied, nil
}

func (s *Store) MarkProcessed(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("mark processed %s: %w", eventID, store.ErrNotFound)
	}
	if event.ProcessedAt == nil {
		now := s.now()
		event.ProcessedAt = &now
	}
	return nil
}

func (s *Store) RecordDeliveryFailure(ctx context.Context, eventID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return 0, fmt.Errorf("record delivery failure %s: %w", eventID, store.ErrNotFound)
	}
	event.Attempts++
	event.LastError = reason
	return event.Attempts, nil
}

func (s *Store) MarkAbandoned(ctx context.Context, eventID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("mark abandoned %s: %w", eventID, store.ErrNotFound)
	}
	if event.Status() != models.EventStatusPending {
		return nil
	}
	now := s.now()
	event.AbandonedAt = &now
	event.LastError = reason
	return nil
}

func (s *Store) GetConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[key.String()]
	if !ok {
		return nil, store.ErrNotFound
	}

	copied := *conv
	copied.Turns = append([]models.Turn(nil), s.turns[conv.ID]...)
	return &copied, nil
}

func (s *Store) CreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.conversations[conv.Key]; ok {
		copied := *existing
		copied.Turns = append([]models.Turn(nil), s.turns[existing.ID]...)
		return &copied, nil
	}

	stored := *conv
	stored.Turns = nil
	s.conversations[conv.Key] = &stored

	copied := stored
	return &copied, nil
}

func (s *Store) AppendTurn(ctx context.Context, turn models.Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	turns := s.turns[turn.ConversationID]
	for _, existing := range turns {
		if existing.Seq == turn.Seq {
			return nil
		}
	}

	turns = append(turns, turn)
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].Seq < turns[j].Seq })
	s.turns[turn.ConversationID] = turns
	return nil
}

func (s *Store) GetIntegrationByID(ctx context.Context, integrationID string) (*models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	integration, ok := s.integrations[integrationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *integration
	return &copied, nil
}

func (s *Store) GetIntegrationByAppID(ctx context.Context, appID string) (*models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, integration := range s.integrations {
		if integration.AppID == appID {
			copied := *integration
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetClientByID(ctx context.Context, clientID string) (*models.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *client
	return &copied, nil
}

func (s *Store) AcquireLease(ctx context.Context, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.leaseOwner != "" && s.leaseOwner != owner && now.Before(s.leaseExpires) {
		return store.ErrLeaseHeld
	}
	s.leaseOwner = owner
	s.leaseExpires = now.Add(ttl)
	return nil
}

func (s *Store) RenewLease(ctx context.Context, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leaseOwner != owner {
		return store.ErrLeaseHeld
	}
	s.leaseExpires = s.now().Add(ttl)
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leaseOwner == owner {
		s.leaseOwner = ""
		s.leaseExpires = time.Time{}
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

func copyEvent(e *models.Event) models.Event {
	copied := *e
	copied.Payload = bytes.Clone(e.Payload)
	return copied
}
