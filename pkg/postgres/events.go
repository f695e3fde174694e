package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/savaki/berlioz-bot/pkg/models"
	"github.com/savaki/berlioz-bot/pkg/store"
)

const eventColumns = `id, slack_integration_id, COALESCE(dedup_key, ''), payload, attempts, last_error, created, processed, abandoned`

// Enqueue stores a new pending event. An empty dedupKey is stored as NULL,
// which the unique index ignores.
func (s *Store) Enqueue(ctx context.Context, integrationID, dedupKey string, payload json.RawMessage) (*models.Event, error) {
	event := models.NewEvent(integrationID, bytes.Clone(payload))
	event.DedupKey = dedupKey

	var key *string
	if dedupKey != "" {
		key = &dedupKey
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO slack_event (id, slack_integration_id, dedup_key, payload, created)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (slack_integration_id, dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING`,
		event.ID, event.IntegrationID, key, []byte(event.Payload), event.CreatedAt,
	)
	if err != nil {
		return nil, &store.PersistenceError{Op: "insert event", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return nil, store.ErrDuplicateEvent
	}

	s.logger.Debug().Str("event_id", event.ID).Str("integration_id", integrationID).Msg("enqueued event")
	return event, nil
}

// ClaimNext returns the oldest pending event
func (s *Store) ClaimNext(ctx context.Context) (*models.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM slack_event
		WHERE processed IS NULL AND abandoned IS NULL
		ORDER BY created, id
		LIMIT 1`)

	event, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select pending event: %w", err)
	}
	return event, nil
}

// MarkProcessed sets processed once
func (s *Store) MarkProcessed(ctx context.Context, eventID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE slack_event
		SET processed = COALESCE(processed, $2)
		WHERE id = $1`,
		eventID, s.now(),
	)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark processed %s: %w", eventID, store.ErrNotFound)
	}
	return nil
}

// RecordDeliveryFailure increments the attempt counter
func (s *Store) RecordDeliveryFailure(ctx context.Context, eventID, reason string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE slack_event
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1
		RETURNING attempts`,
		eventID, reason,
	).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("record delivery failure %s: %w", eventID, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("record delivery failure %s: %w", eventID, err)
	}
	return attempts, nil
}

// MarkAbandoned moves a pending event into the abandoned state
func (s *Store) MarkAbandoned(ctx context.Context, eventID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE slack_event
		SET abandoned = $2, last_error = $3
		WHERE id = $1 AND processed IS NULL AND abandoned IS NULL`,
		eventID, s.now(), reason,
	)
	if err != nil {
		return fmt.Errorf("mark abandoned %s: %w", eventID, err)
	}
	if tag.RowsAffected() == 1 {
		s.logger.Warn().Str("event_id", eventID).Str("reason", reason).Msg("abandoned event")
		return nil
	}

	// Either missing or already terminal
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM slack_event WHERE id = $1)`, eventID).Scan(&exists); err != nil {
		return fmt.Errorf("mark abandoned %s: %w", eventID, err)
	}
	if !exists {
		return fmt.Errorf("mark abandoned %s: %w", eventID, store.ErrNotFound)
	}
	return nil
}

func scanEvent(row pgx.Row) (*models.Event, error) {
	var (
		event   models.Event
		payload []byte
	)
	err := row.Scan(
		&event.ID,
		&event.IntegrationID,
		&event.DedupKey,
		&payload,
		&event.Attempts,
		&event.LastError,
		&event.CreatedAt,
		&event.ProcessedAt,
		&event.AbandonedAt,
	)
	if err != nil {
		return nil, err
	}
	event.Payload = payload
	return &event, nil
}
