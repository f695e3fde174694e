package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/savaki/berlioz-bot/pkg/models"
	"github.com/savaki/berlioz-bot/pkg/store"
)

const integrationColumns = `id, account_id, slack_client_id, team_id, team_name, bot_user_id, app_id, access_token, created`

// GetIntegrationByID retrieves an integration by its id
func (s *Store) GetIntegrationByID(ctx context.Context, integrationID string) (*models.Integration, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+integrationColumns+` FROM slack_integration WHERE id = $1`, integrationID)
	return scanIntegration(row)
}

// GetIntegrationByAppID retrieves the newest integration installed for a Slack app
func (s *Store) GetIntegrationByAppID(ctx context.Context, appID string) (*models.Integration, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+integrationColumns+`
		FROM slack_integration
		WHERE app_id = $1
		ORDER BY created DESC
		LIMIT 1`,
		appID,
	)
	return scanIntegration(row)
}

// GetClientByID retrieves a client by its id
func (s *Store) GetClientByID(ctx context.Context, clientID string) (*models.Client, error) {
	var client models.Client
	err := s.pool.QueryRow(ctx, `
		SELECT id, external_client_id, external_client_secret, signing_secret, name, created
		FROM slack_client
		WHERE id = $1`,
		clientID,
	).Scan(
		&client.ID,
		&client.ExternalClientID,
		&client.ExternalClientSecret,
		&client.SigningSecret,
		&client.Name,
		&client.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return &client, nil
}

// PutClient inserts or replaces a client
func (s *Store) PutClient(ctx context.Context, client *models.Client) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO slack_client (id, external_client_id, external_client_secret, signing_secret, name, created)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			external_client_id = EXCLUDED.external_client_id,
			external_client_secret = EXCLUDED.external_client_secret,
			signing_secret = EXCLUDED.signing_secret,
			name = EXCLUDED.name`,
		client.ID, client.ExternalClientID, client.ExternalClientSecret, client.SigningSecret, client.Name, s.createdOrNow(client.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put client: %w", err)
	}
	return nil
}

// PutIntegration inserts or replaces an integration
func (s *Store) PutIntegration(ctx context.Context, integration *models.Integration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO slack_integration (`+integrationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			bot_user_id = EXCLUDED.bot_user_id,
			app_id = EXCLUDED.app_id,
			access_token = EXCLUDED.access_token`,
		integration.ID,
		integration.AccountID,
		integration.ClientID,
		integration.TeamID,
		integration.TeamName,
		integration.BotUserID,
		integration.AppID,
		integration.AccessToken,
		s.createdOrNow(integration.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put integration: %w", err)
	}
	return nil
}

func scanIntegration(row pgx.Row) (*models.Integration, error) {
	var integration models.Integration
	err := row.Scan(
		&integration.ID,
		&integration.AccountID,
		&integration.ClientID,
		&integration.TeamID,
		&integration.TeamName,
		&integration.BotUserID,
		&integration.AppID,
		&integration.AccessToken,
		&integration.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}
	return &integration, nil
}

func (s *Store) createdOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t
}
