package models

import (
	"encoding/json"
	"time"
)

// Event is one inbound Slack notification queued for asynchronous processing
type Event struct {
	ID            string          `dynamodbav:"event_id" json:"id"`
	IntegrationID string          `dynamodbav:"integration_id" json:"integration_id"`
	DedupKey      string          `dynamodbav:"dedup_key,omitempty" json:"dedup_key,omitempty"`
	Payload       json.RawMessage `dynamodbav:"payload" json:"payload"`
	CreatedAt     time.Time       `dynamodbav:"created_at" json:"created_at"`
	ProcessedAt   *time.Time      `dynamodbav:"processed_at,omitempty" json:"processed_at,omitempty"`
	Attempts      int             `dynamodbav:"attempts" json:"attempts"`
	LastError     string          `dynamodbav:"last_error,omitempty" json:"last_error,omitempty"`
	AbandonedAt   *time.Time      `dynamodbav:"abandoned_at,omitempty" json:"abandoned_at,omitempty"`
}

// EventStatus is derived from the terminal timestamps of an event
type EventStatus string

// EventStatus constants
const (
	EventStatusPending   EventStatus = "pending"
	EventStatusProcessed EventStatus = "processed"
	EventStatusAbandoned EventStatus = "abandoned"
)

// NewEvent creates an unprocessed event with a generated, time-ordered ID
func NewEvent(integrationID string, payload json.RawMessage) *Event {
	return &Event{
		ID:            NewID("evt"),
		IntegrationID: integrationID,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
}

// Status reports whether the event is still waiting for the worker
func (e *Event) Status() EventStatus {
	switch {
	case e.ProcessedAt != nil:
		return EventStatusProcessed
	case e.AbandonedAt != nil:
		return EventStatusAbandoned
	default:
		return EventStatusPending
	}
}

// Integration is a workspace-level connection between an account and Slack
type Integration struct {
	ID          string    `dynamodbav:"integration_id" json:"id"`
	AccountID   string    `dynamodbav:"account_id" json:"account_id"`
	ClientID    string    `dynamodbav:"client_id" json:"client_id"`
	TeamID      string    `dynamodbav:"team_id" json:"team_id"`
	TeamName    string    `dynamodbav:"team_name" json:"team_name"`
	BotUserID   string    `dynamodbav:"bot_user_id" json:"bot_user_id"`
	AppID       string    `dynamodbav:"app_id" json:"app_id"`
	AccessToken string    `dynamodbav:"access_token" json:"-"`
	CreatedAt   time.Time `dynamodbav:"created_at" json:"created_at"`
}

// Client is the Slack app configuration that owns integrations
type Client struct {
	ID                   string    `dynamodbav:"client_id" json:"id"`
	ExternalClientID     string    `dynamodbav:"external_client_id" json:"external_client_id"`
	ExternalClientSecret string    `dynamodbav:"external_client_secret" json:"-"`
	SigningSecret        string    `dynamodbav:"signing_secret" json:"-"`
	Name                 string    `dynamodbav:"name" json:"name"`
	CreatedAt            time.Time `dynamodbav:"created_at" json:"created_at"`
}

// GenerationRequest is the prompt built from a Slack event
type GenerationRequest struct {
	Prompt string
	Media  *Media
}

// Media is an attachment fetched from Slack and sent inline to the model
type Media struct {
	Data     []byte
	MIMEType string
	SHA256   string
	Filename string // path of the materialized copy, empty if not written
}

// Ref returns the history reference for the media
func (m *Media) Ref() *MediaRef {
	if m == nil {
		return nil
	}
	return &MediaRef{
		SHA256:   m.SHA256,
		MIMEType: m.MIMEType,
		Size:     len(m.Data),
	}
}
