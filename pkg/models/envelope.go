package models

import (
	"encoding/json"
	"fmt"
)

// Envelope types sent by the Slack Events API
const (
	EnvelopeURLVerification = "url_verification"
	EnvelopeEventCallback   = "event_callback"
)

// Inner event types handled by the worker
const (
	EventTypeAppMention = "app_mention"
	EventTypeMessage    = "message"
)

// Envelope is the decoded form of a webhook body. It is one of
// *URLVerification, *MessageCallback or *OtherEvent.
type Envelope interface {
	AppID() string
	isEnvelope()
}

// URLVerification is the handshake Slack sends when the request URL is configured
type URLVerification struct {
	Token     string `json:"token"`
	Challenge string `json:"challenge"`
}

// MessageCallback is an event_callback carrying a user-authored message
type MessageCallback struct {
	APIAppID  string       `json:"api_app_id"`
	TeamID    string       `json:"team_id"`
	EventID   string       `json:"event_id"`
	EventTime int64        `json:"event_time"`
	Event     MessageEvent `json:"event"`
}

// OtherEvent is any envelope the worker does not act on
type OtherEvent struct {
	Type      string
	APIAppID  string
	EventType string
	Reason    string
}

// MessageEvent is the inner event of an app_mention or message callback
type MessageEvent struct {
	Type     string  `json:"type"`
	Subtype  string  `json:"subtype,omitempty"`
	User     string  `json:"user"`
	BotID    string  `json:"bot_id,omitempty"`
	Text     string  `json:"text"`
	TS       string  `json:"ts"`
	Channel  string  `json:"channel"`
	EventTS  string  `json:"event_ts"`
	ThreadTS string  `json:"thread_ts,omitempty"`
	Blocks   []Block `json:"blocks,omitempty"`
	Files    []File  `json:"files,omitempty"`
}

// Block is a top level Slack layout block
type Block struct {
	Type     string         `json:"type"`
	BlockID  string         `json:"block_id,omitempty"`
	Elements []BlockElement `json:"elements,omitempty"`
}

// BlockElement is a rich text container such as rich_text_section
type BlockElement struct {
	Type     string          `json:"type"`
	Elements []InlineElement `json:"elements,omitempty"`
}

// InlineElement is a leaf rich text token
type InlineElement struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// File is an attachment shared with a message
type File struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	MIMEType           string `json:"mimetype"`
	Size               int    `json:"size"`
	URLPrivate         string `json:"url_private"`
	URLPrivateDownload string `json:"url_private_download,omitempty"`
}

func (*URLVerification) isEnvelope() {}
func (*MessageCallback) isEnvelope() {}
func (*OtherEvent) isEnvelope()      {}

// AppID is empty for url_verification
func (*URLVerification) AppID() string   { return "" }
func (m *MessageCallback) AppID() string { return m.APIAppID }
func (o *OtherEvent) AppID() string      { return o.APIAppID }

// ThreadAnchor is the timestamp replies are threaded under
func (e MessageEvent) ThreadAnchor() string {
	if e.ThreadTS != "" {
		return e.ThreadTS
	}
	return e.EventTS
}

// rawEnvelope is the union of fields needed to pick a variant
type rawEnvelope struct {
	Type      string          `json:"type"`
	Token     string          `json:"token"`
	Challenge string          `json:"challenge"`
	APIAppID  string          `json:"api_app_id"`
	TeamID    string          `json:"team_id"`
	EventID   string          `json:"event_id"`
	EventTime int64           `json:"event_time"`
	Event     json.RawMessage `json:"event"`
}

// DecodeEnvelope decodes a webhook body into one of the envelope variants
func DecodeEnvelope(body []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch raw.Type {
	case EnvelopeURLVerification:
		return &URLVerification{Token: raw.Token, Challenge: raw.Challenge}, nil
	case EnvelopeEventCallback:
	case "":
		return nil, fmt.Errorf("envelope type missing")
	default:
		return &OtherEvent{Type: raw.Type, APIAppID: raw.APIAppID, Reason: "unsupported envelope"}, nil
	}

	if len(raw.Event) == 0 {
		return nil, fmt.Errorf("event_callback without event")
	}

	var event MessageEvent
	if err := json.Unmarshal(raw.Event, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}

	other := &OtherEvent{Type: raw.Type, APIAppID: raw.APIAppID, EventType: event.Type}
	switch {
	case event.Type != EventTypeAppMention && event.Type != EventTypeMessage:
		other.Reason = "unsupported event type"
		return other, nil
	case event.BotID != "":
		other.Reason = "bot message"
		return other, nil
	case !userSubtype(event.Subtype):
		other.Reason = "message subtype " + event.Subtype
		return other, nil
	case event.Channel == "" || event.EventTS == "":
		return nil, fmt.Errorf("event missing channel or event_ts")
	}

	return &MessageCallback{
		APIAppID:  raw.APIAppID,
		TeamID:    raw.TeamID,
		EventID:   raw.EventID,
		EventTime: raw.EventTime,
		Event:     event,
	}, nil
}

// userSubtype reports whether a message subtype is authored by a person
func userSubtype(subtype string) bool {
	switch subtype {
	case "", "file_share", "thread_broadcast":
		return true
	}
	return false
}
