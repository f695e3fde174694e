package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Conversation is the thread-scoped history of generation exchanges for one
// (integration, channel, thread anchor) key
type Conversation struct {
	ID            string    `dynamodbav:"conversation_id" json:"id"`
	Key           string    `dynamodbav:"conversation_key" json:"-"`
	IntegrationID string    `dynamodbav:"integration_id" json:"integration_id"`
	ChannelID     string    `dynamodbav:"channel_id" json:"channel_id"`
	ThreadAnchor  string    `dynamodbav:"thread_ts" json:"thread_ts"`
	CreatedAt     time.Time `dynamodbav:"created_at" json:"created_at"`
	Turns         []Turn    `dynamodbav:"-" json:"turns,omitempty"`
}

// Turn is one role-tagged history entry of a conversation. Seq is the
// entry's position in the generation history and is unique per conversation.
type Turn struct {
	ID             string    `dynamodbav:"turn_id" json:"id"`
	ConversationID string    `dynamodbav:"conversation_id" json:"conversation_id"`
	Seq            int       `dynamodbav:"seq" json:"seq"`
	Content        Content   `dynamodbav:"content" json:"content"`
	CreatedAt      time.Time `dynamodbav:"created_at" json:"created_at"`
}

// Content is a single entry of generation history
type Content struct {
	Role  string `dynamodbav:"role" json:"role"`
	Parts []Part `dynamodbav:"parts" json:"parts"`
}

// Part is either text or a reference to media that was sent inline
type Part struct {
	Text  string    `dynamodbav:"text,omitempty" json:"text,omitempty"`
	Media *MediaRef `dynamodbav:"media,omitempty" json:"media,omitempty"`
}

// MediaRef identifies an attachment by content hash. The bytes themselves are
// never kept in history.
type MediaRef struct {
	SHA256   string `dynamodbav:"sha256" json:"sha256"`
	MIMEType string `dynamodbav:"mime_type" json:"mime_type"`
	Size     int    `dynamodbav:"size" json:"size"`
}

// ConversationKey identifies a conversation
type ConversationKey struct {
	IntegrationID string
	ChannelID     string
	ThreadAnchor  string
}

// Role constants
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// String renders the key in the form used as a storage partition key
func (k ConversationKey) String() string {
	return fmt.Sprintf("%s#%s#%s", k.IntegrationID, k.ChannelID, k.ThreadAnchor)
}

// Validate checks that all components of the key are set
func (k ConversationKey) Validate() error {
	if k.IntegrationID == "" || k.ChannelID == "" || k.ThreadAnchor == "" {
		return fmt.Errorf("conversation key requires integration, channel and thread: %q", k.String())
	}
	return nil
}

// NewConversation creates a new conversation with generated ID
func NewConversation(key ConversationKey) *Conversation {
	return &Conversation{
		ID:            NewID("conv"),
		Key:           key.String(),
		IntegrationID: key.IntegrationID,
		ChannelID:     key.ChannelID,
		ThreadAnchor:  key.ThreadAnchor,
		CreatedAt:     time.Now().UTC(),
	}
}

// History returns the ordered contents of the conversation's turns
func (c *Conversation) History() []Content {
	if c == nil {
		return nil
	}
	history := make([]Content, len(c.Turns))
	for i, turn := range c.Turns {
		history[i] = turn.Content
	}
	return history
}

// NextSeq returns the sequence number the next appended turn must carry
func (c *Conversation) NextSeq() int {
	if c == nil || len(c.Turns) == 0 {
		return 0
	}
	return c.Turns[len(c.Turns)-1].Seq + 1
}

// NewTurn creates a turn for the given conversation
func NewTurn(conversationID string, seq int, content Content) Turn {
	return Turn{
		ID:             NewID("turn"),
		ConversationID: conversationID,
		Seq:            seq,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
}

// TextContent creates a single-part text content
func TextContent(role, text string) Content {
	return Content{Role: role, Parts: []Part{{Text: text}}}
}

// Text joins the text of all parts
func (c Content) Text() string {
	var b strings.Builder
	for _, part := range c.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

// NewID generates a prefixed ULID. ULIDs generated by one process sort in
// creation order, including within the same millisecond.
func NewID(prefix string) string {
	id := ulid.Make()
	if prefix == "" {
		return id.String()
	}
	return prefix + "-" + id.String()
}
