// Package generation runs one conversational turn against a language model.
//
// A Session is seeded with prior history, sends a single user turn (prompt
// plus optional inline media) and returns the reply together with the
// session's updated history. Providers implement Model; they see the whole
// history on every call and keep no state of their own.
package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/savaki/berlioz-bot/pkg/models"
)

// DefaultMaxTokens bounds the length of a reply
const DefaultMaxTokens = 4096

// DefaultSystemPrompt frames every conversation
const DefaultSystemPrompt = `You are Berlioz, an assistant that answers questions in Slack threads.

Guidelines:
- Be concise but thorough in your responses
- When a file or image is attached, use it to answer the question
- If you're unsure, acknowledge limitations and suggest next steps

Use markdown formatting for code blocks and commands.`

var (
	// ErrNoText is returned by Response.Text when the model produced no text
	ErrNoText = errors.New("response contained no text")

	// ErrBlocked is returned by Response.Text when the provider refused the request
	ErrBlocked = errors.New("response blocked")
)

// Model is a generation provider
type Model interface {
	// Name identifies the provider in logs and metrics
	Name() string

	// Complete answers the last user message of history. media, when set,
	// holds the bytes for the MediaRef part of that last message.
	Complete(ctx context.Context, history []models.Content, media *models.Media) (*Response, error)
}

// Response is a provider's answer
type Response struct {
	Parts      []string
	StopReason string
	Blocked    bool
	Refusal    string
}

// Text returns the answer text, or an error describing why there is none
func (r *Response) Text() (string, error) {
	if r == nil {
		return "", ErrNoText
	}
	if r.Blocked {
		if r.Refusal != "" {
			return "", fmt.Errorf("%w: %s", ErrBlocked, r.Refusal)
		}
		return "", fmt.Errorf("%w: stop reason %s", ErrBlocked, r.StopReason)
	}

	var text string
	for _, part := range r.Parts {
		text += part
	}
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}
