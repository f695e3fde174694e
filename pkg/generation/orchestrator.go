package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/savaki/berlioz-bot/pkg/metrics"
	"github.com/savaki/berlioz-bot/pkg/models"
)

// Entry is one history entry tagged with its position in the history
type Entry struct {
	Seq     int
	Content models.Content
}

// Result is the outcome of one generation turn
type Result struct {
	// Text is the reply, or the description of why no reply text could be read
	Text string

	// TextErr is set when Text describes a failure
	TextErr error

	// History is the full updated history, prior entries included
	History []Entry
}

// Session is a stateful chat seeded with history
type Session struct {
	model   Model
	history []models.Content
}

// NewSession starts a session; empty history starts a new conversation
func NewSession(model Model, history []models.Content) *Session {
	return &Session{
		model:   model,
		history: append([]models.Content(nil), history...),
	}
}

// Send submits one user turn. The user turn and, when the response has
// text, the model turn are appended to the session history. On error the
// history is left unchanged.
func (s *Session) Send(ctx context.Context, req *models.GenerationRequest) (*Response, error) {
	turn := UserContent(req)
	pending := append(append([]models.Content(nil), s.history...), turn)

	resp, err := s.model.Complete(ctx, pending, req.Media)
	if err != nil {
		return nil, err
	}

	s.history = pending
	if text, err := resp.Text(); err == nil {
		s.history = append(s.history, models.TextContent(models.RoleModel, text))
	}
	return resp, nil
}

// History returns the session history
func (s *Session) History() []models.Content {
	return append([]models.Content(nil), s.history...)
}

// UserContent builds the history entry for a request. Media is recorded by
// reference only.
func UserContent(req *models.GenerationRequest) models.Content {
	content := models.Content{Role: models.RoleUser}
	if req.Prompt != "" || req.Media == nil {
		content.Parts = append(content.Parts, models.Part{Text: req.Prompt})
	}
	if ref := req.Media.Ref(); ref != nil {
		content.Parts = append(content.Parts, models.Part{Media: ref})
	}
	return content
}

// Orchestrator wraps a model call with history continuity
type Orchestrator struct {
	model   Model
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewOrchestrator creates an orchestrator. m may be nil.
func NewOrchestrator(model Model, m *metrics.Metrics, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		model:   model,
		metrics: m,
		logger:  logger.With().Str("component", "generation").Str("provider", model.Name()).Logger(),
	}
}

// Generate runs one turn. An error is returned only when the model call
// fails; a response without readable text still yields a Result whose Text
// is the error description.
func (o *Orchestrator) Generate(ctx context.Context, history []models.Content, req *models.GenerationRequest) (*Result, error) {
	session := NewSession(o.model, history)

	start := time.Now()
	resp, err := session.Send(ctx, req)
	o.metrics.ObserveGeneration(o.model.Name(), start, err)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	result := &Result{History: tag(session.History())}

	text, err := resp.Text()
	if err != nil {
		o.logger.Warn().Err(err).Str("stop_reason", resp.StopReason).Msg("no reply text")
		result.Text = err.Error()
		result.TextErr = err
		return result, nil
	}

	o.logger.Debug().Dur("duration", time.Since(start)).Int("history", len(result.History)).Msg("generated reply")
	result.Text = text
	return result, nil
}

func tag(history []models.Content) []Entry {
	entries := make([]Entry, len(history))
	for i, content := range history {
		entries[i] = Entry{Seq: i, Content: content}
	}
	return entries
}
