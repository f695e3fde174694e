package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savaki/berlioz-bot/pkg/extractor"
	"github.com/savaki/berlioz-bot/pkg/generation"
	"github.com/savaki/berlioz-bot/pkg/models"
	"github.com/savaki/berlioz-bot/pkg/store"
	"github.com/savaki/berlioz-bot/pkg/store/memory"
)

const (
	testAppID   = "A1"
	testChannel = "C1"
	testToken   = "xoxb-test"
	firstTS     = "1700000000.000100"
	secondTS    = "1700000050.000200"
)

// MockModel is a mock implementation of generation.Model
type MockModel struct {
	CompleteFunc func(ctx context.Context, history []models.Content, media *models.Media) (*generation.Response, error)

	mu    sync.Mutex
	calls [][]models.Content
}

var _ generation.Model = (*MockModel)(nil)

func (m *MockModel) Name() string { return "mock" }

func (m *MockModel) Complete(ctx context.Context, history []models.Content, media *models.Media) (*generation.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, history)
	m.mu.Unlock()

	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, history, media)
	}
	last := history[len(history)-1]
	return &generation.Response{Parts: []string{"echo:" + last.Text()}}, nil
}

type reply struct {
	Token, Channel, ThreadTS, Text string
}

// MockReplier is a mock implementation of Replier
type MockReplier struct {
	PostReplyFunc func(ctx context.Context, token, channelID, threadTS, text string) error

	mu      sync.Mutex
	replies []reply
}

var _ Replier = (*MockReplier)(nil)

func (m *MockReplier) PostReply(ctx context.Context, token, channelID, threadTS, text string) error {
	m.mu.Lock()
	m.replies = append(m.replies, reply{Token: token, Channel: channelID, ThreadTS: threadTS, Text: text})
	m.mu.Unlock()

	if m.PostReplyFunc != nil {
		return m.PostReplyFunc(ctx, token, channelID, threadTS, text)
	}
	return nil
}

func (m *MockReplier) Replies() []reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]reply(nil), m.replies...)
}

func newTestStore() *memory.Store {
	s := memory.New()
	s.PutClient(&models.Client{ID: "cli-1", SigningSecret: "secret"})
	s.PutIntegration(&models.Integration{
		ID:          "int-1",
		ClientID:    "cli-1",
		AppID:       testAppID,
		BotUserID:   "UBOT",
		AccessToken: testToken,
	})
	return s
}

type fixture struct {
	store   *memory.Store
	model   *MockModel
	replier *MockReplier
	worker  *Worker
	logs    *bytes.Buffer
}

func newFixture(cfg Config, opts ...extractor.Option) *fixture {
	f := &fixture{
		store:   newTestStore(),
		model:   &MockModel{},
		replier: &MockReplier{},
		logs:    &bytes.Buffer{},
	}
	logger := zerolog.New(f.logs)
	f.worker = New(
		f.store,
		extractor.New(nil, opts...),
		generation.NewOrchestrator(f.model, nil, logger),
		f.replier,
		cfg,
		nil,
		logger,
	)
	return f
}

func messagePayload(appID, eventTS, threadTS, text string) json.RawMessage {
	event := map[string]interface{}{
		"type":     "app_mention",
		"user":     "U1",
		"text":     "<@UBOT>" + text,
		"ts":       eventTS,
		"event_ts": eventTS,
		"channel":  testChannel,
		"blocks": []interface{}{
			map[string]interface{}{
				"type": "rich_text",
				"elements": []interface{}{
					map[string]interface{}{
						"type": "rich_text_section",
						"elements": []interface{}{
							map[string]interface{}{"type": "user", "user_id": "UBOT"},
							map[string]interface{}{"type": "text", "text": text},
						},
					},
				},
			},
		},
	}
	if threadTS != "" {
		event["thread_ts"] = threadTS
	}

	body, _ := json.Marshal(map[string]interface{}{
		"type":       "event_callback",
		"api_app_id": appID,
		"team_id":    "T1",
		"event_id":   "Ev" + eventTS,
		"event":      event,
	})
	return body
}

func (f *fixture) enqueue(t *testing.T, payload json.RawMessage) *models.Event {
	t.Helper()
	event, err := f.store.Enqueue(context.Background(), "int-1", "", payload)
	require.NoError(t, err)
	return event
}

func (f *fixture) event(t *testing.T, id string) models.Event {
	t.Helper()
	for _, e := range f.store.Events() {
		if e.ID == id {
			return e
		}
	}
	t.Fatalf("event %s not found", id)
	return models.Event{}
}

func (f *fixture) conversation(t *testing.T, threadTS string) *models.Conversation {
	t.Helper()
	conv, err := f.store.GetConversation(context.Background(), models.ConversationKey{
		IntegrationID: "int-1",
		ChannelID:     testChannel,
		ThreadAnchor:  threadTS,
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	return conv
}

func TestProcessNextRepliesAndPersists(t *testing.T) {
	f := newFixture(Config{})
	event := f.enqueue(t, messagePayload(testAppID, firstTS, "", "hello"))

	more, err := f.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, more)

	replies := f.replier.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, reply{Token: testToken, Channel: testChannel, ThreadTS: firstTS, Text: "echo:hello"}, replies[0])

	ev1 := f.event(t, event.ID)
	assert.Equal(t, models.EventStatusProcessed, ev1.Status())

	conv := f.conversation(t, firstTS)
	require.NotNil(t, conv)
	require.Len(t, conv.Turns, 2)
	assert.Equal(t, models.RoleUser, conv.Turns[0].Content.Role)
	assert.Equal(t, "hello", conv.Turns[0].Content.Text())
	assert.Equal(t, models.RoleModel, conv.Turns[1].Content.Role)
	assert.Equal(t, "echo:hello", conv.Turns[1].Content.Text())
}

func TestFollowUpCarriesHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})

	f.enqueue(t, messagePayload(testAppID, firstTS, "", "first"))
	_, err := f.worker.ProcessNext(ctx)
	require.NoError(t, err)

	f.enqueue(t, messagePayload(testAppID, secondTS, firstTS, "second"))
	_, err = f.worker.ProcessNext(ctx)
	require.NoError(t, err)

	require.Len(t, f.model.calls, 2)
	assert.Len(t, f.model.calls[1], 3)

	replies := f.replier.Replies()
	require.Len(t, replies, 2)
	assert.Equal(t, firstTS, replies[1].ThreadTS)

	conv := f.conversation(t, firstTS)
	require.NotNil(t, conv)
	require.Len(t, conv.Turns, 4)
	for i, turn := range conv.Turns {
		assert.Equal(t, i, turn.Seq)
	}
	assert.Nil(t, f.conversation(t, secondTS))
}

func TestSkippedEvents(t *testing.T) {
	testCases := map[string]json.RawMessage{
		"unknown app id":   messagePayload("A-unknown", firstTS, "", "hello"),
		"not a message":    json.RawMessage(`{"type":"event_callback","api_app_id":"A1","event":{"type":"reaction_added"}}`),
		"bot message":      json.RawMessage(`{"type":"event_callback","api_app_id":"A1","event":{"type":"message","bot_id":"B1","channel":"C1","event_ts":"1.1"}}`),
		"undecodable":      json.RawMessage(`not json`),
		"missing channel":  json.RawMessage(`{"type":"event_callback","api_app_id":"A1","event":{"type":"message","event_ts":"1.1"}}`),
		"url verification": json.RawMessage(`{"type":"url_verification","challenge":"x"}`),
	}

	for name, payload := range testCases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(Config{})
			event := f.enqueue(t, payload)

			more, err := f.worker.ProcessNext(context.Background())
			require.NoError(t, err)
			assert.True(t, more)

			assert.Empty(t, f.replier.Replies())
			assert.Empty(t, f.model.calls)
			ev2 := f.event(t, event.ID)
			assert.Equal(t, models.EventStatusProcessed, ev2.Status())
		})
	}
}

func TestDeliveryFailsTwiceThenSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{MaxDeliveryAttempts: 5})

	sends := 0
	f.replier.PostReplyFunc = func(ctx context.Context, token, channelID, threadTS, text string) error {
		sends++
		if sends <= 2 {
			return errors.New("ratelimited")
		}
		return nil
	}

	event := f.enqueue(t, messagePayload(testAppID, firstTS, "", "hello"))

	for i := 1; i <= 2; i++ {
		more, err := f.worker.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, more)

		stored := f.event(t, event.ID)
		assert.Equal(t, models.EventStatusPending, stored.Status())
		assert.Equal(t, i, stored.Attempts)
		assert.Contains(t, stored.LastError, "ratelimited")
		assert.Nil(t, f.conversation(t, firstTS))
	}

	more, err := f.worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, more)

	ev3 := f.event(t, event.ID)
	assert.Equal(t, models.EventStatusProcessed, ev3.Status())

	// each attempt regenerated from the same stored history
	require.Len(t, f.model.calls, 3)
	for _, call := range f.model.calls {
		assert.Len(t, call, 1)
	}

	conv := f.conversation(t, firstTS)
	require.NotNil(t, conv)
	assert.Len(t, conv.Turns, 2)
}

func TestAbandonAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{MaxDeliveryAttempts: 3})
	f.replier.PostReplyFunc = func(ctx context.Context, token, channelID, threadTS, text string) error {
		return errors.New("channel_not_found")
	}

	event := f.enqueue(t, messagePayload(testAppID, firstTS, "", "hello"))

	for i := 0; i < 2; i++ {
		more, err := f.worker.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, more)
	}

	more, err := f.worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, more)

	stored := f.event(t, event.ID)
	assert.Equal(t, models.EventStatusAbandoned, stored.Status())
	assert.Equal(t, 3, stored.Attempts)

	_, err = f.store.ClaimNext(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Nil(t, f.conversation(t, firstTS))
}

func TestUnboundedDeliveryRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{MaxDeliveryAttempts: 0})
	f.replier.PostReplyFunc = func(ctx context.Context, token, channelID, threadTS, text string) error {
		return errors.New("internal_error")
	}

	event := f.enqueue(t, messagePayload(testAppID, firstTS, "", "hello"))
	for i := 0; i < 25; i++ {
		_, err := f.worker.ProcessNext(ctx)
		require.NoError(t, err)
	}

	stored := f.event(t, event.ID)
	assert.Equal(t, models.EventStatusPending, stored.Status())
	assert.Equal(t, 25, stored.Attempts)
}

// unavailableIntegrations fails integration lookups while down is set
type unavailableIntegrations struct {
	*memory.Store
	down bool
}

func (u *unavailableIntegrations) GetIntegrationByAppID(ctx context.Context, appID string) (*models.Integration, error) {
	if u.down {
		return nil, errors.New("connection refused")
	}
	return u.Store.GetIntegrationByAppID(ctx, appID)
}

func TestIntegrationLookupErrorDoesNotCountAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{MaxDeliveryAttempts: 3})
	flaky := &unavailableIntegrations{Store: f.store, down: true}
	f.worker.store = flaky

	event := f.enqueue(t, messagePayload(testAppID, firstTS, "", "hello"))

	for i := 0; i < 5; i++ {
		more, err := f.worker.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, more)
	}

	stored := f.event(t, event.ID)
	assert.Equal(t, models.EventStatusPending, stored.Status())
	assert.Equal(t, 0, stored.Attempts)
	assert.Empty(t, f.replier.Replies())

	flaky.down = false
	more, err := f.worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, more)

	stored = f.event(t, event.ID)
	assert.Equal(t, models.EventStatusProcessed, stored.Status())
	assert.Equal(t, 0, stored.Attempts)
	require.Len(t, f.replier.Replies(), 1)
}

func TestFailuresAreRepliedWithoutTurns(t *testing.T) {
	testCases := []struct {
		name     string
		complete func(ctx context.Context, history []models.Content, media *models.Media) (*generation.Response, error)
		payload  json.RawMessage
		opts     []extractor.Option
		want     string
	}{
		{
			name: "generation error",
			complete: func(ctx context.Context, history []models.Content, media *models.Media) (*generation.Response, error) {
				return nil, errors.New("model unavailable")
			},
			payload: messagePayload(testAppID, firstTS, "", "hello"),
			want:    "model unavailable",
		},
		{
			name:    "attachment too large",
			payload: fileMessagePayload(1 << 10),
			opts:    []extractor.Option{extractor.WithMaxBytes(16)},
			want:    extractor.ErrAttachmentTooLarge.Error(),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(Config{}, tc.opts...)
			f.model.CompleteFunc = tc.complete
			event := f.enqueue(t, tc.payload)

			_, err := f.worker.ProcessNext(context.Background())
			require.NoError(t, err)

			replies := f.replier.Replies()
			require.Len(t, replies, 1)
			assert.Contains(t, replies[0].Text, tc.want)

			ev4 := f.event(t, event.ID)
			assert.Equal(t, models.EventStatusProcessed, ev4.Status())
			assert.Nil(t, f.conversation(t, firstTS))
		})
	}
}

func fileMessagePayload(size int) json.RawMessage {
	var body map[string]interface{}
	_ = json.Unmarshal(messagePayload(testAppID, firstTS, "", "what is this?"), &body)
	body["event"].(map[string]interface{})["files"] = []interface{}{
		map[string]interface{}{
			"id":          "F1",
			"name":        "big.png",
			"mimetype":    "image/png",
			"size":        size,
			"url_private": "https://files.slack.com/F1",
		},
	}
	out, _ := json.Marshal(body)
	return out
}

func TestBlockedResponseRecordsUserTurnOnly(t *testing.T) {
	f := newFixture(Config{})
	f.model.CompleteFunc = func(ctx context.Context, history []models.Content, media *models.Media) (*generation.Response, error) {
		return &generation.Response{Blocked: true, StopReason: "refusal"}, nil
	}
	f.enqueue(t, messagePayload(testAppID, firstTS, "", "hello"))

	_, err := f.worker.ProcessNext(context.Background())
	require.NoError(t, err)

	replies := f.replier.Replies()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, generation.ErrBlocked.Error())

	conv := f.conversation(t, firstTS)
	require.NotNil(t, conv)
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, models.RoleUser, conv.Turns[0].Content.Role)
}

func TestPanicCountsAsFailedAttempt(t *testing.T) {
	f := newFixture(Config{MaxDeliveryAttempts: 3})
	f.model.CompleteFunc = func(ctx context.Context, history []models.Content, media *models.Media) (*generation.Response, error) {
		panic("boom")
	}
	event := f.enqueue(t, messagePayload(testAppID, firstTS, "", "hello"))

	more, err := f.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, more)

	stored := f.event(t, event.ID)
	assert.Equal(t, models.EventStatusPending, stored.Status())
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "boom")
	assert.Empty(t, f.replier.Replies())
}

func TestIdleLoggedOnTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	idleLogs := func() int { return strings.Count(f.logs.String(), "no unprocessed events") }

	for i := 0; i < 3; i++ {
		more, err := f.worker.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, more)
	}
	assert.Equal(t, 1, idleLogs())

	f.enqueue(t, messagePayload(testAppID, firstTS, "", "hello"))
	_, err := f.worker.ProcessNext(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.worker.ProcessNext(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, idleLogs())
}

func TestRunFailsWhenLeaseHeld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{Owner: "worker-b"})
	require.NoError(t, f.store.AcquireLease(ctx, "worker-a", time.Minute))

	err := f.worker.Run(ctx)
	assert.ErrorIs(t, err, store.ErrLeaseHeld)
}

func TestRunDrainsQueueAndStops(t *testing.T) {
	f := newFixture(Config{Owner: "worker-a", PollInterval: 10 * time.Millisecond})
	first := f.enqueue(t, messagePayload(testAppID, firstTS, "", "one"))
	second := f.enqueue(t, messagePayload(testAppID, secondTS, "", "two"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	sent := 0
	f.replier.PostReplyFunc = func(ctx context.Context, token, channelID, threadTS, text string) error {
		sent++
		if sent == 2 {
			once.Do(cancel)
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	// the cycle in flight when cancelled still completes
	ev5 := f.event(t, first.ID)
	assert.Equal(t, models.EventStatusProcessed, ev5.Status())
	ev6 := f.event(t, second.ID)
	assert.Equal(t, models.EventStatusProcessed, ev6.Status())

	// lease released on exit
	assert.NoError(t, f.store.AcquireLease(context.Background(), "worker-b", time.Minute))
}
