package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/savaki/berlioz-bot/pkg/models"
	"github.com/savaki/berlioz-bot/pkg/store"
	"github.com/savaki/berlioz-bot/pkg/store/memory"
)

const (
	testSecret = "test-signing-secret"
	testAppID  = "A123"
)

const messageBody = `{
	"type": "event_callback",
	"api_app_id": "A123",
	"team_id": "T1",
	"event_id": "Ev1",
	"event": {
		"type": "app_mention",
		"user": "U1",
		"text": "<@UBOT> hi",
		"ts": "1700000000.000100",
		"channel": "C1",
		"event_ts": "1700000000.000100"
	}
}`

func newTestStore() *memory.Store {
	s := memory.New()
	s.PutClient(&models.Client{ID: "cli-1", SigningSecret: testSecret})
	s.PutIntegration(&models.Integration{ID: "int-1", ClientID: "cli-1", AppID: testAppID, BotUserID: "UBOT", AccessToken: "xoxb-1"})
	return s
}

func signedHeaders(body string) http.Header {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	headers := http.Header{}
	headers.Set(HeaderTimestamp, timestamp)
	headers.Set(HeaderSignature, sign(testSecret, timestamp, []byte(body)))
	return headers
}

func TestIngest(t *testing.T) {
	botBody := strings.Replace(messageBody, `"user": "U1",`, `"user": "U1", "bot_id": "B1",`, 1)
	unknownApp := strings.Replace(messageBody, testAppID, "A999", 1)

	tests := []struct {
		name         string
		body         string
		headers      func(body string) http.Header
		wantStatus   int
		wantEnqueued int
		wantBody     string
	}{
		{
			name:         "message event is enqueued",
			body:         messageBody,
			headers:      signedHeaders,
			wantStatus:   http.StatusOK,
			wantEnqueued: 1,
		},
		{
			name:       "url verification echoes challenge without signature",
			body:       `{"type":"url_verification","token":"t","challenge":"abc123"}`,
			headers:    func(string) http.Header { return http.Header{} },
			wantStatus: http.StatusOK,
			wantBody:   `{"challenge":"abc123"}`,
		},
		{
			name:       "missing signature headers",
			body:       messageBody,
			headers:    func(string) http.Header { return http.Header{} },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "tampered signature",
			body: messageBody,
			headers: func(body string) http.Header {
				h := signedHeaders(body)
				h.Set(HeaderSignature, "v0=0000")
				return h
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unknown app id",
			body:       unknownApp,
			headers:    signedHeaders,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "bot message is acked but not enqueued",
			body:       botBody,
			headers:    signedHeaders,
			wantStatus: http.StatusOK,
		},
		{
			name: "slack retry of an unseen event is enqueued",
			body: messageBody,
			headers: func(body string) http.Header {
				h := signedHeaders(body)
				h.Set(HeaderRetryNum, "1")
				return h
			},
			wantStatus:   http.StatusOK,
			wantEnqueued: 1,
		},
		{
			name:       "malformed body",
			body:       `{"type":`,
			headers:    signedHeaders,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore()
			ingestor := NewIngestor(s, NewVerifier(DefaultMaxAge), nil, zerolog.Nop())

			resp := ingestor.Ingest(context.Background(), tt.headers(tt.body), []byte(tt.body))

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Ingest() status = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, resp.Body)
			}
			if tt.wantBody != "" && string(resp.Body) != tt.wantBody {
				t.Errorf("Ingest() body = %s, want %s", resp.Body, tt.wantBody)
			}

			events := s.Events()
			if len(events) != tt.wantEnqueued {
				t.Fatalf("enqueued %d events, want %d", len(events), tt.wantEnqueued)
			}
			if tt.wantEnqueued > 0 {
				if events[0].IntegrationID != "int-1" {
					t.Errorf("IntegrationID = %s, want int-1", events[0].IntegrationID)
				}
				if string(events[0].Payload) != tt.body {
					t.Error("payload was not stored byte-for-byte")
				}
			}
		})
	}
}

// flakyStore fails the first failures enqueues
type flakyStore struct {
	*memory.Store
	failures int
}

func (f *flakyStore) Enqueue(ctx context.Context, integrationID, dedupKey string, payload json.RawMessage) (*models.Event, error) {
	if f.failures > 0 {
		f.failures--
		return nil, &store.PersistenceError{Op: "put event", Err: errors.New("unavailable")}
	}
	return f.Store.Enqueue(ctx, integrationID, dedupKey, payload)
}

func TestIngestEnqueueFailure(t *testing.T) {
	ingestor := NewIngestor(&flakyStore{Store: newTestStore(), failures: 1}, NewVerifier(DefaultMaxAge), nil, zerolog.Nop())

	resp := ingestor.Ingest(context.Background(), signedHeaders(messageBody), []byte(messageBody))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Ingest() status = %d, want 500", resp.StatusCode)
	}
}

func TestIngestRetryAfterEnqueueFailure(t *testing.T) {
	s := &flakyStore{Store: newTestStore(), failures: 1}
	ingestor := NewIngestor(s, NewVerifier(DefaultMaxAge), nil, zerolog.Nop())

	resp := ingestor.Ingest(context.Background(), signedHeaders(messageBody), []byte(messageBody))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("first delivery status = %d, want 500", resp.StatusCode)
	}
	if n := len(s.Events()); n != 0 {
		t.Fatalf("enqueued %d events after failed delivery, want 0", n)
	}

	for _, retryNum := range []string{"1", "2"} {
		headers := signedHeaders(messageBody)
		headers.Set(HeaderRetryNum, retryNum)

		resp = ingestor.Ingest(context.Background(), headers, []byte(messageBody))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("retry %s status = %d, want 200", retryNum, resp.StatusCode)
		}
	}

	events := s.Events()
	if len(events) != 1 {
		t.Fatalf("enqueued %d events, want 1", len(events))
	}
	if events[0].DedupKey != "Ev1" {
		t.Errorf("DedupKey = %q, want Ev1", events[0].DedupKey)
	}
	if string(events[0].Payload) != messageBody {
		t.Error("payload was not stored byte-for-byte")
	}
}

func TestIngestDuplicateDelivery(t *testing.T) {
	s := newTestStore()
	ingestor := NewIngestor(s, NewVerifier(DefaultMaxAge), nil, zerolog.Nop())

	for i := 0; i < 2; i++ {
		resp := ingestor.Ingest(context.Background(), signedHeaders(messageBody), []byte(messageBody))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("delivery %d status = %d, want 200", i, resp.StatusCode)
		}
	}

	if n := len(s.Events()); n != 1 {
		t.Errorf("enqueued %d events, want 1", n)
	}
}

func TestRouter(t *testing.T) {
	s := newTestStore()
	router := NewRouter(NewIngestor(s, NewVerifier(DefaultMaxAge), nil, zerolog.Nop()), nil)

	req := httptest.NewRequest(http.MethodPost, EventsPath, strings.NewReader(messageBody))
	req.Header = signedHeaders(messageBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("POST %s status = %d, want 200", EventsPath, rec.Code)
	}
	if len(s.Events()) != 1 {
		t.Errorf("enqueued %d events, want 1", len(s.Events()))
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz status = %d, want 200", rec.Code)
	}
}

func TestRouterRejectsOversizedBody(t *testing.T) {
	s := newTestStore()
	router := NewRouter(NewIngestor(s, NewVerifier(DefaultMaxAge), nil, zerolog.Nop()), nil)

	body := strings.Replace(messageBody, "<@UBOT> hi", "<@UBOT> "+strings.Repeat("a", maxBodyBytes), 1)
	req := httptest.NewRequest(http.MethodPost, EventsPath, strings.NewReader(body))
	req.Header = signedHeaders(body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("POST %s status = %d, want 413", EventsPath, rec.Code)
	}
	if len(s.Events()) != 0 {
		t.Errorf("enqueued %d events, want 0", len(s.Events()))
	}
}
