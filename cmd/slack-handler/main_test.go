package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"github.com/savaki/berlioz-bot/pkg/handler"
	"github.com/savaki/berlioz-bot/pkg/models"
	"github.com/savaki/berlioz-bot/pkg/store/memory"
)

func newTestHandler() (*Handler, *memory.Store) {
	s := memory.New()
	s.PutClient(&models.Client{ID: "cli-1", SigningSecret: "secret"})
	s.PutIntegration(&models.Integration{ID: "int-1", ClientID: "cli-1", AppID: "A1", BotUserID: "UBOT"})

	return &Handler{
		ingestor: handler.NewIngestor(s, handler.NewVerifier(handler.DefaultMaxAge), nil, zerolog.Nop()),
		logger:   zerolog.Nop(),
	}, s
}

func sign(secret, timestamp, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("v0:%s:%s", timestamp, body)))
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHandleEnqueuesSignedEvent(t *testing.T) {
	h, s := newTestHandler()

	body := `{"type":"event_callback","api_app_id":"A1","event":{"type":"app_mention","user":"U1","channel":"C1","ts":"1.1","event_ts":"1.1"}}`
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	testCases := []struct {
		name    string
		request events.APIGatewayProxyRequest
	}{
		{
			name: "lower case headers",
			request: events.APIGatewayProxyRequest{
				Body: body,
				Headers: map[string]string{
					"x-slack-request-timestamp": ts,
					"x-slack-signature":         sign("secret", ts, body),
				},
			},
		},
		{
			name: "multi value base64 body",
			request: events.APIGatewayProxyRequest{
				Body:            base64.StdEncoding.EncodeToString([]byte(body)),
				IsBase64Encoded: true,
				MultiValueHeaders: map[string][]string{
					"X-Slack-Request-Timestamp": {ts},
					"X-Slack-Signature":         {sign("secret", ts, body)},
				},
			},
		},
	}

	for i, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := h.Handle(context.Background(), tc.request)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.StatusCode != 200 {
				t.Fatalf("expected 200, got %d: %s", resp.StatusCode, resp.Body)
			}
			if got := len(s.Events()); got != i+1 {
				t.Errorf("expected %d events, got %d", i+1, got)
			}
		})
	}
}

func TestHandleRejectsUnsigned(t *testing.T) {
	h, s := newTestHandler()

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		Body: `{"type":"event_callback","api_app_id":"A1","event":{"type":"app_mention","channel":"C1","event_ts":"1.1"}}`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 401 {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
	if len(s.Events()) != 0 {
		t.Error("expected no events to be enqueued")
	}
}

func TestHandleInvalidBase64(t *testing.T) {
	h, _ := newTestHandler()

	resp, _ := h.Handle(context.Background(), events.APIGatewayProxyRequest{Body: "%%%", IsBase64Encoded: true})
	if resp.StatusCode != 400 {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}
