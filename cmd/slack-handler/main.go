package main

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/savaki/berlioz-bot/pkg/app"
	appconfig "github.com/savaki/berlioz-bot/pkg/config"
	"github.com/savaki/berlioz-bot/pkg/handler"
	"github.com/savaki/berlioz-bot/pkg/logging"
)

// Handler adapts API Gateway requests to the ingestor
type Handler struct {
	ingestor *handler.Ingestor
	logger   zerolog.Logger
}

// Handle is the Lambda handler for Slack events
func (h *Handler) Handle(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	body := []byte(request.Body)
	if request.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(request.Body)
		if err != nil {
			h.logger.Warn().Err(err).Msg("invalid base64 body")
			return response(handler.Response{StatusCode: http.StatusBadRequest, Body: []byte(`{"error":"invalid body"}`)}), nil
		}
		body = decoded
	}

	resp := h.ingestor.Ingest(ctx, headers(request), body)
	return response(resp), nil
}

// headers merges single and multi value headers into a canonical http.Header
func headers(request events.APIGatewayProxyRequest) http.Header {
	h := http.Header{}
	for key, values := range request.MultiValueHeaders {
		for _, value := range values {
			h.Add(key, value)
		}
	}
	for key, value := range request.Headers {
		if h.Get(key) == "" {
			h.Set(key, value)
		}
	}
	return h
}

func response(resp handler.Response) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: resp.StatusCode,
		Body:       string(resp.Body),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

func main() {
	ctx := context.Background()

	cfg, err := appconfig.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: "berlioz-slack-handler",
	})

	if err := cfg.ValidateServer(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	s, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}

	h := &Handler{
		ingestor: handler.NewIngestor(s, handler.NewVerifier(cfg.SignatureMaxAge), nil, logger),
		logger:   logger,
	}

	lambda.Start(h.Handle)
}
