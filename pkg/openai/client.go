package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/savaki/berlioz-bot/pkg/generation"
	"github.com/savaki/berlioz-bot/pkg/models"
)

// DefaultModel is used when no model is configured
const DefaultModel = "gpt-4o-mini"

// Config configures the client
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// Client generates replies with an OpenAI-compatible chat completions API
type Client struct {
	client       openai.Client
	model        string
	maxTokens    int
	systemPrompt string
}

var _ generation.Model = (*Client)(nil)

// NewClient creates a client; extra request options are applied after the config
func NewClient(cfg Config, opts ...option.RequestOption) *Client {
	requestOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(cfg.BaseURL))
	}
	requestOpts = append(requestOpts, opts...)

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = generation.DefaultMaxTokens
	}

	return &Client{
		client:       openai.NewClient(requestOpts...),
		model:        model,
		maxTokens:    maxTokens,
		systemPrompt: generation.DefaultSystemPrompt,
	}
}

// Name implements generation.Model
func (c *Client) Name() string {
	return "openai"
}

// Complete sends the conversation as one chat completion request
func (c *Client) Complete(ctx context.Context, history []models.Content, media *models.Media) (*generation.Response, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(c.systemPrompt),
	}
	messages = append(messages, convertMessages(generation.Messages(history, media))...)

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               c.model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(c.maxTokens)),
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return &generation.Response{}, nil
	}

	choice := resp.Choices[0]
	result := &generation.Response{
		StopReason: string(choice.FinishReason),
		Refusal:    choice.Message.Refusal,
		Blocked:    string(choice.FinishReason) == "content_filter" || choice.Message.Refusal != "",
	}
	if choice.Message.Content != "" {
		result.Parts = []string{choice.Message.Content}
	}

	return result, nil
}

func convertMessages(msgs []generation.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleModel:
			var text strings.Builder
			for _, part := range msg.Parts {
				text.WriteString(part.Text)
			}
			result = append(result, openai.AssistantMessage(text.String()))

		default:
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Parts))
			for _, part := range msg.Parts {
				if part.Media != nil {
					parts = append(parts, mediaPart(part.Media))
					continue
				}
				parts = append(parts, openai.TextContentPart(part.Text))
			}
			result = append(result, openai.UserMessage(parts))
		}
	}

	return result
}

// mediaPart inlines images as data URLs; other types are sent as text
func mediaPart(media *models.Media) openai.ChatCompletionContentPartUnionParam {
	mediaType := strings.TrimSpace(strings.Split(media.MIMEType, ";")[0])

	switch {
	case strings.HasPrefix(mediaType, "image/"):
		url := "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(media.Data)
		return openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url})
	case strings.HasPrefix(mediaType, "text/"):
		return openai.TextContentPart(string(media.Data))
	default:
		return openai.TextContentPart(generation.Placeholder(media.Ref()))
	}
}
