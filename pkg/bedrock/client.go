package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/savaki/berlioz-bot/pkg/generation"
	"github.com/savaki/berlioz-bot/pkg/models"
)

const (
	// Default Bedrock model ID for Claude 3.5 Sonnet
	DefaultModelID = "anthropic.claude-3-5-sonnet-20241022-v2:0"

	anthropicVersion = "bedrock-2023-05-31"
)

// InvokeModelAPI is the subset of the Bedrock runtime client used here
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

var _ InvokeModelAPI = (*bedrockruntime.Client)(nil)

// Client is a client for AWS Bedrock Runtime (Claude models)
type Client struct {
	client       InvokeModelAPI
	modelID      string
	maxTokens    int
	systemPrompt string
}

var _ generation.Model = (*Client)(nil)

// NewClient creates a new Bedrock client
func NewClient(cfg aws.Config) *Client {
	return NewClientWithAPI(bedrockruntime.NewFromConfig(cfg))
}

// NewClientWithAPI creates a client on an existing runtime API
func NewClientWithAPI(api InvokeModelAPI) *Client {
	return &Client{
		client:       api,
		modelID:      DefaultModelID,
		maxTokens:    generation.DefaultMaxTokens,
		systemPrompt: GetSystemPrompt(),
	}
}

// SetModel allows overriding the default model ID
func (c *Client) SetModel(modelID string) {
	c.modelID = modelID
}

// SetMaxTokens overrides the reply length limit
func (c *Client) SetMaxTokens(maxTokens int) {
	if maxTokens > 0 {
		c.maxTokens = maxTokens
	}
}

// Name implements generation.Model
func (c *Client) Name() string {
	return "bedrock"
}

// BedrockRequest represents a request to Bedrock (Claude Messages API format)
type BedrockRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []Message `json:"messages"`
	System           string    `json:"system,omitempty"`
}

// Message is one Claude message
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a text, image or document block
type ContentBlock struct {
	Type   string  `json:"type"`
	Text   string  `json:"text,omitempty"`
	Source *Source `json:"source,omitempty"`
}

// Source carries inline base64 data
type Source struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// BedrockResponse represents a response from Bedrock
type BedrockResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete sends the conversation to Claude via Bedrock
func (c *Client) Complete(ctx context.Context, history []models.Content, media *models.Media) (*generation.Response, error) {
	messages := renderMessages(generation.Messages(history, media))
	if len(messages) == 0 {
		return nil, fmt.Errorf("messages cannot be empty")
	}

	// Build request in Claude Messages API format
	req := BedrockRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        c.maxTokens,
		Messages:         messages,
		System:           c.systemPrompt,
	}

	// Marshal request body
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	// Invoke Bedrock model
	output, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke bedrock model: %w", err)
	}

	// Parse response
	var response BedrockResponse
	if err := json.Unmarshal(output.Body, &response); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	result := &generation.Response{
		StopReason: response.StopReason,
		Blocked:    response.StopReason == "refusal",
	}
	for _, block := range response.Content {
		if block.Type == "text" {
			result.Parts = append(result.Parts, block.Text)
		}
	}

	return result, nil
}

// renderMessages converts neutral messages to Claude messages. Claude
// requires the conversation to open with a user message.
func renderMessages(messages []generation.Message) []Message {
	var out []Message
	for _, msg := range messages {
		if len(out) == 0 && msg.Role != models.RoleUser {
			continue
		}

		role := "user"
		if msg.Role == models.RoleModel {
			role = "assistant"
		}

		blocks := make([]ContentBlock, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			if part.Media != nil {
				blocks = append(blocks, mediaBlock(part.Media))
				continue
			}
			blocks = append(blocks, ContentBlock{Type: "text", Text: part.Text})
		}
		out = append(out, Message{Role: role, Content: blocks})
	}
	return out
}

// mediaBlock inlines an attachment in the form Claude accepts for its type
func mediaBlock(media *models.Media) ContentBlock {
	mediaType := strings.TrimSpace(strings.Split(media.MIMEType, ";")[0])
	source := &Source{
		Type:      "base64",
		MediaType: mediaType,
		Data:      base64.StdEncoding.EncodeToString(media.Data),
	}

	switch {
	case mediaType == "image/jpeg", mediaType == "image/png", mediaType == "image/gif", mediaType == "image/webp":
		return ContentBlock{Type: "image", Source: source}
	case mediaType == "application/pdf":
		return ContentBlock{Type: "document", Source: source}
	case strings.HasPrefix(mediaType, "text/"):
		return ContentBlock{Type: "text", Text: string(media.Data)}
	default:
		return ContentBlock{Type: "text", Text: generation.Placeholder(media.Ref())}
	}
}

// GetSystemPrompt returns the default system prompt
func GetSystemPrompt() string {
	return generation.DefaultSystemPrompt
}
