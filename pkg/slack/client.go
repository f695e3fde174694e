package slack

import (
	"context"
	"fmt"
	"io"

	"github.com/slack-go/slack"
)

// Client wraps the Slack SDK client for one workspace token
type Client struct {
	client *slack.Client
}

// NewClient creates a new Slack client with bot token
func NewClient(botToken string, options ...slack.Option) *Client {
	return &Client{
		client: slack.New(botToken, options...),
	}
}

// PostMessage posts a message to a Slack channel
func (c *Client) PostMessage(ctx context.Context, channelID string, opts ...slack.MsgOption) (string, error) {
	_, timestamp, err := c.client.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}

	return timestamp, nil
}

// PostThreadReply posts markdown text, converted to mrkdwn, into a thread
func (c *Client) PostThreadReply(ctx context.Context, channelID, threadTS, markdown string) (string, error) {
	return c.PostMessage(ctx, channelID,
		slack.MsgOptionText(ToMrkdwn(markdown), false),
		slack.MsgOptionTS(threadTS),
	)
}

// DownloadFile fetches a private file URL with the bot token
func (c *Client) DownloadFile(ctx context.Context, url string, w io.Writer) error {
	if err := c.client.GetFileContext(ctx, url, w); err != nil {
		return fmt.Errorf("get file: %w", err)
	}
	return nil
}

// Gateway creates per-integration clients. Every integration has its own
// bot token, so clients are built per call.
type Gateway struct {
	options []slack.Option
}

// NewGateway creates a gateway; options apply to every client it creates
func NewGateway(options ...slack.Option) *Gateway {
	return &Gateway{options: options}
}

// PostReply sends text into the thread anchored at threadTS
func (g *Gateway) PostReply(ctx context.Context, token, channelID, threadTS, text string) error {
	_, err := NewClient(token, g.options...).PostThreadReply(ctx, channelID, threadTS, text)
	return err
}

// FetchFile downloads a private file into w
func (g *Gateway) FetchFile(ctx context.Context, token, url string, w io.Writer) error {
	return NewClient(token, g.options...).DownloadFile(ctx, url, w)
}
