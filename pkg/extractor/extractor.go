// Package extractor turns a Slack message event into a generation request:
// the prompt assembled from rich text blocks plus at most one attachment.
package extractor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/savaki/berlioz-bot/pkg/models"
)

// DefaultMaxAttachmentBytes bounds a downloaded attachment
const DefaultMaxAttachmentBytes = 20 << 20

// ErrAttachmentTooLarge is returned when the first file exceeds the size limit
var ErrAttachmentTooLarge = errors.New("attachment too large")

// Rich text node types
const (
	blockRichText  = "rich_text"
	elementSection = "rich_text_section"
	inlineText     = "text"
	inlineUser     = "user"
)

// FileFetcher downloads a private Slack file with a bot token
type FileFetcher interface {
	FetchFile(ctx context.Context, token, url string, w io.Writer) error
}

// Extractor builds generation requests
type Extractor struct {
	fetcher      FileFetcher
	downloadPath string
	maxBytes     int64
	logger       zerolog.Logger
}

// Option configures an Extractor
type Option func(*Extractor)

// WithDownloadPath materializes attachments under dir. Empty keeps them in memory only.
func WithDownloadPath(dir string) Option {
	return func(e *Extractor) { e.downloadPath = dir }
}

// WithMaxBytes sets the attachment size limit
func WithMaxBytes(n int64) Option {
	return func(e *Extractor) { e.maxBytes = n }
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Extractor) { e.logger = logger }
}

// New creates an extractor
func New(fetcher FileFetcher, opts ...Option) *Extractor {
	e := &Extractor{
		fetcher:  fetcher,
		maxBytes: DefaultMaxAttachmentBytes,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract builds the prompt and fetches the first attachment, if any. A
// failed fetch fails the whole extraction.
func (e *Extractor) Extract(ctx context.Context, event *models.MessageEvent, integration *models.Integration) (*models.GenerationRequest, error) {
	req := &models.GenerationRequest{
		Prompt: Prompt(event.Blocks, integration.BotUserID),
	}

	if len(event.Files) == 0 {
		return req, nil
	}
	if len(event.Files) > 1 {
		e.logger.Debug().Int("files", len(event.Files)).Msg("only the first attachment is used")
	}

	media, err := e.fetch(ctx, event.Files[0], integration.AccessToken)
	if err != nil {
		return nil, err
	}
	req.Media = media

	return req, nil
}

// Prompt concatenates text tokens and mentions of users other than the bot,
// in block order
func Prompt(blocks []models.Block, botUserID string) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Type != blockRichText {
			continue
		}
		for _, element := range block.Elements {
			if element.Type != elementSection {
				continue
			}
			for _, inline := range element.Elements {
				switch inline.Type {
				case inlineText:
					b.WriteString(inline.Text)
				case inlineUser:
					if inline.UserID != botUserID {
						b.WriteString(inline.UserID)
					}
				}
			}
		}
	}
	return b.String()
}

func (e *Extractor) fetch(ctx context.Context, file models.File, token string) (*models.Media, error) {
	if e.maxBytes > 0 && int64(file.Size) > e.maxBytes {
		return nil, fmt.Errorf("fetch %s: %d bytes: %w", file.ID, file.Size, ErrAttachmentTooLarge)
	}

	url := file.URLPrivate
	if url == "" {
		url = file.URLPrivateDownload
	}
	if url == "" {
		return nil, fmt.Errorf("fetch %s: file has no private url", file.ID)
	}

	var buf bytes.Buffer
	var w io.Writer = &buf
	if e.maxBytes > 0 {
		w = &limitWriter{w: &buf, remaining: e.maxBytes}
	}
	if err := e.fetcher.FetchFile(ctx, token, url, w); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", file.ID, err)
	}

	data := buf.Bytes()
	sum := sha256.Sum256(data)

	media := &models.Media{
		Data:     data,
		MIMEType: mimeType(file.MIMEType, data),
		SHA256:   hex.EncodeToString(sum[:]),
	}

	if e.downloadPath != "" {
		filename, err := materialize(e.downloadPath, media)
		if err != nil {
			return nil, err
		}
		media.Filename = filename
	}

	e.logger.Debug().
		Str("file_id", file.ID).
		Str("sha256", media.SHA256).
		Str("mime_type", media.MIMEType).
		Int("size", len(data)).
		Msg("fetched attachment")

	return media, nil
}

// limitWriter fails once more than remaining bytes are written
type limitWriter struct {
	w         io.Writer
	remaining int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.remaining {
		return 0, ErrAttachmentTooLarge
	}
	n, err := l.w.Write(p)
	l.remaining -= int64(n)
	return n, err
}

func mimeType(declared string, data []byte) string {
	if declared != "" {
		return declared
	}
	return http.DetectContentType(data)
}

// materialize writes the media once under its content hash; an existing file is reused
func materialize(dir string, media *models.Media) (string, error) {
	name := media.SHA256
	if exts, err := mime.ExtensionsByType(media.MIMEType); err == nil && len(exts) > 0 {
		name += exts[0]
	}
	path := filepath.Join(dir, name)

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(media.Data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close attachment: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename attachment: %w", err)
	}

	return path, nil
}
