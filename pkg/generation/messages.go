package generation

import (
	"fmt"

	"github.com/savaki/berlioz-bot/pkg/models"
)

// Message is a provider-neutral chat message ready to be rendered into a
// provider request. Consecutive history entries with the same role are
// merged into one Message.
type Message struct {
	Role  string
	Parts []MessagePart
}

// MessagePart is text or inline media
type MessagePart struct {
	Text  string
	Media *models.Media
}

// Messages renders history for a provider. The media ref in the last entry
// that matches media is replaced by the bytes; every other media ref becomes
// a text placeholder, since attachments are not kept.
func Messages(history []models.Content, media *models.Media) []Message {
	var out []Message
	last := len(history) - 1

	for i, content := range history {
		var parts []MessagePart
		for _, part := range content.Parts {
			switch {
			case part.Media != nil && i == last && media != nil && part.Media.SHA256 == media.SHA256:
				parts = append(parts, MessagePart{Media: media})
			case part.Media != nil:
				parts = append(parts, MessagePart{Text: Placeholder(part.Media)})
			case part.Text != "":
				parts = append(parts, MessagePart{Text: part.Text})
			}
		}
		if len(parts) == 0 {
			continue
		}

		if n := len(out); n > 0 && out[n-1].Role == content.Role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			continue
		}
		out = append(out, Message{Role: content.Role, Parts: parts})
	}

	return out
}

// Placeholder describes an attachment that is no longer available
func Placeholder(ref *models.MediaRef) string {
	return fmt.Sprintf("[attachment %s, %d bytes, sha256 %s]", ref.MIMEType, ref.Size, ref.SHA256)
}
