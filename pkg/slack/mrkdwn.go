package slack

import (
	"regexp"
	"strings"
)

var (
	headingRe = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*#*\s*$`)
	bulletRe  = regexp.MustCompile(`^(\s*)[-*+]\s+`)
	imageRe   = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)
	linkRe    = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)
	boldRe    = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__`)
	italicRe  = regexp.MustCompile(`\*([^*\s](?:[^*]*[^*\s])?)\*`)
	strikeRe  = regexp.MustCompile(`~~(.+?)~~`)
)

// boldMark stands in for a converted bold delimiter until italics are done
const boldMark = "\x01"

// ToMrkdwn converts common Markdown, as produced by language models, into
// Slack's mrkdwn dialect. Code spans and fenced blocks are left untouched.
func ToMrkdwn(markdown string) string {
	lines := strings.Split(markdown, "\n")
	out := make([]string, 0, len(lines))

	inFence := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			// mrkdwn has no language tags
			out = append(out, "```")
			continue
		}
		if inFence {
			out = append(out, line)
			continue
		}
		out = append(out, convertLine(line))
	}

	return strings.Join(out, "\n")
}

func convertLine(line string) string {
	if m := headingRe.FindStringSubmatch(line); m != nil {
		text := strings.ReplaceAll(convertInline(m[1]), "*", "")
		return "*" + text + "*"
	}

	var prefix string
	if strings.HasPrefix(line, ">") {
		prefix, line = ">", line[1:]
	}
	if loc := bulletRe.FindStringSubmatchIndex(line); loc != nil {
		indent := line[loc[2]:loc[3]]
		prefix, line = prefix+indent+"• ", line[loc[1]:]
	}

	return prefix + convertInline(line)
}

// convertInline rewrites everything outside backtick code spans
func convertInline(text string) string {
	parts := strings.Split(text, "`")
	for i := range parts {
		// odd parts are inside a code span, unless the span is unterminated
		if i%2 == 1 && i < len(parts)-1 {
			continue
		}
		parts[i] = convertSegment(parts[i])
	}
	return strings.Join(parts, "`")
}

func convertSegment(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	s = imageRe.ReplaceAllString(s, "<$2|$1>")
	s = linkRe.ReplaceAllString(s, "<$2|$1>")
	s = boldRe.ReplaceAllStringFunc(s, func(m string) string {
		inner := boldRe.FindStringSubmatch(m)
		text := inner[1]
		if text == "" {
			text = inner[2]
		}
		return boldMark + text + boldMark
	})
	s = italicRe.ReplaceAllString(s, "_${1}_")
	s = strikeRe.ReplaceAllString(s, "~$1~")

	return strings.ReplaceAll(s, boldMark, "*")
}
