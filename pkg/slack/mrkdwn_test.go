package slack

import "testing"

func TestToMrkdwn(t *testing.T) {
	tests := []struct {
		name     string
		markdown string
		want     string
	}{
		{
			name:     "plain text",
			markdown: "hello there",
			want:     "hello there",
		},
		{
			name:     "bold",
			markdown: "this is **important** and __also__",
			want:     "this is *important* and *also*",
		},
		{
			name:     "italic",
			markdown: "an *emphasized* word",
			want:     "an _emphasized_ word",
		},
		{
			name:     "bold and italic together",
			markdown: "**bold** then *italic*",
			want:     "*bold* then _italic_",
		},
		{
			name:     "strikethrough",
			markdown: "~~gone~~",
			want:     "~gone~",
		},
		{
			name:     "link",
			markdown: "see [the docs](https://example.com/a?b=1&c=2)",
			want:     "see <https://example.com/a?b=1&amp;c=2|the docs>",
		},
		{
			name:     "heading",
			markdown: "## Summary",
			want:     "*Summary*",
		},
		{
			name:     "bold heading",
			markdown: "# **Summary**",
			want:     "*Summary*",
		},
		{
			name:     "bullets",
			markdown: "- one\n* two\n  + nested",
			want:     "• one\n• two\n  • nested",
		},
		{
			name:     "escapes angle brackets",
			markdown: "a < b && c > d",
			want:     "a &lt; b &amp;&amp; c &gt; d",
		},
		{
			name:     "inline code untouched",
			markdown: "run `a **b** <c>` now",
			want:     "run `a **b** <c>` now",
		},
		{
			name:     "fenced code untouched",
			markdown: "```go\nx := **y**\n```\n**done**",
			want:     "```\nx := **y**\n```\n*done*",
		},
		{
			name:     "blockquote",
			markdown: "> quoted **text**",
			want:     "> quoted *text*",
		},
		{
			name:     "multiplication is not italic",
			markdown: "2 * 3 * 4",
			want:     "2 * 3 * 4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToMrkdwn(tt.markdown)
			if got != tt.want {
				t.Errorf("ToMrkdwn() = %q, want %q", got, tt.want)
			}
		})
	}
}
