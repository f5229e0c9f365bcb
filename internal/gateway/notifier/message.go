package notifier

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const maxMessageLen = 3800

// MessageSection is one titled block of an alert.
type MessageSection struct {
	Title string
	Lines []string
}

// StructuredMessage is the common layout of every operator alert.
type StructuredMessage struct {
	Icon      string
	Title     string
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

// RenderMarkdown renders the message as Telegram Markdown, cut to fit one
// message.
func (m StructuredMessage) RenderMarkdown() string {
	var b strings.Builder
	if header := strings.TrimSpace(m.Icon + " " + m.Title); header != "" {
		b.WriteString("*" + sanitize(header) + "*\n\n")
	}
	for _, sec := range m.Sections {
		lines := nonEmpty(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		b.WriteString("```\n")
		if title := strings.TrimSpace(sec.Title); title != "" {
			b.WriteString(sanitize(title) + "\n")
		}
		for _, line := range lines {
			b.WriteString("- " + sanitize(line) + "\n")
		}
		b.WriteString("```\n")
	}
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString(sanitize(footer) + "\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString(m.Timestamp.UTC().Format(time.RFC3339))
	}
	return truncate(strings.TrimSpace(b.String()), maxMessageLen)
}

// detailLines renders a details map as sorted key=value lines.
func detailLines(details map[string]any) []string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s: %v", k, details[k]))
	}
	return out
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
