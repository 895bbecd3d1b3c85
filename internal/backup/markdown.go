// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backup

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/leaf/internal/inference"
	"github.com/jeranaias/leaf/internal/store"
)

// =============================================================================
// MARKDOWN TRANSCRIPT
// =============================================================================

// MarkdownOptions configures Markdown.
type MarkdownOptions struct {
	// IncludeMetadata adds a YAML front matter block and a details section.
	IncludeMetadata bool

	// IncludeTimestamps labels each message with its time.
	IncludeTimestamps bool

	// Now stamps the footer; nil uses time.Now.
	Now func() time.Time
}

// Markdown renders a conversation as a Markdown transcript.
func Markdown(c store.Conversation, opts MarkdownOptions) string {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	var sb strings.Builder

	if opts.IncludeMetadata {
		sb.WriteString("---\n")
		fmt.Fprintf(&sb, "title: %s\n", escapeYAML(c.DisplayTitle()))
		if c.ModelID != "" {
			fmt.Fprintf(&sb, "model: %s\n", escapeYAML(c.ModelID))
		}
		fmt.Fprintf(&sb, "date: %s\n", c.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(&sb, "updated: %s\n", c.UpdatedAt.Format(time.RFC3339))
		fmt.Fprintf(&sb, "messages: %d\n", len(c.Messages))
		sb.WriteString("generator: leaf\n")
		sb.WriteString("---\n\n")
	}

	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(c.DisplayTitle()))

	if opts.IncludeMetadata {
		sb.WriteString("## Details\n\n")
		fmt.Fprintf(&sb, "- **Persona**: %s\n", c.Type)
		if c.ModelID != "" {
			fmt.Fprintf(&sb, "- **Model**: %s\n", c.ModelID)
		}
		fmt.Fprintf(&sb, "- **Created**: %s\n", c.CreatedAt.Format("2006-01-02 15:04:05"))
		if c.Folder != "" {
			fmt.Fprintf(&sb, "- **Folder**: %s\n", c.Folder)
		}
		if len(c.Tags) > 0 {
			fmt.Fprintf(&sb, "- **Tags**: %s\n", strings.Join(c.Tags, ", "))
		}
		sb.WriteString("\n---\n\n")
	}

	for i, m := range c.Messages {
		label := roleLabel(m.Role)
		if m.Bookmarked {
			label += " *"
		}
		if opts.IncludeTimestamps {
			fmt.Fprintf(&sb, "### %s <sub>%s</sub>\n\n", label, m.Timestamp.Format("15:04:05"))
		} else {
			fmt.Fprintf(&sb, "### %s\n\n", label)
		}
		sb.WriteString(strings.TrimSpace(m.Content))
		sb.WriteString("\n\n")
		if m.Reaction != store.ReactionNone {
			fmt.Fprintf(&sb, "<sub>Rated %s</sub>\n\n", m.Reaction)
		}
		if i < len(c.Messages)-1 {
			sb.WriteString("---\n\n")
		}
	}

	sb.WriteString("\n---\n\n")
	fmt.Fprintf(&sb, "*Exported from leaf on %s*\n", now().Format("January 2, 2006 at 3:04 PM"))
	return sb.String()
}

func roleLabel(r inference.Role) string {
	switch r {
	case inference.RoleUser:
		return "[User]"
	case inference.RoleAssistant:
		return "[Assistant]"
	case inference.RoleSystem:
		return "[System]"
	}
	return "Unknown"
}

// =============================================================================
// ESCAPING HELPERS
// =============================================================================

// escapeMarkdown escapes characters that would break formatting in headings.
func escapeMarkdown(s string) string {
	return strings.NewReplacer(
		"#", "\\#",
		"*", "\\*",
		"_", "\\_",
		"[", "\\[",
		"]", "\\]",
	).Replace(s)
}

// escapeYAML quotes values containing YAML special characters.
func escapeYAML(s string) string {
	if strings.ContainsAny(s, ":#|>@`\"'[]{}!%&*\n\r\\") || strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ") {
		s = strings.ReplaceAll(s, "\\", "\\\\")
		s = strings.ReplaceAll(s, "\"", "\\\"")
		s = strings.ReplaceAll(s, "\n", "\\n")
		s = strings.ReplaceAll(s, "\r", "\\r")
		return "\"" + s + "\""
	}
	return s
}
