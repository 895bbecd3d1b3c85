// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package fallback

import (
	"strings"

	"github.com/jeranaias/leaf/internal/inference"
)

// FormatPrompt flattens a chat history into a role-prefixed prompt that
// ends with an open assistant turn. Messages with unknown roles are skipped.
func FormatPrompt(messages []inference.Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case inference.RoleSystem:
			b.WriteString("System: ")
		case inference.RoleUser:
			b.WriteString("User: ")
		case inference.RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			continue
		}
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("Assistant: ")
	return b.String()
}
