// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"slices"
	"time"

	"github.com/jeranaias/leaf/internal/catalog"
	"github.com/jeranaias/leaf/internal/inference"
)

// DefaultPreferredModel is the preferred model of a fresh store.
const DefaultPreferredModel = catalog.DefaultAcceleratedModel

// TitleRunes is how much of the first user message becomes the title.
const TitleRunes = 50

// =============================================================================
// MESSAGES
// =============================================================================

// Reaction is a user's rating of a message.
type Reaction string

const (
	ReactionNone Reaction = ""
	ReactionUp   Reaction = "up"
	ReactionDown Reaction = "down"
)

// StoredMessage is one turn of a conversation.
type StoredMessage struct {
	ID         string         `json:"id"`
	Role       inference.Role `json:"role"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	Bookmarked bool           `json:"bookmarked,omitempty"`
	Reaction   Reaction       `json:"reaction,omitempty"`
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// Conversation is a persisted chat. Type is the persona tag it was started
// with and ModelID the preferred model at creation time.
type Conversation struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Messages  []StoredMessage `json:"messages"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Title     string          `json:"title,omitempty"`
	Folder    string          `json:"folder,omitempty"`
	Tags      []string        `json:"tags"`
	ModelID   string          `json:"modelId,omitempty"`
}

func (c *Conversation) clone() Conversation {
	out := *c
	out.Messages = slices.Clone(c.Messages)
	out.Tags = slices.Clone(c.Tags)
	return out
}

// indexOf returns the position of message id, or -1.
func (c *Conversation) indexOf(id string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// ChatMessages converts the conversation into generation input.
func (c Conversation) ChatMessages() []inference.Message {
	out := make([]inference.Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		out = append(out, inference.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// DisplayTitle is the title, or a placeholder for untitled conversations.
func (c Conversation) DisplayTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return "New conversation"
}

// DeleteOptions controls DeleteMessage.
type DeleteOptions struct {
	// Cascade also removes the assistant reply directly after a deleted
	// user message.
	Cascade bool
}

// =============================================================================
// SETTINGS AND TEMPLATES
// =============================================================================

// Settings are the persisted user preferences.
type Settings struct {
	PreferredModel string `json:"preferredModel"`
	AutoLoadModel  bool   `json:"autoLoadModel"`
	PrivacyMode    bool   `json:"privacyMode"`
}

// DefaultSettings returns the settings of a fresh store.
func DefaultSettings() Settings {
	return Settings{PreferredModel: DefaultPreferredModel}
}

// PromptTemplate is a reusable prompt.
type PromptTemplate struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// TemplateUpdate changes the non-nil fields of a template.
type TemplateUpdate struct {
	Title   *string
	Content *string
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is the unit of persistence and of backup files.
type Snapshot struct {
	Conversations   []Conversation   `json:"conversations"`
	PreferredModel  string           `json:"preferredModel"`
	AutoLoadModel   bool             `json:"autoLoadModel"`
	PrivacyMode     bool             `json:"privacyMode"`
	PromptTemplates []PromptTemplate `json:"promptTemplates"`
}

// Settings returns the settings part of the snapshot.
func (s Snapshot) Settings() Settings {
	return Settings{PreferredModel: s.PreferredModel, AutoLoadModel: s.AutoLoadModel, PrivacyMode: s.PrivacyMode}
}
