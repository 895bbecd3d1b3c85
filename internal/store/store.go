// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/leaf/internal/inference"
	"github.com/jeranaias/leaf/internal/util"
)

// Options configures a Store. Zero values use the wall clock, UUIDs, and a
// discard logger.
type Options struct {
	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

// Store is the in-memory conversation store. It is safe for concurrent use.
type Store struct {
	mu            sync.Mutex
	conversations []*Conversation // newest first
	activeID      string
	settings      Settings
	templates     []PromptTemplate

	subMu   sync.Mutex
	subs    map[int]func()
	nextSub int

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// New creates an empty store with default settings.
func New(opts Options) *Store {
	s := &Store{
		settings: DefaultSettings(),
		subs:     make(map[int]func()),
		now:      opts.Now,
		newID:    opts.NewID,
		logger:   opts.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.logger = s.logger.With("component", "store")
	return s
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe registers fn to run after every effective mutation. fn runs
// without the store lock held and may read the store.
func (s *Store) Subscribe(fn func()) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

// stamp returns the current time, never earlier than prev.
func (s *Store) stamp(prev time.Time) time.Time {
	now := s.now()
	if now.Before(prev) {
		return prev
	}
	return now
}

func (s *Store) find(id string) *Conversation {
	for _, c := range s.conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// update runs fn on conversation id. When fn reports a change the
// conversation's UpdatedAt is bumped and subscribers are notified.
func (s *Store) update(id string, fn func(c *Conversation) bool) {
	s.mu.Lock()
	c := s.find(id)
	changed := c != nil && fn(c)
	if changed {
		c.UpdatedAt = s.stamp(c.UpdatedAt)
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// updateMessage runs fn on message msgID of conversation convID.
func (s *Store) updateMessage(convID, msgID string, fn func(m *StoredMessage)) {
	s.update(convID, func(c *Conversation) bool {
		i := c.indexOf(msgID)
		if i < 0 {
			return false
		}
		fn(&c.Messages[i])
		return true
	})
}

// apply runs a store-wide mutation and notifies subscribers.
func (s *Store) apply(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
	s.notify()
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// CreateConversation adds an empty conversation at the head of the list,
// makes it active, and records the preferred model on it.
func (s *Store) CreateConversation(persona string) string {
	id := s.newID()
	s.apply(func() {
		now := s.now()
		c := &Conversation{
			ID:        id,
			Type:      persona,
			Messages:  []StoredMessage{},
			CreatedAt: now,
			UpdatedAt: now,
			Tags:      []string{},
			ModelID:   s.settings.PreferredModel,
		}
		s.conversations = append([]*Conversation{c}, s.conversations...)
		s.activeID = id
	})
	s.logger.Debug("conversation created", "id", id, "type", persona)
	return id
}

// DeleteConversation removes a conversation. When it was active, the next
// conversation in the list becomes active, or none.
func (s *Store) DeleteConversation(id string) {
	s.mu.Lock()
	i := slices.IndexFunc(s.conversations, func(c *Conversation) bool { return c.ID == id })
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.conversations = slices.Delete(s.conversations, i, i+1)
	if s.activeID == id {
		s.activeID = ""
		if len(s.conversations) > 0 {
			s.activeID = s.conversations[0].ID
		}
	}
	s.mu.Unlock()
	s.notify()
}

// ClearAllConversations removes every conversation.
func (s *Store) ClearAllConversations() {
	s.apply(func() {
		s.conversations = nil
		s.activeID = ""
	})
}

// SetActiveConversation selects a conversation. An empty id clears the
// selection; an unknown id is ignored.
func (s *Store) SetActiveConversation(id string) {
	s.mu.Lock()
	if id != "" && s.find(id) == nil {
		s.mu.Unlock()
		return
	}
	s.activeID = id
	s.mu.Unlock()
	s.notify()
}

// RenameConversation sets the title.
func (s *Store) RenameConversation(id, title string) {
	s.update(id, func(c *Conversation) bool {
		c.Title = title
		return true
	})
}

// SetConversationFolder files the conversation; "" removes the folder.
func (s *Store) SetConversationFolder(id, folder string) {
	s.update(id, func(c *Conversation) bool {
		c.Folder = strings.TrimSpace(folder)
		return true
	})
}

// SetConversationTags replaces the tag set. Blank and repeated tags are
// dropped, order is kept.
func (s *Store) SetConversationTags(id string, tags []string) {
	set := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" && !slices.Contains(set, t) {
			set = append(set, t)
		}
	}
	s.update(id, func(c *Conversation) bool {
		c.Tags = set
		return true
	})
}

// SetConversationModel records the model a conversation should use.
func (s *Store) SetConversationModel(id, modelID string) {
	s.update(id, func(c *Conversation) bool {
		c.ModelID = modelID
		return true
	})
}

// =============================================================================
// MESSAGES
// =============================================================================

// AddMessage appends a message and returns its id, or "" when the
// conversation does not exist or role is invalid. The first user message
// of an untitled conversation becomes its title.
func (s *Store) AddMessage(convID string, role inference.Role, content string) string {
	if !role.Valid() {
		return ""
	}
	msgID := s.newID()
	added := false
	s.update(convID, func(c *Conversation) bool {
		c.Messages = append(c.Messages, StoredMessage{
			ID:        msgID,
			Role:      role,
			Content:   content,
			Timestamp: s.stamp(c.UpdatedAt),
		})
		if c.Title == "" && role == inference.RoleUser {
			c.Title = util.Ellipsize(content, TitleRunes)
		}
		added = true
		return true
	})
	if !added {
		return ""
	}
	return msgID
}

// UpdateLastAssistantMessage replaces the content of the last message when
// it is an assistant message. Streaming callers pass the accumulated text.
func (s *Store) UpdateLastAssistantMessage(convID, content string) {
	s.update(convID, func(c *Conversation) bool {
		n := len(c.Messages)
		if n == 0 || c.Messages[n-1].Role != inference.RoleAssistant {
			return false
		}
		c.Messages[n-1].Content = content
		return true
	})
}

// UpdateMessage replaces a message's content.
func (s *Store) UpdateMessage(convID, msgID, content string) {
	s.updateMessage(convID, msgID, func(m *StoredMessage) { m.Content = content })
}

// TruncateConversation keeps the first count messages.
func (s *Store) TruncateConversation(convID string, count int) {
	s.update(convID, func(c *Conversation) bool {
		count = max(count, 0)
		if count < len(c.Messages) {
			c.Messages = c.Messages[:count]
		}
		return true
	})
}

// TruncateAfter drops every message after msgID, keeping msgID itself.
func (s *Store) TruncateAfter(convID, msgID string) {
	s.update(convID, func(c *Conversation) bool {
		i := c.indexOf(msgID)
		if i < 0 {
			return false
		}
		c.Messages = c.Messages[:i+1]
		return true
	})
}

// DeleteMessage removes a message. With Cascade, deleting a user message
// that is directly followed by an assistant message removes both.
func (s *Store) DeleteMessage(convID, msgID string, opts DeleteOptions) {
	s.update(convID, func(c *Conversation) bool {
		i := c.indexOf(msgID)
		if i < 0 {
			return false
		}
		n := 1
		if opts.Cascade && c.Messages[i].Role == inference.RoleUser &&
			i+1 < len(c.Messages) && c.Messages[i+1].Role == inference.RoleAssistant {
			n = 2
		}
		c.Messages = slices.Delete(c.Messages, i, i+n)
		return true
	})
}

// ToggleBookmark flips a message's bookmark.
func (s *Store) ToggleBookmark(convID, msgID string) {
	s.updateMessage(convID, msgID, func(m *StoredMessage) { m.Bookmarked = !m.Bookmarked })
}

// SetReaction sets a message's reaction. Setting the reaction it already
// has, or ReactionNone, clears it.
func (s *Store) SetReaction(convID, msgID string, r Reaction) {
	s.updateMessage(convID, msgID, func(m *StoredMessage) {
		if m.Reaction == r {
			m.Reaction = ReactionNone
			return
		}
		m.Reaction = r
	})
}

// =============================================================================
// SETTINGS
// =============================================================================

// SetPreferredModel changes the model new conversations record.
func (s *Store) SetPreferredModel(modelID string) {
	s.apply(func() { s.settings.PreferredModel = modelID })
}

// SetAutoLoadModel toggles loading the preferred model on start.
func (s *Store) SetAutoLoadModel(v bool) {
	s.apply(func() { s.settings.AutoLoadModel = v })
}

// SetPrivacyMode toggles privacy mode.
func (s *Store) SetPrivacyMode(v bool) {
	s.apply(func() { s.settings.PrivacyMode = v })
}

// Settings returns the current settings.
func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// =============================================================================
// PROMPT TEMPLATES
// =============================================================================

// AddPromptTemplate inserts t at the head of the template list and returns
// its id, generating one when t.ID is empty.
func (s *Store) AddPromptTemplate(t PromptTemplate) string {
	if t.ID == "" {
		t.ID = s.newID()
	}
	s.apply(func() {
		s.templates = append([]PromptTemplate{t}, s.templates...)
	})
	return t.ID
}

// UpdatePromptTemplate applies u to template id.
func (s *Store) UpdatePromptTemplate(id string, u TemplateUpdate) {
	s.mu.Lock()
	i := slices.IndexFunc(s.templates, func(t PromptTemplate) bool { return t.ID == id })
	if i < 0 {
		s.mu.Unlock()
		return
	}
	if u.Title != nil {
		s.templates[i].Title = *u.Title
	}
	if u.Content != nil {
		s.templates[i].Content = *u.Content
	}
	s.mu.Unlock()
	s.notify()
}

// DeletePromptTemplate removes template id.
func (s *Store) DeletePromptTemplate(id string) {
	s.mu.Lock()
	i := slices.IndexFunc(s.templates, func(t PromptTemplate) bool { return t.ID == id })
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.templates = slices.Delete(s.templates, i, i+1)
	s.mu.Unlock()
	s.notify()
}

// PromptTemplates returns a copy of the templates, newest first.
func (s *Store) PromptTemplates() []PromptTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.templates)
}

// =============================================================================
// SELECTORS
// =============================================================================

// Conversations returns copies of every conversation, newest first.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.clone())
	}
	return out
}

// Conversation returns a copy of conversation id.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.find(id); c != nil {
		return c.clone(), true
	}
	return Conversation{}, false
}

// ActiveID returns the active conversation id, or "".
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// ActiveConversation returns a copy of the active conversation.
func (s *Store) ActiveConversation() (Conversation, bool) {
	return s.Conversation(s.ActiveID())
}

// Search returns conversations whose title, folder, tags, or message
// content contain query, ignoring case. An empty query matches all.
func (s *Store) Search(query string) []Conversation {
	query = strings.ToLower(strings.TrimSpace(query))
	all := s.Conversations()
	if query == "" {
		return all
	}
	var out []Conversation
	for _, c := range all {
		if matches(c, query) {
			out = append(out, c)
		}
	}
	return out
}

func matches(c Conversation, query string) bool {
	if strings.Contains(strings.ToLower(c.Title), query) ||
		strings.Contains(strings.ToLower(c.Folder), query) {
		return true
	}
	for _, t := range c.Tags {
		if strings.Contains(strings.ToLower(t), query) {
			return true
		}
	}
	for _, m := range c.Messages {
		if strings.Contains(strings.ToLower(m.Content), query) {
			return true
		}
	}
	return false
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot returns the persistable state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Conversations:   make([]Conversation, 0, len(s.conversations)),
		PreferredModel:  s.settings.PreferredModel,
		AutoLoadModel:   s.settings.AutoLoadModel,
		PrivacyMode:     s.settings.PrivacyMode,
		PromptTemplates: slices.Clone(s.templates),
	}
	if snap.PromptTemplates == nil {
		snap.PromptTemplates = []PromptTemplate{}
	}
	for _, c := range s.conversations {
		snap.Conversations = append(snap.Conversations, c.clone())
	}
	return snap
}

// Restore replaces the persistable state wholesale. The active selection
// survives only if its conversation is still present.
func (s *Store) Restore(snap Snapshot) {
	s.apply(func() {
		s.conversations = make([]*Conversation, 0, len(snap.Conversations))
		for i := range snap.Conversations {
			c := snap.Conversations[i].clone()
			if c.Messages == nil {
				c.Messages = []StoredMessage{}
			}
			if c.Tags == nil {
				c.Tags = []string{}
			}
			s.conversations = append(s.conversations, &c)
		}
		if s.find(s.activeID) == nil {
			s.activeID = ""
		}
		s.settings = snap.Settings()
		if s.settings.PreferredModel == "" {
			s.settings.PreferredModel = DefaultPreferredModel
		}
		s.templates = slices.Clone(snap.PromptTemplates)
	})
}
