// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/leaf/internal/backup"
	"github.com/jeranaias/leaf/internal/store"
	"github.com/jeranaias/leaf/internal/util"
)

// =============================================================================
// LOOKUP HELPERS
// =============================================================================

// resolveConversation finds a conversation by id or unique id prefix.
func resolveConversation(s *store.Store, ref string) (store.Conversation, error) {
	if ref == "" {
		return store.Conversation{}, errors.New("conversation id required")
	}
	if c, ok := s.Conversation(ref); ok {
		return c, nil
	}
	var matches []store.Conversation
	for _, c := range s.Conversations() {
		if strings.HasPrefix(c.ID, ref) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return store.Conversation{}, fmt.Errorf("conversation %s: %w", ref, errNotFound)
	case 1:
		return matches[0], nil
	}
	return store.Conversation{}, fmt.Errorf("conversation prefix %s is ambiguous (%d matches)", ref, len(matches))
}

// resolveTemplate finds a prompt template by id, id prefix or
// case-insensitive title.
func resolveTemplate(s *store.Store, ref string) (store.PromptTemplate, error) {
	if ref == "" {
		return store.PromptTemplate{}, errors.New("template name required")
	}
	templates := s.PromptTemplates()
	for _, t := range templates {
		if t.ID == ref || strings.EqualFold(t.Title, ref) {
			return t, nil
		}
	}
	var matches []store.PromptTemplate
	for _, t := range templates {
		if strings.HasPrefix(t.ID, ref) {
			matches = append(matches, t)
		}
	}
	if len(matches) == 1 {
		return matches[0], nil
	}
	if len(matches) > 1 {
		return store.PromptTemplate{}, fmt.Errorf("template prefix %s is ambiguous (%d matches)", ref, len(matches))
	}
	return store.PromptTemplate{}, fmt.Errorf("template %s: %w", ref, errNotFound)
}

// shortID is the id prefix shown in listings.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// relativeTime renders t relative to now in the coarse units a listing
// needs.
func relativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
	return t.Local().Format("2006-01-02")
}

// =============================================================================
// CONVERSATIONS COMMAND
// =============================================================================

func (a *app) conversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv", "c"},
		Short:   "Manage saved conversations",
	}
	cmd.AddCommand(
		a.convListCmd(),
		a.convShowCmd(),
		a.convExportMarkdownCmd(),
		a.convRenameCmd(),
		a.convFolderCmd(),
		a.convTagCmd(),
		a.convActivateCmd(),
		a.convDeleteCmd(),
		a.convClearCmd(),
	)
	return cmd
}

func (a *app) convListCmd() *cobra.Command {
	var (
		query  string
		folder string
		tag    string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List conversations, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			convs := s.Search(query)
			convs = slices.DeleteFunc(convs, func(c store.Conversation) bool {
				return (folder != "" && !strings.EqualFold(c.Folder, folder)) ||
					(tag != "" && !slices.ContainsFunc(c.Tags, func(t string) bool { return strings.EqualFold(t, tag) }))
			})
			if limit > 0 && len(convs) > limit {
				convs = convs[:limit]
			}

			if asJSON {
				return writeJSON(a.out, convs)
			}
			if len(convs) == 0 {
				a.println("No conversations.")
				return nil
			}

			now := time.Now()
			active := s.ActiveID()
			rows := make([][]string, 0, len(convs))
			for _, c := range convs {
				id := shortID(c.ID)
				if c.ID == active {
					id += "*"
				}
				rows = append(rows, []string{
					id,
					util.Ellipsize(c.DisplayTitle(), 40),
					strconv.Itoa(len(c.Messages)),
					c.Folder,
					strings.Join(c.Tags, ","),
					relativeTime(c.UpdatedAt, now),
				})
			}
			writeTable(a.out, []string{"ID", "TITLE", "MSGS", "FOLDER", "TAGS", "UPDATED"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "search", "s", "", "only conversations whose title, messages, tags or folder match")
	cmd.Flags().StringVar(&folder, "folder", "", "only conversations in this folder")
	cmd.Flags().StringVar(&tag, "tag", "", "only conversations with this tag")
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "show at most this many")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func (a *app) convShowCmd() *cobra.Command {
	var (
		asJSON     bool
		raw        bool
		timestamps bool
	)
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			c, err := resolveConversation(s, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.out, c)
			}
			md := backup.Markdown(c, backup.MarkdownOptions{IncludeTimestamps: timestamps})
			if raw {
				a.printf("%s", md)
				return nil
			}
			a.printf("%s", a.renderMarkdown(md))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	cmd.Flags().BoolVar(&raw, "raw", false, "print Markdown without rendering")
	cmd.Flags().BoolVarP(&timestamps, "timestamps", "t", false, "label messages with their time")
	return cmd
}

func (a *app) convExportMarkdownCmd() *cobra.Command {
	var (
		output   string
		metadata bool
	)
	cmd := &cobra.Command{
		Use:   "markdown <id>",
		Short: "Export a conversation as a Markdown transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			c, err := resolveConversation(s, args[0])
			if err != nil {
				return err
			}
			md := backup.Markdown(c, backup.MarkdownOptions{IncludeMetadata: metadata, IncludeTimestamps: true})
			if output == "" || output == "-" {
				a.printf("%s", md)
				return nil
			}
			if err := util.AtomicWriteFile(output, []byte(md), 0600); err != nil {
				return err
			}
			a.printf("Wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write (default stdout)")
	cmd.Flags().BoolVar(&metadata, "metadata", true, "include front matter and a details section")
	return cmd
}

func (a *app) convRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withConversation(cmd, args[0], func(s *store.Store, c store.Conversation) {
				title := strings.Join(args[1:], " ")
				s.RenameConversation(c.ID, title)
				a.printf("Renamed %s to %q\n", shortID(c.ID), title)
			})
		},
	}
}

func (a *app) convFolderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "folder <id> [folder]",
		Short: "Move a conversation to a folder, or out of one",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withConversation(cmd, args[0], func(s *store.Store, c store.Conversation) {
				folder := ""
				if len(args) == 2 {
					folder = args[1]
				}
				s.SetConversationFolder(c.ID, folder)
			})
		},
	}
}

func (a *app) convTagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tag <id> [tag...]",
		Short: "Replace a conversation's tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withConversation(cmd, args[0], func(s *store.Store, c store.Conversation) {
				s.SetConversationTags(c.ID, args[1:])
			})
		},
	}
}

func (a *app) convActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <id>",
		Short: "Make a conversation the one chat resumes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withConversation(cmd, args[0], func(s *store.Store, c store.Conversation) {
				s.SetActiveConversation(c.ID)
			})
		},
	}
}

func (a *app) convDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>...",
		Aliases: []string{"rm"},
		Short:   "Delete conversations",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			// Resolve everything first so a bad id deletes nothing.
			ids := make([]string, 0, len(args))
			for _, ref := range args {
				c, err := resolveConversation(s, ref)
				if err != nil {
					return err
				}
				ids = append(ids, c.ID)
			}
			for _, id := range ids {
				s.DeleteConversation(id)
			}
			a.printf("Deleted %d conversation(s)\n", len(ids))
			return nil
		},
	}
}

func (a *app) convClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			n := len(s.Conversations())
			if !yes && !a.confirm(fmt.Sprintf("Delete all %d conversations?", n)) {
				return errors.New("aborted")
			}
			s.ClearAllConversations()
			a.printf("Deleted %d conversation(s)\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// withConversation opens the store, resolves ref and runs fn.
func (a *app) withConversation(cmd *cobra.Command, ref string, fn func(*store.Store, store.Conversation)) error {
	s, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	c, err := resolveConversation(s, ref)
	if err != nil {
		return err
	}
	fn(s, c)
	return nil
}

// confirm asks a yes/no question on the input stream. Anything but y or
// yes, including closed input, is no.
func (a *app) confirm(question string) bool {
	fmt.Fprintf(a.errOut, "%s [y/N] ", question)
	answer, err := readLine(a.in)
	if err != nil {
		fmt.Fprintln(a.errOut)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
