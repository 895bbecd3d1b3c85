// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/leaf/internal/store"
	"github.com/jeranaias/leaf/internal/util"
)

// =============================================================================
// TEMPLATES
// =============================================================================

func (a *app) templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "templates",
		Aliases: []string{"tpl"},
		Short:   "Manage saved prompt templates",
	}
	cmd.AddCommand(a.tplListCmd(), a.tplAddCmd(), a.tplEditCmd(), a.tplDeleteCmd())
	return cmd
}

func (a *app) tplListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List prompt templates",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			templates := s.PromptTemplates()
			if asJSON {
				return writeJSON(a.out, templates)
			}
			if len(templates) == 0 {
				a.println("No templates. Add one with: leaf templates add <title> <content>")
				return nil
			}
			rows := make([][]string, 0, len(templates))
			for _, t := range templates {
				rows = append(rows, []string{shortID(t.ID), util.Ellipsize(t.Title, 30), firstLine(t.Content)})
			}
			writeTable(a.out, []string{"ID", "TITLE", "CONTENT"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func (a *app) tplAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <title> <content>",
		Short: "Save a prompt template",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			title := strings.TrimSpace(args[0])
			content := strings.TrimSpace(strings.Join(args[1:], " "))
			if title == "" || content == "" {
				return errors.New("title and content must not be empty")
			}
			id := s.AddPromptTemplate(store.PromptTemplate{Title: title, Content: content})
			a.printf("Saved template %s (%s)\n", strconv.Quote(title), shortID(id))
			return nil
		},
	}
}

func (a *app) tplEditCmd() *cobra.Command {
	var title, content string
	cmd := &cobra.Command{
		Use:   "edit <id|title>",
		Short: "Change a template's title or content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			t, err := resolveTemplate(s, args[0])
			if err != nil {
				return err
			}
			var u store.TemplateUpdate
			if cmd.Flags().Changed("title") {
				u.Title = &title
			}
			if cmd.Flags().Changed("content") {
				u.Content = &content
			}
			if u.Title == nil && u.Content == nil {
				return errors.New("nothing to change: pass --title or --content")
			}
			s.UpdatePromptTemplate(t.ID, u)
			a.printf("Updated template %s\n", shortID(t.ID))
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&content, "content", "", "new content")
	return cmd
}

func (a *app) tplDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id|title>",
		Aliases: []string{"rm"},
		Short:   "Delete a template",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			t, err := resolveTemplate(s, args[0])
			if err != nil {
				return err
			}
			s.DeletePromptTemplate(t.ID)
			a.printf("Deleted template %s\n", strconv.Quote(t.Title))
			return nil
		},
	}
}

// =============================================================================
// SETTINGS
// =============================================================================

// settingKeys are the persisted preferences "leaf settings set" accepts.
var settingKeys = []string{"preferred-model", "auto-load", "privacy"}

func (a *app) settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change saved preferences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			st := s.Settings()
			a.printf("%s%s\n", RenderLabel("preferred-model"), st.PreferredModel)
			a.printf("%s%t\n", RenderLabel("auto-load"), st.AutoLoadModel)
			a.printf("%s%t\n", RenderLabel("privacy"), st.PrivacyMode)
			if a.cfg.Privacy.Enforce {
				a.println(DimStyle.Render("Privacy mode is enforced by the configuration."))
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:       "set <key> <value>",
		Short:     "Change a preference",
		Args:      cobra.ExactArgs(2),
		ValidArgs: settingKeys,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			return applySetting(s, args[0], args[1])
		},
	})
	return cmd
}

// applySetting sets one persisted preference from its string form.
func applySetting(s *store.Store, key, value string) error {
	switch key {
	case "preferred-model":
		if value == "" {
			return errors.New("preferred-model must not be empty")
		}
		s.SetPreferredModel(value)
		return nil
	case "auto-load", "privacy":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if key == "auto-load" {
			s.SetAutoLoadModel(v)
		} else {
			s.SetPrivacyMode(v)
		}
		return nil
	}
	return fmt.Errorf("unknown setting %q (want one of %s)", key, strings.Join(settingKeys, ", "))
}
