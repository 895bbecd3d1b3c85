// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/leaf/internal/backup"
	"github.com/jeranaias/leaf/internal/catalog"
	"github.com/jeranaias/leaf/internal/config"
	"github.com/jeranaias/leaf/internal/detect"
	"github.com/jeranaias/leaf/internal/inference"
	"github.com/jeranaias/leaf/internal/store"
	"github.com/jeranaias/leaf/internal/util"
)

// chatEngine is the part of the engine a chat session drives.
type chatEngine interface {
	modelLoader
	CurrentModel() string
	Generate(ctx context.Context, messages []inference.Message, opts inference.GenerateOptions) (string, error)
	StopGeneration(ctx context.Context) error
	ResetChat(ctx context.Context) error
	Stats(ctx context.Context) *inference.Stats
	AvailableModels(ctx context.Context) []catalog.ModelDescriptor
}

type chatOptions struct {
	conversation string
	newConv      bool
	model        string
	persona      string
}

func (a *app) chatCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Long: `Start an interactive chat in the active conversation.

Replies stream as they are generated. Press Ctrl+C to stop a reply and
Ctrl+D to leave. Type /help for the slash commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runChat(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.conversation, "conversation", "c", "", "resume the conversation with this id or id prefix")
	cmd.Flags().BoolVarP(&opts.newConv, "new", "n", false, "start a new conversation")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "model id to load")
	cmd.Flags().StringVarP(&opts.persona, "persona", "p", "", "persona for a new conversation")
	return cmd
}

func (a *app) runChat(cmd *cobra.Command, opts chatOptions) error {
	ctx := cmd.Context()
	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	eng, err := a.openEngine()
	if err != nil {
		return err
	}

	info := eng.DetectEngine(ctx)
	a.printBanner(info)

	convID, err := a.pickConversation(s, opts)
	if err != nil {
		return err
	}
	conv, _ := s.Conversation(convID)
	modelID, err := pickModel(info, s.Settings(), conv, opts.model)
	if err != nil {
		return err
	}

	session := &chatSession{
		a:         a,
		eng:       eng,
		store:     s,
		convID:    convID,
		modelID:   modelID,
		out:       a.out,
		showStats: a.cfg.UI.ShowStats,
	}
	if opts.model != "" || s.Settings().AutoLoadModel {
		if err := session.ensureModel(ctx); err != nil {
			return err
		}
	} else {
		a.printf("%s\n", DimStyle.Render(fmt.Sprintf("%s loads with your first message.", modelName(modelID))))
	}
	if len(conv.Messages) > 0 {
		a.printf("%s\n", DimStyle.Render(fmt.Sprintf("Resuming %q (%d messages)", conv.DisplayTitle(), len(conv.Messages))))
	}
	return session.repl(ctx)
}

func (a *app) printBanner(info detect.EngineInfo) {
	a.printf("%s  %s", TitleStyle.Render("leaf"), DimStyle.Render(info.DisplayName))
	if badge := a.guard.StatusBadge(); badge != "" {
		a.printf("  %s", PrivacyStyle.Render(badge))
	}
	a.println()
	if info.Reason != "" {
		a.printf("%s\n", DimStyle.Render(info.Reason))
	}
}

// pickConversation resolves --conversation, creates one for --new or an
// empty store, and otherwise resumes the active conversation.
func (a *app) pickConversation(s *store.Store, opts chatOptions) (string, error) {
	if opts.conversation != "" {
		c, err := resolveConversation(s, opts.conversation)
		if err != nil {
			return "", err
		}
		s.SetActiveConversation(c.ID)
		return c.ID, nil
	}
	if !opts.newConv {
		if c, ok := s.ActiveConversation(); ok {
			return c.ID, nil
		}
	}
	persona := opts.persona
	if persona == "" {
		persona = a.cfg.UI.Persona
	}
	return s.CreateConversation(catalog.LookupPersona(persona).ID), nil
}

// pickModel chooses the model for a chat: the explicit id, then the
// conversation's model, then the preferred model, then a recommendation
// for the detected hardware. Only ids the detected engine can run count.
func pickModel(info detect.EngineInfo, settings store.Settings, conv store.Conversation, explicit string) (string, error) {
	if explicit != "" {
		if _, ok := catalog.Lookup(info.Backend, explicit); !ok {
			return "", fmt.Errorf("model %s is not available on the %s", explicit, info.DisplayName)
		}
		return explicit, nil
	}
	for _, id := range []string{conv.ModelID, settings.PreferredModel} {
		if _, ok := catalog.Lookup(info.Backend, id); ok && id != "" {
			return id, nil
		}
	}
	if m, ok := detect.RecommendModel(info); ok {
		return m.ID, nil
	}
	return "", errors.New("no model is available for this hardware")
}

// =============================================================================
// SESSION
// =============================================================================

// chatSession is one interactive chat. Generation state is guarded by mu
// because the interrupt handler runs on its own goroutine.
type chatSession struct {
	a         *app
	eng       chatEngine
	store     *store.Store
	convID    string
	modelID   string
	out       io.Writer
	showStats bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// ensureModel loads the session model unless it is already loaded.
func (c *chatSession) ensureModel(ctx context.Context) error {
	if c.eng.CurrentModel() == c.modelID {
		return nil
	}
	if err := c.a.loadModel(ctx, c.eng, c.modelID); err != nil {
		return err
	}
	c.store.SetConversationModel(c.convID, c.modelID)
	return nil
}

// send records text as a user message and generates the reply.
func (c *chatSession) send(ctx context.Context, text string) error {
	if err := c.ensureModel(ctx); err != nil {
		return err
	}
	if c.store.AddMessage(c.convID, inference.RoleUser, text) == "" {
		return fmt.Errorf("conversation %s: %w", c.convID, errNotFound)
	}
	return c.reply(ctx)
}

// reply generates an assistant message for the conversation as it stands.
// Tokens are written to the output and into the store as they arrive. A
// failed generation that produced nothing leaves no assistant message.
func (c *chatSession) reply(ctx context.Context) error {
	conv, ok := c.store.Conversation(c.convID)
	if !ok {
		return fmt.Errorf("conversation %s: %w", c.convID, errNotFound)
	}
	messages := append([]inference.Message{{
		Role:    inference.RoleSystem,
		Content: catalog.SystemPrompt(conv.Type, ""),
	}}, conv.ChatMessages()...)

	replyID := c.store.AddMessage(c.convID, inference.RoleAssistant, "")

	genCtx, cancel := context.WithCancel(ctx)
	c.setCancel(cancel)
	defer func() {
		c.setCancel(nil)
		cancel()
	}()

	var streamed strings.Builder
	text, err := c.eng.Generate(genCtx, messages, inference.GenerateOptions{
		OnToken: func(tok string) {
			streamed.WriteString(tok)
			io.WriteString(c.out, tok)
			c.store.UpdateLastAssistantMessage(c.convID, streamed.String())
		},
	})
	if streamed.Len() == 0 && text != "" {
		// Whole-reply backends deliver no tokens.
		io.WriteString(c.out, text)
	}
	if streamed.Len() > 0 || text != "" {
		fmt.Fprintln(c.out)
	}

	if err != nil {
		if streamed.Len() == 0 {
			c.store.DeleteMessage(c.convID, replyID, store.DeleteOptions{})
		}
		return err
	}
	c.store.UpdateLastAssistantMessage(c.convID, text)

	if c.showStats {
		if st := c.eng.Stats(ctx); st != nil && st.TokensPerSecond > 0 {
			fmt.Fprintln(c.out, DimStyle.Render(fmt.Sprintf("%.1f tok/s", st.TokensPerSecond)))
		}
	}
	return nil
}

func (c *chatSession) setCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
}

// interrupt stops the running generation and reports the outcome. Backends
// that cannot stop are abandoned instead: the reply returns at once while the
// backend finishes on its own, and the user is told so.
func (c *chatSession) interrupt(ctx context.Context) bool {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return false
	}
	if err := c.eng.StopGeneration(ctx); err != nil {
		cancel()
		c.a.warnf("\n[Not stopped] %v. The engine keeps working in the background; its reply is discarded.", err)
		return true
	}
	fmt.Fprintln(c.a.errOut, "\n"+WarningStyle.Render("[Stopped]"))
	return true
}

// =============================================================================
// REPL
// =============================================================================

func (c *chatSession) repl(ctx context.Context) error {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	historyFile := chatHistoryPath()
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		saveHistory(line, historyFile)
		line.Close()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			c.interrupt(ctx)
		}
	}()

	c.a.printf("%s\n\n", DimStyle.Render("Type /help for commands, Ctrl+D to exit."))
	for {
		input, err := line.Prompt("leaf> ")
		if err != nil {
			// Ctrl+C at the prompt, Ctrl+D or closed input all end the chat.
			c.a.println()
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			quit, err := c.command(ctx, input)
			if err != nil {
				c.printError(err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := c.send(ctx, input); err != nil {
			c.printError(err)
		}
		c.a.println()
	}
}

func (c *chatSession) printError(err error) {
	fmt.Fprintf(c.a.errOut, "%s %v\n", ErrorStyle.Render("[Error]"), err)
	if hint := inference.Hint(inference.KindOf(err)); hint != "" {
		fmt.Fprintln(c.a.errOut, DimStyle.Render(hint))
	}
}

func chatHistoryPath() string {
	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "chat_history")
}

// saveHistory writes the input history readable only by the current user.
func saveHistory(line *liner.State, path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	line.WriteHistory(f)
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

var chatCommands = []struct{ name, desc string }{
	{"/help", "Show this help"},
	{"/new [persona]", "Start a new conversation"},
	{"/model [id]", "Show or switch the model"},
	{"/models", "List models for this engine"},
	{"/personas", "List personas"},
	{"/retry", "Regenerate the last reply"},
	{"/reset", "Clear the engine's cached context"},
	{"/title <text>", "Rename this conversation"},
	{"/bookmark", "Bookmark the last reply"},
	{"/up, /down", "React to the last reply"},
	{"/template <name>", "Send a saved prompt template"},
	{"/history", "Show this conversation"},
	{"/privacy [on|off]", "Show or change privacy mode"},
	{"/stats", "Show generation speed"},
	{"/exit", "Leave the chat"},
}

// command runs a slash command and reports whether the chat should end.
func (c *chatSession) command(ctx context.Context, input string) (bool, error) {
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "/exit", "/quit", "/q":
		return true, nil

	case "/help", "/h":
		for _, cmd := range chatCommands {
			fmt.Fprintf(c.out, "  %-20s %s\n", cmd.name, DimStyle.Render(cmd.desc))
		}

	case "/new":
		persona := arg
		if persona == "" {
			if conv, ok := c.store.Conversation(c.convID); ok {
				persona = conv.Type
			}
		}
		c.convID = c.store.CreateConversation(catalog.LookupPersona(persona).ID)
		if err := c.eng.ResetChat(ctx); err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "Started a new %s conversation.\n", catalog.LookupPersona(persona).Name)

	case "/model":
		if arg == "" {
			current := c.eng.CurrentModel()
			if current == "" {
				current = c.modelID + " (not loaded)"
			}
			fmt.Fprintf(c.out, "Model: %s\n", current)
			return false, nil
		}
		if !c.available(ctx, arg) {
			return false, fmt.Errorf("model %s is not available for this engine", arg)
		}
		c.modelID = arg
		if err := c.ensureModel(ctx); err != nil {
			return false, err
		}
		c.store.SetPreferredModel(arg)

	case "/models":
		for _, m := range c.eng.AvailableModels(ctx) {
			marker := " "
			if m.ID == c.eng.CurrentModel() {
				marker = "*"
			}
			fmt.Fprintf(c.out, "%s %-40s %s\n", marker, m.ID, DimStyle.Render(m.SizeLabel()))
		}

	case "/personas":
		for _, p := range catalog.Personas() {
			fmt.Fprintf(c.out, "  %-12s %s\n", p.ID, DimStyle.Render(p.Description))
		}

	case "/retry":
		return false, c.retry(ctx)

	case "/reset":
		if err := c.eng.ResetChat(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, "Engine context cleared.")

	case "/title":
		if arg == "" {
			return false, errors.New("usage: /title <text>")
		}
		c.store.RenameConversation(c.convID, arg)

	case "/bookmark":
		id, err := c.lastReply()
		if err != nil {
			return false, err
		}
		c.store.ToggleBookmark(c.convID, id)

	case "/up", "/down":
		id, err := c.lastReply()
		if err != nil {
			return false, err
		}
		reaction := store.ReactionUp
		if name == "/down" {
			reaction = store.ReactionDown
		}
		c.store.SetReaction(c.convID, id, reaction)

	case "/template", "/t":
		t, err := resolveTemplate(c.store, arg)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, DimStyle.Render("> "+firstLine(t.Content)))
		return false, c.send(ctx, t.Content)

	case "/history":
		conv, ok := c.store.Conversation(c.convID)
		if !ok {
			return false, errNotFound
		}
		fmt.Fprint(c.out, c.a.renderMarkdown(backup.Markdown(conv, backup.MarkdownOptions{})))

	case "/privacy":
		switch strings.ToLower(arg) {
		case "on":
			c.store.SetPrivacyMode(true)
		case "off":
			if c.a.cfg.Privacy.Enforce {
				return false, errors.New("privacy mode is enforced by the configuration")
			}
			c.store.SetPrivacyMode(false)
		case "":
		default:
			return false, errors.New("usage: /privacy [on|off]")
		}
		state := "off"
		if c.a.guard.Enabled() {
			state = "on"
		}
		fmt.Fprintf(c.out, "Privacy mode is %s.\n", state)

	case "/stats":
		st := c.eng.Stats(ctx)
		if st == nil {
			fmt.Fprintln(c.out, "No statistics yet.")
			return false, nil
		}
		fmt.Fprintf(c.out, "%.1f tok/s\n", st.TokensPerSecond)

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

func (c *chatSession) available(ctx context.Context, id string) bool {
	for _, m := range c.eng.AvailableModels(ctx) {
		if m.ID == id {
			return true
		}
	}
	return false
}

// lastReply returns the id of the newest assistant message.
func (c *chatSession) lastReply() (string, error) {
	conv, ok := c.store.Conversation(c.convID)
	if !ok {
		return "", errNotFound
	}
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == inference.RoleAssistant {
			return conv.Messages[i].ID, nil
		}
	}
	return "", errors.New("no reply yet")
}

// retry drops everything after the last user message and generates a new
// reply to it. The engine's cached context is cleared first because the
// transcript no longer extends what it has seen.
func (c *chatSession) retry(ctx context.Context) error {
	conv, ok := c.store.Conversation(c.convID)
	if !ok {
		return errNotFound
	}
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role != inference.RoleUser {
			continue
		}
		if err := c.ensureModel(ctx); err != nil {
			return err
		}
		c.store.TruncateAfter(c.convID, conv.Messages[i].ID)
		if err := c.eng.ResetChat(ctx); err != nil {
			return err
		}
		return c.reply(ctx)
	}
	return errors.New("nothing to retry")
}

// firstLine returns the first line of s, shortened for echoing.
func firstLine(s string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return util.Ellipsize(first, 60)
}
