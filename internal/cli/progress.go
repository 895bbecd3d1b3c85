// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/leaf/internal/catalog"
	"github.com/jeranaias/leaf/internal/inference"
)

// modelLoader is the part of the engine a load needs.
type modelLoader interface {
	LoadModel(ctx context.Context, modelID string, onProgress inference.ProgressFunc) error
}

// modelName returns the catalog display name for id, or id itself.
func modelName(id string) string {
	if m, ok := catalog.Lookup(catalog.BackendOf(id), id); ok {
		return m.Name
	}
	return id
}

// loadModel loads id, showing an animated progress view on a terminal and
// plain progress lines otherwise.
func (a *app) loadModel(ctx context.Context, eng modelLoader, id string) error {
	start := time.Now()
	var err error
	if isTerminalWriter(a.out) && ColorsEnabled() {
		err = runLoadView(ctx, eng, id, a.in, a.out)
	} else {
		err = loadPlain(ctx, eng, id, a.out)
	}
	if err != nil {
		if hint := inference.Hint(inference.KindOf(err)); hint != "" {
			a.warnf("%s", hint)
		}
		return fmt.Errorf("load %s: %w", id, err)
	}
	a.printf("%s %s ready in %s\n", SuccessStyle.Render("✓"), modelName(id), time.Since(start).Round(100*time.Millisecond))
	return nil
}

// loadPlain prints a line per stage and per ten percent of progress.
func loadPlain(ctx context.Context, eng modelLoader, id string, out io.Writer) error {
	fmt.Fprintf(out, "Loading %s...\n", modelName(id))
	var (
		stage inference.Stage
		step  = -1
	)
	return eng.LoadModel(ctx, id, func(p inference.LoadProgress) {
		bucket := int(p.Percent) / 10
		if p.Stage == stage && bucket == step {
			return
		}
		stage, step = p.Stage, bucket
		fmt.Fprintf(out, "  %-11s %3.0f%%  %s\n", p.Stage, p.Percent, p.Message)
	})
}

// =============================================================================
// LOAD VIEW
// =============================================================================

type loadProgressMsg inference.LoadProgress

type loadDoneMsg struct{ err error }

type loadView struct {
	name    string
	cancel  context.CancelFunc
	spinner spinner.Model
	bar     progress.Model
	status  inference.LoadProgress
	err     error
}

func newLoadView(name string, cancel context.CancelFunc) loadView {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = TitleStyle
	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = 40
	return loadView{
		name:    name,
		cancel:  cancel,
		spinner: s,
		bar:     bar,
		status:  inference.LoadProgress{Stage: inference.StageLoading},
	}
}

func (m loadView) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m loadView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.String() == "q" {
			m.cancel()
		}
		return m, nil

	case loadProgressMsg:
		m.status = inference.LoadProgress(msg)
		return m, m.bar.SetPercent(m.status.Percent / 100)

	case loadDoneMsg:
		m.err = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		barModel, cmd := m.bar.Update(msg)
		m.bar = barModel.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m loadView) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "  %s Loading %s  %s\n", m.spinner.View(), m.name, DimStyle.Render(string(m.status.Stage)))
	fmt.Fprintf(&b, "  %s\n", m.bar.View())
	if m.status.Message != "" {
		fmt.Fprintf(&b, "  %s\n", DimStyle.Render(m.status.Message))
	}
	return b.String()
}

// runLoadView runs the load in the background while the view renders its
// progress. Ctrl+C cancels the load.
func runLoadView(ctx context.Context, eng modelLoader, id string, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newLoadView(modelName(id), cancel), tea.WithInput(in), tea.WithOutput(out))
	go func() {
		err := eng.LoadModel(ctx, id, func(lp inference.LoadProgress) {
			p.Send(loadProgressMsg(lp))
		})
		p.Send(loadDoneMsg{err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return err
	}
	return final.(loadView).err
}
