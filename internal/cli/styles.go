// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

func init() {
	lipgloss.SetColorProfile(ColorProfile())
}

// =============================================================================
// SHARED STYLES
// =============================================================================

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42")) // Leaf green

	SectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")).
			MarginTop(1)

	// LabelStyle pads field labels to a common width.
	LabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(18)

	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))

	SeparatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	// PromptStyle is the chat input prompt.
	PromptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	// PrivacyStyle marks privacy mode.
	PrivacyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("213")).
			Bold(true)
)

// RenderSeparator renders a horizontal rule.
func RenderSeparator(width int) string {
	if width <= 0 {
		width = 60
	}
	return SeparatorStyle.Render(strings.Repeat("─", width))
}

// RenderLabel renders a padded label.
func RenderLabel(label string) string {
	return LabelStyle.Render(label)
}

// =============================================================================
// TERMINAL DETECTION
// =============================================================================

const (
	// DefaultTerminalWidth is used when the width cannot be read.
	DefaultTerminalWidth = 80
	// MinTerminalWidth bounds wrapping on very narrow terminals.
	MinTerminalWidth = 40
)

// IsTTY reports whether stdin is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// IsStdoutTTY reports whether stdout is a terminal.
func IsStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// isTerminalWriter reports whether w is a terminal. Buffers used in tests
// never are.
func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// TerminalWidth returns the stdout width, clamped to MinTerminalWidth.
func TerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return DefaultTerminalWidth
	}
	return max(width, MinTerminalWidth)
}

var (
	colorsEnabled     bool
	colorsEnabledOnce sync.Once
)

// ColorsEnabled respects NO_COLOR and FORCE_COLOR, then falls back to TTY
// detection on stdout.
func ColorsEnabled() bool {
	colorsEnabledOnce.Do(func() {
		switch {
		case os.Getenv("NO_COLOR") != "":
			colorsEnabled = false
		case os.Getenv("FORCE_COLOR") != "":
			colorsEnabled = true
		default:
			colorsEnabled = IsStdoutTTY()
		}
	})
	return colorsEnabled
}

// ColorProfile returns Ascii when colors are off, otherwise what termenv
// detects.
func ColorProfile() termenv.Profile {
	if !ColorsEnabled() {
		return termenv.Ascii
	}
	return termenv.ColorProfile()
}

// TTYRequiredError is returned when an operation needs interactive input.
type TTYRequiredError struct {
	Operation string
}

func (e *TTYRequiredError) Error() string {
	return "stdin is not a terminal; cannot " + e.Operation + " interactively"
}

// RequiresTTY returns a TTYRequiredError when stdin is not a terminal.
func RequiresTTY(operation string) error {
	if !IsTTY() {
		return &TTYRequiredError{Operation: operation}
	}
	return nil
}
