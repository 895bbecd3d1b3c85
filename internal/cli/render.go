// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/leaf/internal/util"
)

// =============================================================================
// MARKDOWN
// =============================================================================

// renderMarkdown renders md for the terminal in the configured style. Plain
// text is returned for non-terminal output or when rendering fails.
func (a *app) renderMarkdown(md string) string {
	style := "notty"
	if a.cfg != nil {
		style = a.cfg.UI.Style
	}
	if style == "notty" || !isTerminalWriter(a.out) || !ColorsEnabled() {
		return md
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(TerminalWidth()-4),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

// =============================================================================
// JSON
// =============================================================================

// writeJSON writes v as indented JSON, highlighted when w is a color
// terminal.
func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if !isTerminalWriter(w) || !ColorsEnabled() {
		_, err = w.Write(data)
		return err
	}
	_, err = io.WriteString(w, highlight(string(data), "json"))
	return err
}

// highlight colors code for a 256-color terminal. Unknown languages and
// lexer failures return the code unchanged.
func highlight(code, language string) string {
	lexer := lexers.Get(language)
	if lexer == nil {
		return code
	}
	style := chromaStyles.Get("monokai")
	if style == nil {
		style = chromaStyles.Fallback
	}
	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return buf.String()
}

// =============================================================================
// TABLES
// =============================================================================

// writeTable writes rows under headers in columns padded by display width,
// so wide characters in titles keep the columns aligned.
func writeTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = util.DisplayWidth(h)
	}
	for _, row := range rows {
		for i := range min(len(row), len(widths)) {
			widths[i] = max(widths[i], util.DisplayWidth(row[i]))
		}
	}

	line := func(cells []string) string {
		var b strings.Builder
		for i, cell := range cells {
			if i == len(cells)-1 {
				b.WriteString(cell)
				break
			}
			b.WriteString(util.PadDisplay(cell, widths[i]))
			b.WriteString("  ")
		}
		return strings.TrimRight(b.String(), " ")
	}

	io.WriteString(w, DimStyle.Render(line(headers))+"\n")
	for _, row := range rows {
		io.WriteString(w, line(row)+"\n")
	}
}
