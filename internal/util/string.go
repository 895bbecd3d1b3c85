// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// UNICODE: every helper here counts runes or terminal cells, never bytes,
// so multi-byte characters are not split.

// Ellipsize keeps the first maxRunes runes of s and appends "..." when
// anything was cut. The result can therefore be up to maxRunes+3 runes long.
func Ellipsize(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}

// TruncateRunes truncates s so that the result, including a trailing "...",
// is at most maxRunes runes.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// DisplayWidth returns the number of terminal columns s occupies.
func DisplayWidth(s string) int {
	return runewidth.StringWidth(s)
}

// PadDisplay fits s into exactly width terminal columns, truncating with
// "..." or padding with spaces. Wide (CJK) characters count as two columns.
func PadDisplay(s string, width int) string {
	if width <= 0 {
		return ""
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if runewidth.StringWidth(s) > width {
		s = runewidth.Truncate(s, width, "...")
	}
	return runewidth.FillRight(s, width)
}
