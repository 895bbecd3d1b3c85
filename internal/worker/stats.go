// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package worker

import (
	"regexp"
	"strconv"

	"github.com/jeranaias/leaf/internal/inference"
)

var tokensPerSecondPattern = regexp.MustCompile(`(\d+\.?\d*)\s*tok/s`)

// ParseStats extracts the decode speed from a runtime stats line such as
// "prefill: 210.4 tok/s, decode: 38.2 tok/s". The first match wins. It
// returns nil when the text has no speed figure.
func ParseStats(text string) *inference.Stats {
	m := tokensPerSecondPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &inference.Stats{TokensPerSecond: v}
}
