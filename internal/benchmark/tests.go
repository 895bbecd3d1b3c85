// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package benchmark

import (
	"strings"
)

// =============================================================================
// TEST DEFINITIONS
// =============================================================================

// Test represents a single benchmark test.
type Test struct {
	Name        string
	Type        TestType
	Prompt      string
	Evaluator   QualityEvaluator
	Description string
}

// TestType categorizes the type of test.
type TestType string

const (
	TestTypeLatency     TestType = "latency"
	TestTypeSpeed       TestType = "speed"
	TestTypeInstruction TestType = "instruction"
	TestTypeExplanation TestType = "explanation"
)

// QualityEvaluator scores a response from 0 to 100.
type QualityEvaluator func(response string) float64

// =============================================================================
// STANDARD TEST SUITE
// =============================================================================

// GetStandardTests returns the standard benchmark suite. Prompts are short
// and chat-shaped, sized for the small models both backends run.
func GetStandardTests() []Test {
	return []Test{
		{
			Name:        "Latency Test",
			Type:        TestTypeLatency,
			Prompt:      "Say 'Hello'",
			Description: "Time to first token with a minimal prompt",
			Evaluator: func(response string) float64 {
				if strings.Contains(strings.ToLower(response), "hello") {
					return 100
				}
				return 50
			},
		},
		{
			Name:        "Speed Test",
			Type:        TestTypeSpeed,
			Prompt:      "Write a short poem about autumn leaves.",
			Description: "Generation speed on an open-ended creative task",
			Evaluator: func(response string) float64 {
				lines := strings.Split(strings.TrimSpace(response), "\n")
				switch {
				case len(lines) >= 3:
					return 100
				case len(response) > 10:
					return 70
				}
				return 30
			},
		},
		{
			Name:        "Instruction Following Test",
			Type:        TestTypeInstruction,
			Prompt:      "List exactly 3 fruits. Format: 1. Fruit",
			Description: "Ability to follow a precise output format",
			Evaluator: func(response string) float64 {
				score := 0.0
				for _, marker := range []string{"1.", "2.", "3."} {
					if strings.Contains(response, marker) {
						score += 25
					}
				}
				if !strings.Contains(response, "4.") {
					score += 25
				}
				return score
			},
		},
		{
			Name:        "Explanation Test",
			Type:        TestTypeExplanation,
			Prompt:      "Explain in simple terms why running an AI model on your own computer protects your privacy.",
			Description: "Coherence of a short explanation",
			Evaluator: KeywordEvaluator([]string{"data", "device", "server", "internet", "private"}, 3),
		},
	}
}

// KeywordEvaluator scores a response by the share of keywords it mentions,
// with a bonus when it has at least minSentences sentences. Scores are
// capped at 100.
func KeywordEvaluator(keywords []string, minSentences int) QualityEvaluator {
	return func(response string) float64 {
		lower := strings.ToLower(response)
		score := 0.0
		if len(keywords) > 0 {
			found := 0
			for _, kw := range keywords {
				if strings.Contains(lower, strings.ToLower(kw)) {
					found++
				}
			}
			score = float64(found) / float64(len(keywords)) * 80
		}
		if strings.Count(response, ".") >= minSentences {
			score += 20
		}
		return min(score, 100)
	}
}

// =============================================================================
// CUSTOM TEST BUILDERS
// =============================================================================

// NewSpeedTest creates a custom speed test with a given prompt.
func NewSpeedTest(name, prompt string) Test {
	return Test{
		Name:        name,
		Type:        TestTypeSpeed,
		Prompt:      prompt,
		Description: "Custom speed test",
		Evaluator: func(response string) float64 {
			return min(float64(len(response))*5, 100)
		},
	}
}

// NewLatencyTest creates a custom latency test with a given prompt.
func NewLatencyTest(name, prompt string) Test {
	return Test{
		Name:        name,
		Type:        TestTypeLatency,
		Prompt:      prompt,
		Description: "Custom latency test",
		Evaluator: func(response string) float64 {
			if response != "" {
				return 100
			}
			return 0
		},
	}
}

// =============================================================================
// TEST SUITE HELPERS
// =============================================================================

// GetQuickTestSuite returns the first test of each type.
func GetQuickTestSuite() []Test {
	quick := make([]Test, 0)
	seen := make(map[TestType]bool)
	for _, test := range GetStandardTests() {
		if !seen[test.Type] {
			quick = append(quick, test)
			seen[test.Type] = true
		}
	}
	return quick
}

// FilterTestsByType returns only tests of a specific type.
func FilterTestsByType(tests []Test, testType TestType) []Test {
	filtered := make([]Test, 0)
	for _, test := range tests {
		if test.Type == testType {
			filtered = append(filtered, test)
		}
	}
	return filtered
}
