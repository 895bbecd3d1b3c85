// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package benchmark

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/leaf/internal/inference"
)

// =============================================================================
// BENCHMARK RUNNER
// =============================================================================

// Engine is the part of the inference engine a benchmark drives.
type Engine interface {
	LoadModel(ctx context.Context, modelID string, onProgress inference.ProgressFunc) error
	CurrentModel() string
	Generate(ctx context.Context, messages []inference.Message, opts inference.GenerateOptions) (string, error)
	ResetChat(ctx context.Context) error
	Stats(ctx context.Context) *inference.Stats
}

// DefaultMaxTokens caps each test's reply.
const DefaultMaxTokens = 256

// Runner executes benchmarks through an Engine. It is not safe for
// concurrent use.
type Runner struct {
	engine Engine
	tests  []Test

	// MaxTokens caps each reply. Zero uses DefaultMaxTokens.
	MaxTokens int
	// OnProgress receives load progress for models loaded by Run.
	OnProgress inference.ProgressFunc
	// OnTest is called after each test completes.
	OnTest func(TestResult)

	now func() time.Time
}

// NewRunner creates a runner over engine using tests, or the standard
// suite when tests is empty.
func NewRunner(engine Engine, tests ...Test) *Runner {
	if len(tests) == 0 {
		tests = GetStandardTests()
	}
	return &Runner{engine: engine, tests: tests, now: time.Now}
}

// Run loads modelID (a no-op when it is already loaded) and executes the
// suite against it. Individual test failures are recorded in the result;
// only a failed load returns an error.
func (r *Runner) Run(ctx context.Context, modelID string) (*Result, error) {
	if modelID == "" {
		modelID = r.engine.CurrentModel()
	}
	if modelID == "" {
		return nil, errors.New("no model to benchmark")
	}

	result := &Result{
		ModelName: modelID,
		StartTime: r.now(),
		Tests:     make([]TestResult, 0, len(r.tests)),
	}

	loadStart := r.now()
	if err := r.engine.LoadModel(ctx, modelID, r.OnProgress); err != nil {
		return nil, fmt.Errorf("load %s: %w", modelID, err)
	}
	result.LoadDuration = r.now().Sub(loadStart)

	for _, test := range r.tests {
		testResult, err := r.runTest(ctx, test)
		if err != nil {
			testResult.Status = TestStatusFailed
			testResult.Error = err.Error()
		}
		result.Tests = append(result.Tests, testResult)
		if r.OnTest != nil {
			r.OnTest(testResult)
		}
		if ctx.Err() != nil {
			break
		}
	}

	result.EndTime = r.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.computeAggregates()
	return result, nil
}

// runTest executes a single benchmark test. Each test starts from a fresh
// conversation so earlier replies do not shorten later prompts.
func (r *Runner) runTest(ctx context.Context, test Test) (TestResult, error) {
	testResult := TestResult{
		Name:      test.Name,
		Type:      test.Type,
		Status:    TestStatusRunning,
		StartTime: r.now(),
	}
	if err := ctx.Err(); err != nil {
		return testResult, err
	}
	if test.Prompt == "" {
		return testResult, errors.New("test prompt is empty")
	}
	if err := r.engine.ResetChat(ctx); err != nil {
		return testResult, fmt.Errorf("reset chat: %w", err)
	}

	maxTokens := r.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	var (
		firstToken time.Time
		tokens     int
	)
	start := r.now()
	response, err := r.engine.Generate(ctx, []inference.Message{
		{Role: inference.RoleUser, Content: test.Prompt},
	}, inference.GenerateOptions{
		MaxTokens: maxTokens,
		OnToken: func(tok string) {
			if tok == "" {
				return
			}
			if firstToken.IsZero() {
				firstToken = r.now()
			}
			tokens++
		},
	})
	end := r.now()
	if err != nil {
		return testResult, err
	}

	testResult.EndTime = end
	testResult.Duration = end.Sub(start)
	if !firstToken.IsZero() {
		testResult.TTFT = firstToken.Sub(start)
	}

	// Backends that deliver the reply in one piece report no tokens; fall
	// back to a word count.
	if tokens <= 1 {
		tokens = len(strings.Fields(response))
		testResult.TokensEstimated = true
	}
	testResult.TokenCount = tokens
	if tokens > 0 && testResult.Duration > 0 {
		testResult.TokensPerSec = float64(tokens) / testResult.Duration.Seconds()
	}
	if stats := r.engine.Stats(ctx); stats != nil {
		testResult.RuntimeTokensPerSec = stats.TokensPerSecond
	}

	if test.Evaluator != nil {
		testResult.QualityScore = test.Evaluator(response)
	}
	testResult.Response = response
	testResult.Status = TestStatusPassed
	return testResult, nil
}

// RunComparison benchmarks several models in turn. It returns a
// comparison even if individual models fail, and an error only if all of
// them fail.
func (r *Runner) RunComparison(ctx context.Context, modelIDs []string) (*Comparison, error) {
	comparison := &Comparison{
		Models:    append([]string(nil), modelIDs...),
		Results:   make(map[string]*Result),
		Errors:    make(map[string]string),
		StartTime: r.now(),
	}

	successCount := 0
	for _, id := range modelIDs {
		result, err := r.Run(ctx, id)
		if err != nil {
			comparison.Errors[id] = err.Error()
			continue
		}
		comparison.Results[id] = result
		successCount++
	}

	comparison.EndTime = r.now()
	comparison.Duration = comparison.EndTime.Sub(comparison.StartTime)

	if successCount == 0 {
		return comparison, errors.New("all models failed to run")
	}
	return comparison, nil
}

// =============================================================================
// RESULT COMPUTATION
// =============================================================================

// computeAggregates calculates aggregate metrics from individual tests.
func (r *Result) computeAggregates() {
	var (
		totalTTFT                         time.Duration
		totalTPS, totalQuality            float64
		ttftCount, tpsCount, qualityCount int
	)

	for _, test := range r.Tests {
		switch test.Status {
		case TestStatusPassed:
			r.PassedTests++
		case TestStatusFailed:
			r.FailedTests++
			continue
		default:
			continue
		}

		if test.TTFT > 0 {
			totalTTFT += test.TTFT
			ttftCount++
		}
		if test.TokensPerSec > 0 {
			totalTPS += test.TokensPerSec
			tpsCount++
		}
		if test.QualityScore >= 0 {
			totalQuality += test.QualityScore
			qualityCount++
		}
	}

	if ttftCount > 0 {
		r.AvgTTFT = totalTTFT / time.Duration(ttftCount)
	}
	if tpsCount > 0 {
		r.AvgTokensPerSec = totalTPS / float64(tpsCount)
	}
	if qualityCount > 0 {
		r.AvgQualityScore = totalQuality / float64(qualityCount)
	}
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

// FormatTTFT formats time to first token for display.
func FormatTTFT(d time.Duration) string {
	if d == 0 {
		return "N/A"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// FormatTokensPerSec formats tokens per second for display.
func FormatTokensPerSec(tps float64) string {
	if tps == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.1f t/s", tps)
}

// FormatQualityScore formats quality score for display.
func FormatQualityScore(score float64) string {
	if score == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.1f%%", score)
}

// FormatDuration formats duration for display.
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "N/A"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
