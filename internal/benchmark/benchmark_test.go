// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package benchmark

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/leaf/internal/inference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeEngine struct {
	loaded     string
	loadErr    map[string]error
	tokens     []string
	failPrompt string
	resets     int
	prompts    []string
	stats      *inference.Stats
}

func (f *fakeEngine) LoadModel(ctx context.Context, id string, onProgress inference.ProgressFunc) error {
	if err := f.loadErr[id]; err != nil {
		return err
	}
	f.loaded = id
	return nil
}

func (f *fakeEngine) CurrentModel() string { return f.loaded }

func (f *fakeEngine) Generate(ctx context.Context, msgs []inference.Message, opts inference.GenerateOptions) (string, error) {
	prompt := msgs[len(msgs)-1].Content
	f.prompts = append(f.prompts, prompt)
	if f.failPrompt != "" && strings.Contains(prompt, f.failPrompt) {
		return "", inference.E(inference.KindMemory, "generate", "out of memory", nil)
	}
	for _, tok := range f.tokens {
		if opts.OnToken != nil {
			opts.OnToken(tok)
		}
	}
	return strings.Join(f.tokens, ""), nil
}

func (f *fakeEngine) ResetChat(ctx context.Context) error {
	f.resets++
	return nil
}

func (f *fakeEngine) Stats(ctx context.Context) *inference.Stats { return f.stats }

// tickClock advances by step on every read.
func tickClock(step time.Duration) func() time.Time {
	t := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(step)
		return t
	}
}

func newTestRunner(e Engine, tests ...Test) *Runner {
	r := NewRunner(e, tests...)
	r.now = tickClock(10 * time.Millisecond)
	return r
}

var listTokens = []string{"1.", " Apple\n", "2.", " Pear\n", "3.", " Plum"}

// =============================================================================
// RUNNER
// =============================================================================

func TestRun_StandardSuite(t *testing.T) {
	eng := &fakeEngine{tokens: listTokens, stats: &inference.Stats{TokensPerSecond: 42}}
	r := newTestRunner(eng)
	var seen []string
	r.OnTest = func(tr TestResult) { seen = append(seen, tr.Name) }

	result, err := r.Run(context.Background(), "tiny")
	require.NoError(t, err)

	assert.Equal(t, "tiny", eng.loaded)
	assert.Equal(t, "tiny", result.ModelName)
	assert.Len(t, result.Tests, len(GetStandardTests()))
	assert.Len(t, seen, len(GetStandardTests()))
	assert.Equal(t, len(GetStandardTests()), result.PassedTests)
	assert.Zero(t, result.FailedTests)
	assert.Equal(t, len(GetStandardTests()), eng.resets, "each test starts a fresh conversation")
	assert.Positive(t, result.LoadDuration)

	for _, tr := range result.Tests {
		assert.Equal(t, TestStatusPassed, tr.Status)
		assert.Equal(t, len(listTokens), tr.TokenCount)
		assert.False(t, tr.TokensEstimated)
		assert.Positive(t, tr.TTFT)
		assert.Less(t, tr.TTFT, tr.Duration)
		assert.Positive(t, tr.TokensPerSec)
		assert.Equal(t, 42.0, tr.RuntimeTokensPerSec)
	}
	instruction := FilterTestsByType(GetStandardTests(), TestTypeInstruction)[0]
	for _, tr := range result.Tests {
		if tr.Name == instruction.Name {
			assert.Equal(t, 100.0, tr.QualityScore)
		}
	}
	assert.Positive(t, result.AvgTTFT)
	assert.Positive(t, result.AvgTokensPerSec)
}

func TestRun_FailedTestIsRecorded(t *testing.T) {
	eng := &fakeEngine{tokens: listTokens, failPrompt: "poem"}
	result, err := newTestRunner(eng).Run(context.Background(), "tiny")
	require.NoError(t, err)

	assert.Equal(t, 1, result.FailedTests)
	assert.Equal(t, len(GetStandardTests())-1, result.PassedTests)
	for _, tr := range result.Tests {
		if tr.Status == TestStatusFailed {
			assert.Contains(t, tr.Error, "out of memory")
			assert.Zero(t, tr.TokensPerSec)
		}
	}
}

func TestRun_WholeReplyEstimatesTokens(t *testing.T) {
	eng := &fakeEngine{tokens: []string{"one two three four"}}
	result, err := newTestRunner(eng, NewLatencyTest("once", "hi")).Run(context.Background(), "tiny")
	require.NoError(t, err)

	tr := result.Tests[0]
	assert.True(t, tr.TokensEstimated)
	assert.Equal(t, 4, tr.TokenCount)
	assert.Equal(t, 100.0, tr.QualityScore)
}

func TestRun_Errors(t *testing.T) {
	eng := &fakeEngine{loadErr: map[string]error{"broken": errors.New("download failed")}}
	_, err := newTestRunner(eng).Run(context.Background(), "broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "download failed")

	_, err = newTestRunner(&fakeEngine{}).Run(context.Background(), "")
	assert.Error(t, err, "no model loaded and none named")
}

func TestRun_DefaultsToCurrentModel(t *testing.T) {
	eng := &fakeEngine{loaded: "current", tokens: []string{"Hello", "!"}}
	result, err := newTestRunner(eng, NewLatencyTest("hi", "Say hi")).Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "current", result.ModelName)
}

func TestRun_CancelledStopsEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	eng := &fakeEngine{tokens: listTokens}
	result, err := newTestRunner(eng).Run(ctx, "tiny")
	require.NoError(t, err)
	assert.Len(t, result.Tests, 1)
	assert.Equal(t, 1, result.FailedTests)
	assert.Empty(t, eng.prompts)
}

func TestRun_EmptyPromptFails(t *testing.T) {
	eng := &fakeEngine{tokens: listTokens}
	result, err := newTestRunner(eng, Test{Name: "blank"}).Run(context.Background(), "tiny")
	require.NoError(t, err)
	assert.Equal(t, TestStatusFailed, result.Tests[0].Status)
}

func TestRunComparison(t *testing.T) {
	eng := &fakeEngine{
		tokens:  listTokens,
		loadErr: map[string]error{"broken": errors.New("no space left")},
	}
	r := newTestRunner(eng, NewSpeedTest("speed", "Count to ten."))

	cmp, err := r.RunComparison(context.Background(), []string{"a", "broken", "b"})
	require.NoError(t, err)
	assert.Len(t, cmp.Results, 2)
	assert.Contains(t, cmp.Errors["broken"], "no space left")

	summary := cmp.ComparisonSummary()
	assert.Contains(t, summary, "Models tested: 3")
	assert.Contains(t, summary, "Failed: broken")

	_, err = r.RunComparison(context.Background(), []string{"broken"})
	assert.Error(t, err)
}

// =============================================================================
// ANALYSIS
// =============================================================================

func TestComparison_Best(t *testing.T) {
	cmp := &Comparison{
		Models: []string{"a", "b", "c"},
		Results: map[string]*Result{
			"a": {AvgTokensPerSec: 10, AvgTTFT: 300 * time.Millisecond, AvgQualityScore: 90},
			"b": {AvgTokensPerSec: 25, AvgTTFT: 800 * time.Millisecond, AvgQualityScore: 60},
			"c": {AvgTokensPerSec: 25, AvgQualityScore: 70},
		},
	}
	fastest, _ := cmp.GetFastestModel()
	assert.Equal(t, "b", fastest, "ties go to the earlier model")
	lowest, _ := cmp.GetLowestLatencyModel()
	assert.Equal(t, "a", lowest, "missing TTFT never wins")
	quality, _ := cmp.GetHighestQualityModel()
	assert.Equal(t, "a", quality)

	empty := &Comparison{}
	name, r := empty.GetFastestModel()
	assert.Empty(t, name)
	assert.Nil(t, r)
}

func TestKeywordEvaluator(t *testing.T) {
	eval := KeywordEvaluator([]string{"data", "device"}, 2)
	assert.Equal(t, 0.0, eval("nothing relevant"))
	assert.Equal(t, 40.0, eval("Your DATA stays"))
	assert.Equal(t, 100.0, eval("Your data stays. On your device."))
	assert.Equal(t, 20.0, KeywordEvaluator(nil, 1)("Done."))
}

func TestSuites(t *testing.T) {
	quick := GetQuickTestSuite()
	seen := map[TestType]bool{}
	for _, test := range quick {
		assert.False(t, seen[test.Type])
		seen[test.Type] = true
	}
	for _, test := range GetStandardTests() {
		assert.NotEmpty(t, test.Prompt, test.Name)
		assert.NotNil(t, test.Evaluator, test.Name)
	}
}

func TestFormatters(t *testing.T) {
	assert.Equal(t, "N/A", FormatTTFT(0))
	assert.Equal(t, "250ms", FormatTTFT(250*time.Millisecond))
	assert.Equal(t, "1.50s", FormatTTFT(1500*time.Millisecond))
	assert.Equal(t, "12.3 t/s", FormatTokensPerSec(12.34))
	assert.Equal(t, "N/A", FormatQualityScore(0))
	assert.Equal(t, "2m 5s", FormatDuration(125*time.Second))
}

// =============================================================================
// STORAGE
// =============================================================================

func TestStorage_SaveListLatest(t *testing.T) {
	s, err := NewStorage(t.TempDir())
	require.NoError(t, err)
	s.now = tickClock(time.Second)

	first, err := s.Save(&Result{ModelName: "Xenova/TinyLlama-1.1B-Chat-v1.0", AvgTokensPerSec: 5})
	require.NoError(t, err)
	assert.Equal(t, "Xenova_TinyLlama-1.1B-Chat-v1.0_20250301-120001.000.json", first)
	_, err = s.Save(&Result{ModelName: "Xenova/TinyLlama-1.1B-Chat-v1.0", AvgTokensPerSec: 9})
	require.NoError(t, err)
	_, err = s.Save(&Result{ModelName: "Xenova/TinyLlama", AvgTokensPerSec: 1})
	require.NoError(t, err)
	_, err = s.SaveComparison(&Comparison{Models: []string{"a"}})
	require.NoError(t, err)

	files, err := s.List()
	require.NoError(t, err)
	require.Len(t, files, 4)
	assert.True(t, strings.HasPrefix(files[0], "comparison_"), "newest first")

	latest, err := s.GetLatestForModel("Xenova/TinyLlama-1.1B-Chat-v1.0")
	require.NoError(t, err)
	assert.Equal(t, 9.0, latest.AvgTokensPerSec)

	latest, err = s.GetLatestForModel("Xenova/TinyLlama")
	require.NoError(t, err)
	assert.Equal(t, 1.0, latest.AvgTokensPerSec)

	_, err = s.GetLatestForModel("missing")
	assert.Error(t, err)
}
