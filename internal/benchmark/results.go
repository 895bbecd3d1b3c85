// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package benchmark

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jeranaias/leaf/internal/util"
)

// =============================================================================
// RESULT TYPES
// =============================================================================

// Result contains the complete benchmark results for a model.
type Result struct {
	ModelName       string        `json:"model_name"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	Duration        time.Duration `json:"duration"`
	LoadDuration    time.Duration `json:"load_duration"`
	Tests           []TestResult  `json:"tests"`
	AvgTTFT         time.Duration `json:"avg_ttft"`
	AvgTokensPerSec float64       `json:"avg_tokens_per_sec"`
	AvgQualityScore float64       `json:"avg_quality_score"`
	PassedTests     int           `json:"passed_tests"`
	FailedTests     int           `json:"failed_tests"`
}

// TestResult contains the result of a single test.
type TestResult struct {
	Name         string        `json:"name"`
	Type         TestType      `json:"type"`
	Status       TestStatus    `json:"status"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
	TTFT         time.Duration `json:"ttft"`
	TokensPerSec float64       `json:"tokens_per_sec"`
	TokenCount   int           `json:"token_count"`
	// TokensEstimated is set when TokenCount is a word count.
	TokensEstimated bool `json:"tokens_estimated,omitempty"`
	// RuntimeTokensPerSec is the decode speed the backend itself reported.
	RuntimeTokensPerSec float64 `json:"runtime_tokens_per_sec,omitempty"`
	QualityScore        float64 `json:"quality_score"` // 0-100
	Response            string  `json:"response"`
	Error               string  `json:"error,omitempty"`
}

// TestStatus indicates the outcome of a test.
type TestStatus string

const (
	TestStatusPending TestStatus = "pending"
	TestStatusRunning TestStatus = "running"
	TestStatusPassed  TestStatus = "passed"
	TestStatusFailed  TestStatus = "failed"
)

// Comparison holds results from benchmarking several models.
type Comparison struct {
	Models    []string           `json:"models"`
	Results   map[string]*Result `json:"results"`
	Errors    map[string]string  `json:"errors,omitempty"`
	StartTime time.Time          `json:"start_time"`
	EndTime   time.Time          `json:"end_time"`
	Duration  time.Duration      `json:"duration"`
}

// =============================================================================
// RESULT STORAGE
// =============================================================================

// Storage saves benchmark results as JSON files in one directory.
type Storage struct {
	dir string
	now func() time.Time
}

// NewStorage creates a storage rooted at dir, creating it if needed.
func NewStorage(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create benchmark directory: %w", err)
	}
	return &Storage{dir: dir, now: time.Now}, nil
}

// Dir returns the storage directory.
func (s *Storage) Dir() string { return s.dir }

// Save writes a result and returns its file name.
func (s *Storage) Save(result *Result) (string, error) {
	name := fmt.Sprintf("%s_%s.json", sanitizeFilename(result.ModelName), s.now().Format("20060102-150405.000"))
	return name, s.write(name, result)
}

// SaveComparison writes a comparison and returns its file name.
func (s *Storage) SaveComparison(comparison *Comparison) (string, error) {
	name := fmt.Sprintf("comparison_%s.json", s.now().Format("20060102-150405.000"))
	return name, s.write(name, comparison)
}

func (s *Storage) write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := util.AtomicWriteFile(filepath.Join(s.dir, name), data, 0600); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

// Load reads a saved result.
func (s *Storage) Load(filename string) (*Result, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(filename)))
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

// List returns saved result files, newest first. File names carry their
// timestamp, so ordering does not depend on modification times.
func (s *Storage) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			files = append(files, entry.Name())
		}
	}
	sort.Slice(files, func(i, j int) bool {
		return stamp(files[i]) > stamp(files[j])
	})
	return files, nil
}

func stamp(name string) string {
	name = strings.TrimSuffix(name, ".json")
	if i := strings.LastIndexByte(name, '_'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// GetLatestForModel returns the most recent result for a model.
func (s *Storage) GetLatestForModel(modelName string) (*Result, error) {
	files, err := s.List()
	if err != nil {
		return nil, err
	}
	prefix := sanitizeFilename(modelName) + "_"
	for _, file := range files {
		if strings.HasPrefix(file, prefix) && len(file)-len(prefix) == len("20060102-150405.000.json") {
			return s.Load(file)
		}
	}
	return nil, fmt.Errorf("no results found for model: %s", modelName)
}

// sanitizeFilename replaces characters that are unsafe in file names.
func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '\\', ' ', '*', '?', '<', '>', '|', '"':
			return '_'
		}
		return r
	}, name)
}

// =============================================================================
// RESULT ANALYSIS
// =============================================================================

// GetFastestModel returns the model with the highest tokens/sec.
func (c *Comparison) GetFastestModel() (string, *Result) {
	return c.best(func(r *Result) float64 { return r.AvgTokensPerSec })
}

// GetLowestLatencyModel returns the model with the lowest TTFT.
func (c *Comparison) GetLowestLatencyModel() (string, *Result) {
	return c.best(func(r *Result) float64 {
		if r.AvgTTFT <= 0 {
			return 0
		}
		return 1 / r.AvgTTFT.Seconds()
	})
}

// GetHighestQualityModel returns the model with the best quality score.
func (c *Comparison) GetHighestQualityModel() (string, *Result) {
	return c.best(func(r *Result) float64 { return r.AvgQualityScore })
}

// best picks the model with the highest positive score, breaking ties by
// the order models were given.
func (c *Comparison) best(score func(*Result) float64) (string, *Result) {
	var (
		bestModel  string
		bestResult *Result
		bestScore  float64
	)
	for _, model := range c.Models {
		result := c.Results[model]
		if result == nil {
			continue
		}
		if s := score(result); s > bestScore {
			bestScore, bestModel, bestResult = s, model, result
		}
	}
	return bestModel, bestResult
}

// =============================================================================
// SUMMARY GENERATION
// =============================================================================

// Summary returns a text summary of the benchmark result.
func (r *Result) Summary() string {
	return fmt.Sprintf(
		"Model: %s\n"+
			"Load: %s\n"+
			"Duration: %s\n"+
			"Tests: %d passed, %d failed\n"+
			"Avg TTFT: %s\n"+
			"Avg Speed: %s\n"+
			"Avg Quality: %s",
		r.ModelName,
		FormatDuration(r.LoadDuration),
		FormatDuration(r.Duration),
		r.PassedTests,
		r.FailedTests,
		FormatTTFT(r.AvgTTFT),
		FormatTokensPerSec(r.AvgTokensPerSec),
		FormatQualityScore(r.AvgQualityScore),
	)
}

// ComparisonSummary returns a text summary of the comparison.
func (c *Comparison) ComparisonSummary() string {
	var b strings.Builder
	b.WriteString("Benchmark Comparison Summary\n")
	fmt.Fprintf(&b, "Models tested: %d\n", len(c.Models))
	fmt.Fprintf(&b, "Total duration: %s\n\n", FormatDuration(c.Duration))

	if model, r := c.GetFastestModel(); r != nil {
		fmt.Fprintf(&b, "Fastest: %s (%s)\n", model, FormatTokensPerSec(r.AvgTokensPerSec))
	}
	if model, r := c.GetLowestLatencyModel(); r != nil {
		fmt.Fprintf(&b, "Lowest Latency: %s (%s)\n", model, FormatTTFT(r.AvgTTFT))
	}
	if model, r := c.GetHighestQualityModel(); r != nil {
		fmt.Fprintf(&b, "Highest Quality: %s (%s)\n", model, FormatQualityScore(r.AvgQualityScore))
	}
	for _, model := range c.Models {
		if msg, ok := c.Errors[model]; ok {
			fmt.Fprintf(&b, "Failed: %s (%s)\n", model, msg)
		}
	}
	return b.String()
}
