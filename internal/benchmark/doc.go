// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package benchmark measures model performance through the inference
// engine: time to first token, tokens per second, and a rough quality
// score for each test prompt.
//
// # Key Types
//
//   - Runner: Runs a test suite against one or more models
//   - Result: Per-model results with aggregates
//   - Comparison: Results for several models
//   - Storage: Saved results under the data directory
//
// # Usage
//
//	runner := benchmark.NewRunner(eng)
//	result, err := runner.Run(ctx, "Xenova/TinyLlama-1.1B-Chat-v1.0")
//	fmt.Println(result.Summary())
package benchmark
