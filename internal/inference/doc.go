// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package inference holds the vocabulary shared by every inference backend,
// the worker protocol, and the engine facade.
//
// # Key Types
//
//   - Message, Role: one chat turn as sent to a backend
//   - GenerateOptions: sampling parameters plus the per-token callback
//   - LoadProgress: normalized {stage, percent, message} load progress
//   - Error, Kind: structured failure categories set where the failure happens
//
// # Error Handling
//
// Code that fails in a known way returns an *Error carrying a Kind. Code
// that only sees opaque third-party failures calls Classify, which inspects
// typed causes first and falls back to message matching:
//
//	if errors.Is(err, inference.ErrTimeout) {
//	    fmt.Println(inference.Hint(inference.KindTimeout))
//	}
package inference
