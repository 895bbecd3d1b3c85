// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across leaf packages.
//
// # Key Functions
//
// String Utilities:
//   - Ellipsize: rune-safe prefix with a trailing "..." marker
//   - TruncateRunes: rune-safe truncation to a fixed total length
//   - DisplayWidth, PadDisplay: terminal column aware padding
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync
//
// # Usage
//
//	title := util.Ellipsize(firstUserMessage, 50)
//	err := util.AtomicWriteFile(path, data, 0600)
package util
