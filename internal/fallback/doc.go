// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fallback is the CPU inference backend used when hardware
// acceleration is unavailable.
//
// It runs in the calling goroutine and keeps no conversation state: every
// Generate call flattens the full history into one prompt and hands it to
// a string-completion Pipeline. Pipelines are built by a PipelineFactory,
// once per model id, and reused until another model is requested.
//
// The fallback backend cannot stop a generation in flight and has no
// persistent context, so its Capabilities are all false.
//
// # Prompt Format
//
//	System: <system prompt>
//
//	User: <message>
//
//	Assistant: <reply>
//
//	Assistant:
package fallback
