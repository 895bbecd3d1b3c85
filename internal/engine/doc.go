// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine is the single entry point for inference.
//
// An Engine is constructed explicitly with its prober and backends; there
// is no package-level instance. On first use it asks the prober which
// backend to use and routes every later call there. Backends advertise
// their optional capabilities, and the engine branches on those flags
// rather than on backend identity:
//
//   - StopGeneration fails with ErrCancellationUnsupported when the backend
//     cannot stop mid-generation.
//   - ResetChat is a no-op when the backend keeps no context.
//
// Callers must always pass the full message history to Generate. One
// backend keeps context between turns and the other does not, and the
// engine does not hide that difference.
//
// # Usage
//
//	eng := engine.New(engine.Options{Prober: prober, Accelerated: accel, Fallback: cpu})
//	info := eng.DetectEngine(ctx)
//	err := eng.LoadModel(ctx, modelID, func(p inference.LoadProgress) { ... })
//	reply, err := eng.Generate(ctx, history, inference.GenerateOptions{OnToken: print})
package engine
