// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package accel is the hardware-accelerated inference backend.
//
// It has two halves that never share memory:
//
//   - Backend lives on the engine side and turns engine calls into worker
//     protocol requests sent over a worker.Bridge.
//   - OllamaRuntime lives on the worker side. A worker.Host drives it, and
//     it drives a local accelerated runtime through the ollama client.
//
// The accelerated backend supports cooperative cancellation and keeps
// conversation context between turns until ResetChat.
//
// # Usage
//
//	rt := func() worker.Runtime { return accel.NewOllamaRuntime(accel.RuntimeConfig{Client: client}) }
//	bridge := worker.NewBridge(&worker.PipeSpawner{NewRuntime: rt}, worker.Config{})
//	backend := accel.NewBackend(bridge, logger)
//	err := backend.Load(ctx, catalog.DefaultAcceleratedModel, onProgress)
package accel
