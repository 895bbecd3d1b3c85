// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package worker isolates the accelerated inference runtime behind a
// message channel.
//
// The engine side holds a Bridge. The worker side runs a Host that owns a
// Runtime. They only exchange encoded protocol messages over a Conn, so a
// worker can live in a goroutine (PipeSpawner) or in another process
// reached over a websocket (WebSocketSpawner, Handler).
//
// # Lifecycle
//
//	Uninitialized -> Initializing -> Ready -> Crashed | Terminated
//
// The first request spawns the worker and waits for its "ready"
// announcement. A transport failure or worker panic moves the bridge to
// Crashed, fails every pending call, and notifies OnCrash listeners; the
// next request spawns a fresh worker. Initialization is attempted at most
// MaxInitAttempts times per bridge lifetime. Terminate resets everything,
// including that counter.
//
// # Usage
//
//	bridge := worker.NewBridge(&worker.PipeSpawner{NewRuntime: newRuntime}, worker.Config{})
//	defer bridge.Terminate()
//	resp, err := bridge.Request(ctx, &protocol.Request{Type: protocol.ReqCheckSupport}, nil)
package worker
