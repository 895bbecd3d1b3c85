// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for the local accelerated
// inference runtime (an Ollama server).
//
// # Key Types
//
//   - Client: HTTP client for health checks, pulls, warm loads, and chat
//   - ChatRequest, ChatResponse: chat completion payloads
//   - StreamReader: NDJSON reader for streamed chat responses
//   - PullReader: NDJSON reader for streamed pull progress
//
// # Usage
//
//	client := ollama.NewClient()
//	err := client.Pull(ctx, "llama3.2:3b", func(p ollama.PullProgress) {
//	    fmt.Printf("%s %.0f%%\n", p.Status, p.Percent())
//	})
//	err = client.ChatStream(ctx, ollama.ChatRequest{
//	    Model:    "llama3.2:3b",
//	    Messages: []ollama.Message{{Role: "user", Content: "Hello"}},
//	}, func(chunk ollama.StreamChunk) {
//	    fmt.Print(chunk.Content)
//	})
//
// # Security
//
// The client speaks plain HTTP. It is meant for a runtime on the loopback
// interface; privacy mode (package offline) refuses any other host.
package ollama
