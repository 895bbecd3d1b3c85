// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the leaf command line.
//
// Every command shares one app value that lazily opens the conversation
// store and the inference engine, so commands that only read saved data
// never probe hardware or start a worker.
//
// # Commands Overview
//
//   - chat: Interactive chat with streaming replies and slash commands
//   - detect: Report the selected engine and hardware
//   - models: List, recommend and load models
//   - conversations: List, search, show, rename, organize and delete chats
//   - templates: Manage saved prompt templates
//   - export / import: Backup files, optionally sealed with a passphrase
//   - bench: Benchmark one or more models
//   - worker serve: Host the inference worker over WebSocket
//   - config: Show and edit the configuration file
//
// # Usage
//
//	if err := cli.Execute(); err != nil {
//	    fmt.Fprintf(os.Stderr, "Error: %v\n", err)
//	    os.Exit(1)
//	}
package cli
