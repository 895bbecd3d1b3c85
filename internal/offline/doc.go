// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline enforces privacy mode.
//
// With privacy mode on, leaf talks only to loopback addresses: the local
// inference runtime and a worker on the same machine. Everything else is
// refused before a connection is made.
//
// # Key Types
//
//   - Guard: holds the privacy flag and checks URLs against it
//
// # Usage
//
//	guard := offline.NewGuard(settings.PrivacyMode)
//	stop := guard.Follow(st) // track the store's privacy setting
//	defer stop()
//
//	client := ollama.NewClientWithConfig(&ollama.ClientConfig{
//	    BaseURL:   url,
//	    Transport: guard.Transport(nil),
//	})
//
// URL schemes other than http, https, ws, and wss are refused whether or
// not privacy mode is on.
package offline
