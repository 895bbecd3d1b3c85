// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backup exports and imports the conversation store.
//
// A backup is a JSON document with the store's conversations, settings,
// and prompt templates. Import replaces those fields wholesale; there is no
// merge and no schema version, so fields a file lacks fall back to empty
// lists or to the current settings.
//
// # Sealed Backups
//
// A backup can be sealed with a passphrase. The sealed form is
//
//	{"leafSealed":1,"salt":"…","nonce":"…","data":"…"}
//
// with the document encrypted by AES-256-GCM under a PBKDF2-SHA-256 key.
//
// # Transcripts
//
// Markdown renders a single conversation as a readable transcript, for
// display or for sharing outside leaf.
package backup
