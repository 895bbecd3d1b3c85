// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides durable key-value storage for store snapshots.
//
// Two KV backends exist: SQLiteKV (the default, a single kv table in a
// pure-Go SQLite database) and FileKV (one JSON object written atomically).
// Snapshots live under the versioned key SnapshotKey; a new snapshot shape
// gets a new key rather than a schema field.
//
// # Key Types
//
//   - KV: get/set/delete over string keys
//   - Snapshots: store.Saver backed by a KV
//
// # Usage
//
//	kv, err := storage.OpenSQLite(filepath.Join(dataDir, "leaf.db"))
//	snaps, err := storage.Open(ctx, kv, logger)
//	snap, ok, err := snaps.Load(ctx)
//
// Open runs one-time migrations, such as moving the legacy theme key to
// its structured replacement.
//
// # Storage Location
//
// By default data lives in ~/.leaf/.
package storage
