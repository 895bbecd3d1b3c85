// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// =============================================================================
// KV INTERFACE
// =============================================================================

// KV is a durable string-keyed byte store.
type KV interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// =============================================================================
// BACKEND SELECTION
// =============================================================================

// Backend names accepted by OpenKV.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// ErrUnknownBackend is returned by OpenKV for an unrecognized backend name.
var ErrUnknownBackend = errors.New("unknown storage backend")

// OpenKV opens the named backend inside dir.
func OpenKV(backend, dir string) (KV, error) {
	switch backend {
	case BackendSQLite, "":
		return OpenSQLite(filepath.Join(dir, "leaf.db"))
	case BackendFile:
		return OpenFile(filepath.Join(dir, "leaf-store.json"))
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
}
