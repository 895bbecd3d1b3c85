// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jeranaias/leaf/internal/store"
)

// Storage keys. The version lives in the key name.
const (
	SnapshotKey    = "leaf-ai-store"
	ThemeKey       = "leaf-theme-v2"
	LegacyThemeKey = "leaf-theme"
)

// =============================================================================
// SNAPSHOTS
// =============================================================================

// Snapshots reads and writes store snapshots through a KV. It implements
// store.Saver.
type Snapshots struct {
	kv     KV
	logger *slog.Logger
}

// Open wraps kv and runs pending migrations.
func Open(ctx context.Context, kv KV, logger *slog.Logger) (*Snapshots, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Snapshots{kv: kv, logger: logger.With("component", "storage")}
	if err := s.migrateTheme(ctx); err != nil {
		return nil, fmt.Errorf("migrate theme: %w", err)
	}
	return s, nil
}

// Load returns the saved snapshot; ok is false when nothing was saved.
func (s *Snapshots) Load(ctx context.Context) (store.Snapshot, bool, error) {
	data, ok, err := s.kv.Get(ctx, SnapshotKey)
	if err != nil || !ok {
		return store.Snapshot{}, false, err
	}
	var snap store.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return store.Snapshot{}, false, fmt.Errorf("decode %s: %w", SnapshotKey, err)
	}
	return snap, true, nil
}

// SaveSnapshot implements store.Saver.
func (s *Snapshots) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, SnapshotKey, data)
}

// Close closes the underlying KV.
func (s *Snapshots) Close() error {
	return s.kv.Close()
}

// =============================================================================
// THEME
// =============================================================================

type themeState struct {
	ActiveThemeID string `json:"activeThemeId"`
}

// Theme returns the saved theme id.
func (s *Snapshots) Theme(ctx context.Context) (string, bool, error) {
	data, ok, err := s.kv.Get(ctx, ThemeKey)
	if err != nil || !ok {
		return "", false, err
	}
	var st themeState
	if err := json.Unmarshal(data, &st); err != nil {
		return "", false, fmt.Errorf("decode %s: %w", ThemeKey, err)
	}
	return st.ActiveThemeID, st.ActiveThemeID != "", nil
}

// SetTheme saves the theme id.
func (s *Snapshots) SetTheme(ctx context.Context, id string) error {
	data, err := json.Marshal(themeState{ActiveThemeID: id})
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, ThemeKey, data)
}

// migrateTheme moves the legacy single-value theme key to ThemeKey. Only
// "dark" and "light" carry over, an existing ThemeKey is never overwritten,
// and the legacy key is removed either way.
func (s *Snapshots) migrateTheme(ctx context.Context) error {
	old, ok, err := s.kv.Get(ctx, LegacyThemeKey)
	if err != nil || !ok {
		return err
	}
	if theme := string(old); theme == "dark" || theme == "light" {
		_, exists, err := s.kv.Get(ctx, ThemeKey)
		if err != nil {
			return err
		}
		if !exists {
			if err := s.SetTheme(ctx, theme); err != nil {
				return err
			}
		}
		s.logger.Info("migrated legacy theme", "theme", theme, "kept_existing", exists)
	}
	return s.kv.Delete(ctx, LegacyThemeKey)
}
