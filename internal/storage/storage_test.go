// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/leaf/internal/inference"
	"github.com/jeranaias/leaf/internal/store"
)

// =============================================================================
// KV BACKENDS
// =============================================================================

func backends(t *testing.T) map[string]func(dir string) KV {
	t.Helper()
	return map[string]func(dir string) KV{
		BackendSQLite: func(dir string) KV {
			kv, err := OpenSQLite(filepath.Join(dir, "leaf.db"))
			require.NoError(t, err)
			return kv
		},
		BackendFile: func(dir string) KV {
			kv, err := OpenFile(filepath.Join(dir, "store.json"))
			require.NoError(t, err)
			return kv
		},
	}
}

func TestKV_Contract(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			kv := open(dir)

			_, ok, err := kv.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, kv.Set(ctx, "json", []byte(`{"a":1}`)))
			require.NoError(t, kv.Set(ctx, "text", []byte("dark")))
			require.NoError(t, kv.Set(ctx, "quoted", []byte(`"dark"`)))
			require.NoError(t, kv.Set(ctx, "json", []byte(`{"a":2}`)))
			require.NoError(t, kv.Set(ctx, "spaced", []byte(`{"a": 3, "b": [1, 2]}`)))
			require.NoError(t, kv.Set(ctx, "pretty", []byte("{\n  \"a\": 4\n}\n")))
			require.NoError(t, kv.Close())

			// Values survive reopening byte for byte.
			kv = open(dir)
			defer kv.Close()
			for key, want := range map[string]string{
				"json":   `{"a":2}`,
				"text":   "dark",
				"quoted": `"dark"`,
				"spaced": `{"a": 3, "b": [1, 2]}`,
				"pretty": "{\n  \"a\": 4\n}\n",
			} {
				got, ok, err := kv.Get(ctx, key)
				require.NoError(t, err)
				require.True(t, ok, key)
				assert.Equal(t, want, string(got), key)
			}

			require.NoError(t, kv.Delete(ctx, "text"))
			require.NoError(t, kv.Delete(ctx, "text"))
			_, ok, err = kv.Get(ctx, "text")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestOpenKV(t *testing.T) {
	dir := t.TempDir()
	kv, err := OpenKV("", dir)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteKV{}, kv)
	require.NoError(t, kv.Close())

	kv, err = OpenKV(BackendFile, dir)
	require.NoError(t, err)
	assert.IsType(t, &FileKV{}, kv)

	_, err = OpenKV("redis", dir)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestOpenFile_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, err := OpenFile(path)
	assert.Error(t, err)
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func TestSnapshots_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			snaps, err := Open(ctx, open(t.TempDir()), nil)
			require.NoError(t, err)
			defer snaps.Close()

			_, ok, err := snaps.Load(ctx)
			require.NoError(t, err)
			assert.False(t, ok)

			s := store.New(store.Options{})
			id := s.CreateConversation("general")
			s.AddMessage(id, inference.RoleUser, "Hello")
			s.SetPrivacyMode(true)
			want := s.Snapshot()

			require.NoError(t, snaps.SaveSnapshot(ctx, want))
			got, ok, err := snaps.Load(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			require.Len(t, got.Conversations, 1)
			assert.Equal(t, id, got.Conversations[0].ID)
			assert.Equal(t, "Hello", got.Conversations[0].Messages[0].Content)
			assert.True(t, got.Conversations[0].CreatedAt.Equal(want.Conversations[0].CreatedAt))
			assert.True(t, got.PrivacyMode)
		})
	}
}

func TestSnapshots_PersisterIntegration(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	kv, err := OpenSQLite(filepath.Join(dir, "leaf.db"))
	require.NoError(t, err)
	snaps, err := Open(ctx, kv, nil)
	require.NoError(t, err)

	s := store.New(store.Options{})
	p := store.NewPersister(s, snaps, store.PersisterOptions{})
	id := s.CreateConversation("general")
	s.AddMessage(id, inference.RoleUser, "persist me")
	require.NoError(t, p.Close())
	require.NoError(t, snaps.Close())

	kv, err = OpenSQLite(filepath.Join(dir, "leaf.db"))
	require.NoError(t, err)
	snaps, err = Open(ctx, kv, nil)
	require.NoError(t, err)
	defer snaps.Close()

	snap, ok, err := snaps.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	restored := store.New(store.Options{})
	restored.Restore(snap)
	c, ok := restored.Conversation(id)
	require.True(t, ok)
	assert.Equal(t, "persist me", c.Title)
}

// =============================================================================
// THEME MIGRATION
// =============================================================================

func TestMigrateTheme(t *testing.T) {
	tests := []struct {
		name      string
		legacy    string
		existing  string
		wantTheme string
	}{
		{"dark carries over", "dark", "", "dark"},
		{"light carries over", "light", "", "light"},
		{"other values are dropped", "solarized", "", ""},
		{"existing structured key wins", "dark", "ocean", "ocean"},
	}
	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv, err := OpenFile(filepath.Join(t.TempDir(), "store.json"))
			require.NoError(t, err)
			require.NoError(t, kv.Set(ctx, LegacyThemeKey, []byte(tt.legacy)))
			if tt.existing != "" {
				require.NoError(t, kv.Set(ctx, ThemeKey, []byte(`{"activeThemeId":"`+tt.existing+`"}`)))
			}

			snaps, err := Open(ctx, kv, nil)
			require.NoError(t, err)

			_, ok, err := kv.Get(ctx, LegacyThemeKey)
			require.NoError(t, err)
			assert.False(t, ok, "legacy key is deleted")

			theme, ok, err := snaps.Theme(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTheme != "", ok)
			assert.Equal(t, tt.wantTheme, theme)
		})
	}
}

func TestMigrateTheme_RunsOnce(t *testing.T) {
	ctx := context.Background()
	kv, err := OpenFile(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, LegacyThemeKey, []byte("dark")))

	snaps, err := Open(ctx, kv, nil)
	require.NoError(t, err)
	require.NoError(t, snaps.SetTheme(ctx, "light"))

	snaps, err = Open(ctx, kv, nil)
	require.NoError(t, err)
	theme, _, err := snaps.Theme(ctx)
	require.NoError(t, err)
	assert.Equal(t, "light", theme)

	raw, ok, err := kv.Get(ctx, ThemeKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"activeThemeId":"light"}`, string(raw))
}
