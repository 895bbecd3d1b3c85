// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// =============================================================================
// ATOMIC WRITE TESTS
// =============================================================================

func TestAtomicWriteFile_Basic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")

	if err := AtomicWriteFile(path, []byte(`{"ok":true}`), 0600); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Errorf("content = %q", got)
	}
}

func TestAtomicWriteFile_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "c.json")

	if err := AtomicWriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file not created: %v", err)
	}
}

func TestAtomicWriteFile_OverwritesAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")

	for _, content := range []string{"first", "second"} {
		if err := AtomicWriteFile(path, []byte(content), 0600); err != nil {
			t.Fatalf("AtomicWriteFile(%q) failed: %v", content, err)
		}
	}
	got, _ := os.ReadFile(path)
	if string(got) != "second" {
		t.Errorf("content = %q, want %q", got, "second")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".leaf-tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

// =============================================================================
// STRING TESTS
// =============================================================================

func TestEllipsize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short", "Hello", 50, "Hello"},
		{"exact", strings.Repeat("a", 50), 50, strings.Repeat("a", 50)},
		{"long", strings.Repeat("a", 60), 50, strings.Repeat("a", 50) + "..."},
		{"multibyte", "日本語テキスト", 3, "日本語..."},
		{"zero", "abc", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Ellipsize(tt.in, tt.max); got != tt.want {
				t.Errorf("Ellipsize(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello world", 20, "hello world"},
		{"hello world", 8, "hello..."},
		{"hello", 2, "he"},
		{"héllo wörld", 6, "hél..."},
	}
	for _, tt := range tests {
		if got := TruncateRunes(tt.in, tt.max); got != tt.want {
			t.Errorf("TruncateRunes(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestPadDisplay(t *testing.T) {
	if got := PadDisplay("abc", 6); got != "abc   " {
		t.Errorf("PadDisplay pad = %q", got)
	}
	if got := PadDisplay("abcdefghij", 6); DisplayWidth(got) != 6 || !strings.HasSuffix(got, "...") {
		t.Errorf("PadDisplay truncate = %q", got)
	}
	if got := PadDisplay("日本語", 6); DisplayWidth(got) != 6 {
		t.Errorf("PadDisplay wide width = %d", DisplayWidth(got))
	}
	if got := PadDisplay("a\nb", 3); got != "a b" {
		t.Errorf("PadDisplay newline = %q", got)
	}
}
