// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// RELIABILITY: Atomic write with fsync prevents a torn snapshot on crash
//
// AtomicWriteFile writes data to a temp file in the target directory, syncs
// it, and renames it over path. Either the old file or the complete new file
// exists afterwards. Parent directories are created with 0700.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	return AtomicWriteFileWithDir(path, data, perm, 0700)
}

// AtomicWriteFileWithDir is AtomicWriteFile with an explicit permission for
// any parent directory it has to create.
func AtomicWriteFileWithDir(path string, data []byte, filePerm, dirPerm os.FileMode) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	// Same directory, so the rename stays on one filesystem.
	f, err := os.CreateTemp(dir, ".leaf-tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := f.Name()

	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync data to disk: %w", err)
	}
	// Windows refuses to rename an open file.
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, filePerm); err != nil {
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	if err := os.Rename(tempPath, absPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	committed = true
	return nil
}
