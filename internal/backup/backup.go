// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jeranaias/leaf/internal/store"
	"github.com/jeranaias/leaf/internal/util"
)

// DefaultFilename is the suggested name for backup files.
const DefaultFilename = "leaf-ai-backup.json"

// ErrInvalidBackup is returned for files that are not backup documents.
var ErrInvalidBackup = errors.New("not a leaf backup")

// =============================================================================
// DOCUMENT
// =============================================================================

// document is the wire form used for decoding, where absent fields must be
// told apart from zero values.
type document struct {
	Conversations   []store.Conversation   `json:"conversations"`
	PreferredModel  string                 `json:"preferredModel"`
	AutoLoadModel   *bool                  `json:"autoLoadModel"`
	PrivacyMode     *bool                  `json:"privacyMode"`
	PromptTemplates []store.PromptTemplate `json:"promptTemplates"`
}

// Encode renders snap as an indented backup document.
func Encode(snap store.Snapshot) ([]byte, error) {
	if snap.Conversations == nil {
		snap.Conversations = []store.Conversation{}
	}
	if snap.PromptTemplates == nil {
		snap.PromptTemplates = []store.PromptTemplate{}
	}
	return json.MarshalIndent(snap, "", "  ")
}

// Decode parses a plain backup document. Missing conversations and
// templates become empty; missing settings keep their current values.
// Sealed input returns ErrSealed.
func Decode(data []byte, current store.Settings) (store.Snapshot, error) {
	if IsSealed(data) {
		return store.Snapshot{}, ErrSealed
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return store.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}

	snap := store.Snapshot{
		Conversations:   doc.Conversations,
		PreferredModel:  doc.PreferredModel,
		PromptTemplates: doc.PromptTemplates,
		AutoLoadModel:   current.AutoLoadModel,
		PrivacyMode:     current.PrivacyMode,
	}
	if snap.Conversations == nil {
		snap.Conversations = []store.Conversation{}
	}
	if snap.PromptTemplates == nil {
		snap.PromptTemplates = []store.PromptTemplate{}
	}
	if snap.PreferredModel == "" {
		snap.PreferredModel = current.PreferredModel
	}
	if doc.AutoLoadModel != nil {
		snap.AutoLoadModel = *doc.AutoLoadModel
	}
	if doc.PrivacyMode != nil {
		snap.PrivacyMode = *doc.PrivacyMode
	}
	return snap, nil
}

// =============================================================================
// STORE HELPERS
// =============================================================================

// Export snapshots s as a backup, sealed when passphrase is not empty.
func Export(s *store.Store, passphrase string) ([]byte, error) {
	data, err := Encode(s.Snapshot())
	if err != nil {
		return nil, err
	}
	if passphrase == "" {
		return data, nil
	}
	return Seal(data, passphrase)
}

// Import replaces s's persisted state with the backup in data. Sealed
// backups need the passphrase they were sealed with.
func Import(s *store.Store, data []byte, passphrase string) error {
	if IsSealed(data) {
		if passphrase == "" {
			return ErrSealed
		}
		plain, err := Open(data, passphrase)
		if err != nil {
			return err
		}
		data = plain
	}
	snap, err := Decode(data, s.Settings())
	if err != nil {
		return err
	}
	s.Restore(snap)
	return nil
}

// WriteFile writes a backup readable only by the current user.
func WriteFile(path string, data []byte) error {
	return util.AtomicWriteFileWithDir(path, data, 0600, 0700)
}

// ReadFile reads a backup file.
func ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
