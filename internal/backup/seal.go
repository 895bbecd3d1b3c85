// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backup

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// SealVersion is the value of the leafSealed marker.
	SealVersion = 1

	// KeySize is the AES-256 key size in bytes.
	KeySize = 32

	// SaltSize is the PBKDF2 salt size in bytes.
	SaltSize = 32
)

// PBKDF2Iterations follows the OWASP 2023 guidance for PBKDF2-SHA-256.
var PBKDF2Iterations = 600000

var (
	// ErrSealed means the backup needs a passphrase.
	ErrSealed = errors.New("backup is sealed: passphrase required")
	// ErrWrongPassphrase means decryption failed: a wrong passphrase or a
	// tampered file.
	ErrWrongPassphrase = errors.New("cannot open sealed backup: wrong passphrase or corrupted file")
)

// sealed is the on-disk envelope. []byte fields encode as base64.
type sealed struct {
	LeafSealed int    `json:"leafSealed"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Data       []byte `json:"data"`
}

// =============================================================================
// SEAL / OPEN
// =============================================================================

// IsSealed reports whether data is a sealed envelope.
func IsSealed(data []byte) bool {
	if !bytes.Contains(data, []byte(`"leafSealed"`)) {
		return false
	}
	var probe struct {
		LeafSealed int `json:"leafSealed"`
	}
	return json.Unmarshal(data, &probe) == nil && probe.LeafSealed != 0
}

// Seal encrypts plain under passphrase.
func Seal(plain []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	key := deriveKey(passphrase, salt)
	// SECURITY: Zero key material once the cipher is built
	defer zeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	env := sealed{
		LeafSealed: SealVersion,
		Salt:       salt,
		Nonce:      nonce,
		Data:       gcm.Seal(nil, nonce, plain, nil),
	}
	return json.MarshalIndent(env, "", "  ")
}

// Open decrypts a sealed envelope.
func Open(data []byte, passphrase string) ([]byte, error) {
	var env sealed
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if env.LeafSealed != SealVersion {
		return nil, fmt.Errorf("%w: unsupported seal version %d", ErrInvalidBackup, env.LeafSealed)
	}
	if len(env.Salt) == 0 || len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: incomplete sealed envelope", ErrInvalidBackup)
	}

	key := deriveKey(passphrase, env.Salt)
	defer zeroBytes(key)
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length", ErrInvalidBackup)
	}
	plain, err := gcm.Open(nil, env.Nonce, env.Data, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plain, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
