// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/jeranaias/leaf/internal/util"
)

// FileKV keeps every key in one JSON object on disk. Each Set or Delete
// rewrites the whole file atomically.
type FileKV struct {
	mu     sync.Mutex
	path   string
	values map[string]fileValue
}

// fileValue holds a JSON value inline so the file stays readable, or
// anything else as text.
type fileValue struct {
	JSON json.RawMessage `json:"json,omitempty"`
	Text *string         `json:"text,omitempty"`
}

// encodeValue inlines v only when it is compact JSON: the encoder
// compacts raw messages, so anything else would not read back byte for byte.
func encodeValue(v []byte) fileValue {
	if len(v) > 0 && json.Valid(v) {
		var buf bytes.Buffer
		if json.Compact(&buf, v) == nil && bytes.Equal(buf.Bytes(), v) {
			return fileValue{JSON: append(json.RawMessage(nil), v...)}
		}
	}
	s := string(v)
	return fileValue{Text: &s}
}

func (v fileValue) bytes() []byte {
	if v.Text != nil {
		return []byte(*v.Text)
	}
	return append([]byte(nil), v.JSON...)
}

// OpenFile loads the store at path, creating an empty one if it is missing.
func OpenFile(path string) (*FileKV, error) {
	f := &FileKV{path: path, values: make(map[string]fileValue)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &f.values); err != nil {
			return nil, fmt.Errorf("corrupt store file %s: %w", path, err)
		}
	}
	return f, nil
}

// Get implements KV.
func (f *FileKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return nil, false, nil
	}
	return v.bytes(), true, nil
}

// Set implements KV.
func (f *FileKV) Set(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.values[key]
	f.values[key] = encodeValue(value)
	if err := f.writeLocked(); err != nil {
		if had {
			f.values[key] = prev
		} else {
			delete(f.values, key)
		}
		return err
	}
	return nil
}

// Delete implements KV.
func (f *FileKV) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.values[key]
	if !had {
		return nil
	}
	delete(f.values, key)
	if err := f.writeLocked(); err != nil {
		f.values[key] = prev
		return err
	}
	return nil
}

// Close implements KV.
func (f *FileKV) Close() error { return nil }

func (f *FileKV) writeLocked() error {
	data, err := json.Marshal(f.values)
	if err != nil {
		return err
	}
	// RELIABILITY: Atomic write with fsync prevents a torn store on crash
	return util.AtomicWriteFileWithDir(f.path, data, 0600, 0700)
}
