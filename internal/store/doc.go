// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store holds conversations, settings, and prompt templates in
// memory and snapshots them for persistence.
//
// Every mutation addresses its target by id and is total: an operation
// naming a conversation, message, or template that does not exist does
// nothing. Mutations bump the conversation's UpdatedAt, which never goes
// backwards, and notify subscribers after the lock is released.
//
// # Usage
//
//	s := store.New(store.Options{})
//	id := s.CreateConversation("general")
//	s.AddMessage(id, inference.RoleUser, "Hello")
//
//	p := store.NewPersister(s, kv, store.PersisterOptions{})
//	defer p.Close()
//
// Runtime-only engine state (load status, progress, current model) lives in
// the engine package and is never part of a Snapshot.
package store
