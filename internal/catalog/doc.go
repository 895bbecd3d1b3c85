// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catalog lists the models each inference backend can load and the
// built-in assistant personas.
//
// Catalogs are static and immutable. Model ids are the stable keys users
// and the conversation store refer to. Tag is the artifact name the local
// runtime pulls for that id.
package catalog
