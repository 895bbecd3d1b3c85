// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the messages exchanged between the engine and
// the isolated inference worker.
//
// Every request carries an id and every response echoes it, so several
// requests of the same type can be in flight at once. The one exception is
// the unsolicited "ready" announcement a worker sends on start.
//
// # Validation
//
// Both directions are validated. The sender refuses to put an invalid
// request on the wire, and the receiver drops any message that fails
// ValidateResponse or ValidateRequest:
//
//	req, err := protocol.DecodeRequest(frame)
//	if err != nil {
//	    logger.Warn("dropping malformed request", "error", err)
//	    return
//	}
//
// Model identifiers are additionally screened by ValidateModelID, which
// rejects path traversal, markup, and URL scheme payloads.
package protocol
