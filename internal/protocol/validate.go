// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// VALIDATION ERRORS
// =============================================================================

// ValidationError describes why a message or identifier was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// =============================================================================
// MODEL IDENTIFIERS
// =============================================================================

// MaxModelIDLength bounds identifier length.
const MaxModelIDLength = 128

// blockedModelIDFragments are rejected anywhere in a normalized id.
var blockedModelIDFragments = []string{
	"..",
	"\\",
	"<",
	">",
	"script",
	"%2e",
	"%2f",
	"%3c",
}

// blockedModelIDPrefixes are URL schemes that must never reach a loader.
var blockedModelIDPrefixes = []string{
	"javascript:",
	"data:",
	"vbscript:",
	"file:",
}

// ValidateModelID screens an identifier before it is used to fetch or load
// anything. Identifiers are NFKC-normalized first so look-alike characters
// cannot smuggle a blocked pattern through.
func ValidateModelID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ValidationError{Field: "modelId", Message: "must not be empty"}
	}
	if len(id) > MaxModelIDLength {
		return ValidationError{Field: "modelId", Message: fmt.Sprintf("longer than %d bytes", MaxModelIDLength)}
	}

	normalized := strings.ToLower(norm.NFKC.String(id))
	for _, r := range normalized {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return ValidationError{Field: "modelId", Message: "contains whitespace or control characters"}
		}
	}
	for _, p := range blockedModelIDPrefixes {
		if strings.HasPrefix(normalized, p) {
			return ValidationError{Field: "modelId", Message: fmt.Sprintf("scheme %q not allowed", p)}
		}
	}
	for _, f := range blockedModelIDFragments {
		if strings.Contains(normalized, f) {
			return ValidationError{Field: "modelId", Message: fmt.Sprintf("contains %q", f)}
		}
	}
	if strings.HasPrefix(normalized, "/") {
		return ValidationError{Field: "modelId", Message: "absolute paths not allowed"}
	}
	return nil
}

// IsValidModelID is the boolean form of ValidateModelID.
func IsValidModelID(id string) bool {
	return ValidateModelID(id) == nil
}

// =============================================================================
// REQUEST VALIDATION
// =============================================================================

const (
	maxIDLength      = 64
	maxMessages      = 512
	maxContentLength = 256 * 1024
	maxTokensLimit   = 32768
)

// ValidateRequest checks the envelope and the type-specific payload.
func ValidateRequest(r *Request) error {
	if r == nil {
		return ValidationError{Field: "request", Message: "missing"}
	}
	if err := validateID(r.ID, true); err != nil {
		return err
	}
	if !requestTypes[r.Type] {
		return ValidationError{Field: "type", Message: fmt.Sprintf("unknown request type %q", r.Type)}
	}

	switch r.Type {
	case ReqLoadModel:
		return ValidateModelID(r.ModelID)
	case ReqGenerate, ReqGenerateStream:
		if len(r.Messages) == 0 {
			return ValidationError{Field: "messages", Message: "must not be empty"}
		}
		if len(r.Messages) > maxMessages {
			return ValidationError{Field: "messages", Message: fmt.Sprintf("more than %d messages", maxMessages)}
		}
		for i, m := range r.Messages {
			if !m.Role.Valid() {
				return ValidationError{Field: fmt.Sprintf("messages[%d].role", i), Message: fmt.Sprintf("invalid role %q", m.Role)}
			}
			if len(m.Content) > maxContentLength {
				return ValidationError{Field: fmt.Sprintf("messages[%d].content", i), Message: "too long"}
			}
		}
		return validateOptions(r.Options)
	case ReqStopGeneration:
		if r.Target != "" {
			return validateID(r.Target, true)
		}
	}
	return nil
}

func validateOptions(o *Options) error {
	if o == nil {
		return nil
	}
	if o.MaxTokens < 0 || o.MaxTokens > maxTokensLimit {
		return ValidationError{Field: "options.maxTokens", Message: fmt.Sprintf("must be between 0 and %d", maxTokensLimit)}
	}
	if o.Temperature < 0 || o.Temperature > 2 {
		return ValidationError{Field: "options.temperature", Message: "must be between 0 and 2"}
	}
	if o.TopP < 0 || o.TopP > 1 {
		return ValidationError{Field: "options.topP", Message: "must be between 0 and 1"}
	}
	return nil
}

func validateID(id string, required bool) error {
	if id == "" {
		if required {
			return ValidationError{Field: "id", Message: "must not be empty"}
		}
		return nil
	}
	if len(id) > maxIDLength {
		return ValidationError{Field: "id", Message: "too long"}
	}
	for _, r := range id {
		if !(r == '-' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return ValidationError{Field: "id", Message: "invalid character"}
		}
	}
	return nil
}

// =============================================================================
// RESPONSE VALIDATION
// =============================================================================

// ValidateResponse checks the envelope and the type-specific payload.
func ValidateResponse(r *Response) error {
	if r == nil {
		return ValidationError{Field: "response", Message: "missing"}
	}
	if !responseTypes[r.Type] {
		return ValidationError{Field: "type", Message: fmt.Sprintf("unknown response type %q", r.Type)}
	}
	if err := validateID(r.ID, r.Type != RespReady); err != nil {
		return err
	}

	switch r.Type {
	case RespSupportResult:
		if r.Supported == nil {
			return ValidationError{Field: "supported", Message: "required"}
		}
	case RespLoadProgress:
		if r.Progress == nil {
			return ValidationError{Field: "progress", Message: "required"}
		}
		switch r.Progress.Stage {
		case "downloading", "loading", "ready", "error":
		default:
			return ValidationError{Field: "progress.stage", Message: fmt.Sprintf("invalid stage %q", r.Progress.Stage)}
		}
		if r.Progress.Progress < 0 || r.Progress.Progress > 100 {
			return ValidationError{Field: "progress.progress", Message: "must be between 0 and 100"}
		}
	case RespLoadComplete:
		return ValidateModelID(r.ModelID)
	case RespLoadError, RespGenerateError, RespError:
		if r.Error == "" {
			return ValidationError{Field: "error", Message: "required"}
		}
	case RespGenerateToken:
		if r.Token == "" {
			return ValidationError{Field: "token", Message: "required"}
		}
	case RespGenerateComplete:
		if r.Response == nil {
			return ValidationError{Field: "response", Message: "required"}
		}
	case RespStatsResult:
		if r.Stats != nil && r.Stats.TokensPerSecond < 0 {
			return ValidationError{Field: "stats.tokensPerSecond", Message: "must not be negative"}
		}
	}
	return nil
}

// ValidID reports whether id is acceptable as a request id.
func ValidID(id string) bool {
	return id != "" && validateID(id, true) == nil
}
