// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import "fmt"

// =============================================================================
// MESSAGES
// =============================================================================

// Role identifies the author of a chat turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single turn of conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// =============================================================================
// GENERATION OPTIONS
// =============================================================================

// TokenFunc receives generated text fragments in generation order.
type TokenFunc func(token string)

// GenerateOptions controls sampling for a single generation. Zero values
// mean "use the backend default".
type GenerateOptions struct {
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"topP,omitempty"`

	// OnToken, when set, makes the call streaming. Never serialized.
	OnToken TokenFunc `json:"-"`
}

// WithDefaults returns o with every zero field replaced from def.
func (o GenerateOptions) WithDefaults(def GenerateOptions) GenerateOptions {
	if o.MaxTokens <= 0 {
		o.MaxTokens = def.MaxTokens
	}
	if o.Temperature <= 0 {
		o.Temperature = def.Temperature
	}
	if o.TopP <= 0 {
		o.TopP = def.TopP
	}
	return o
}

// Streaming reports whether tokens should be delivered incrementally.
func (o GenerateOptions) Streaming() bool {
	return o.OnToken != nil
}

// =============================================================================
// LOAD PROGRESS
// =============================================================================

// Stage is the phase a model load is in.
type Stage string

const (
	StageDownloading Stage = "downloading"
	StageLoading     Stage = "loading"
	StageReady       Stage = "ready"
	StageError       Stage = "error"
)

// LoadProgress is the normalized progress report every backend emits.
// Percent is in [0, 100].
type LoadProgress struct {
	Stage   Stage   `json:"stage"`
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
}

func (p LoadProgress) String() string {
	return fmt.Sprintf("%s %.0f%% %s", p.Stage, p.Percent, p.Message)
}

// ProgressFunc receives load progress updates.
type ProgressFunc func(LoadProgress)

// ClampPercent bounds a percentage to [0, 100].
func ClampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// =============================================================================
// BACKENDS
// =============================================================================

// BackendKind names an inference backend family.
type BackendKind string

const (
	BackendNone        BackendKind = "none"
	BackendAccelerated BackendKind = "accelerated"
	BackendFallback    BackendKind = "fallback"
)

// Capabilities advertises which optional operations a backend honors.
type Capabilities struct {
	// Cancellation means an in-flight generation can be stopped and its
	// partial text returned.
	Cancellation bool `json:"cancellation"`

	// PersistentContext means the backend keeps conversation state between
	// generations and ResetChat clears it.
	PersistentContext bool `json:"persistentContext"`
}

// Stats are runtime performance figures. A nil *Stats means unavailable.
type Stats struct {
	TokensPerSecond float64 `json:"tokensPerSecond"`
}
