// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"fmt"
	"time"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Message is a chat message in the runtime's format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
	Options   *Options  `json:"options,omitempty"`
	KeepAlive string    `json:"keep_alive,omitempty"`
}

// Options are runtime sampling and placement parameters.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`

	// NumGPU is the number of layers offloaded to the GPU. A pointer so 0
	// (CPU only) can be sent explicitly.
	NumGPU *int `json:"num_gpu,omitempty"`
}

// GenerateRequest is the body of POST /api/generate. With an empty prompt
// the runtime only loads or unloads the model.
type GenerateRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt,omitempty"`
	Stream    bool   `json:"stream"`
	KeepAlive any    `json:"keep_alive,omitempty"`
}

// PullRequest is the body of POST /api/pull.
type PullRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ChatResponse is a complete (non-streamed) chat response.
type ChatResponse struct {
	Model           string    `json:"model"`
	CreatedAt       time.Time `json:"created_at"`
	Message         Message   `json:"message"`
	Done            bool      `json:"done"`
	DoneReason      string    `json:"done_reason,omitempty"`
	TotalDuration   int64     `json:"total_duration,omitempty"`
	LoadDuration    int64     `json:"load_duration,omitempty"`
	PromptEvalCount int       `json:"prompt_eval_count,omitempty"`
	EvalCount       int       `json:"eval_count,omitempty"`
	EvalDuration    int64     `json:"eval_duration,omitempty"`
}

// TokensPerSecond computes generation speed from the eval counters.
func (r *ChatResponse) TokensPerSecond() float64 {
	if r.EvalDuration <= 0 {
		return 0
	}
	return float64(r.EvalCount) / time.Duration(r.EvalDuration).Seconds()
}

// StreamChunk is one parsed line of a streamed chat response.
type StreamChunk struct {
	Content    string
	Done       bool
	DoneReason string
	Model      string

	// Set on the final chunk only.
	TotalDuration    time.Duration
	LoadDuration     time.Duration
	EvalDuration     time.Duration
	PromptTokens     int
	CompletionTokens int

	// Error is set by ChatStreamChan when the stream fails.
	Error error
}

// TokensPerSecond computes generation speed for a final chunk.
func (c StreamChunk) TokensPerSecond() float64 {
	if c.EvalDuration <= 0 {
		return 0
	}
	return float64(c.CompletionTokens) / c.EvalDuration.Seconds()
}

// PullProgress is one line of a streamed pull.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Percent returns completion in [0, 100]; 0 when the total is unknown.
func (p PullProgress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	pct := float64(p.Completed) / float64(p.Total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Downloading reports whether the line describes layer transfer rather
// than manifest or verification work.
func (p PullProgress) Downloading() bool {
	return p.Total > 0
}

// ModelInfo describes a model present in the runtime.
type ModelInfo struct {
	Name       string    `json:"name"`
	Model      string    `json:"model"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
}

// FormatSize returns a human-readable size.
func (m *ModelInfo) FormatSize() string {
	const gb = 1 << 30
	const mb = 1 << 20
	if m.Size >= gb {
		return fmt.Sprintf("%.1f GB", float64(m.Size)/gb)
	}
	return fmt.Sprintf("%d MB", m.Size/mb)
}

// ListModelsResponse is the body of GET /api/tags.
type ListModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// OllamaError is the runtime's error body.
type OllamaError struct {
	Error string `json:"error"`
}
