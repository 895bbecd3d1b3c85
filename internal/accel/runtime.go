// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package accel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jeranaias/leaf/internal/catalog"
	"github.com/jeranaias/leaf/internal/inference"
	"github.com/jeranaias/leaf/internal/ollama"
	"github.com/jeranaias/leaf/internal/protocol"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// RuntimeConfig configures an OllamaRuntime.
type RuntimeConfig struct {
	Client *ollama.Client

	// Adapter reports whether a GPU is visible to this process. Nil skips
	// the check and trusts the runtime.
	Adapter func(ctx context.Context) error

	// Resolve maps a model id to its descriptor. Defaults to the
	// accelerated catalog.
	Resolve func(id string) (catalog.ModelDescriptor, bool)

	Logger *slog.Logger
}

// =============================================================================
// RUNTIME
// =============================================================================

// OllamaRuntime implements worker.Runtime on top of a local accelerated
// runtime server.
//
// It remembers the turns of the conversation it has already processed.
// When the next request extends that transcript, the runtime's cached
// prompt prefix is reused and only the new turns are evaluated. ResetChat
// forgets the transcript and reloads the model so the cached prefix is
// dropped with it.
type OllamaRuntime struct {
	client  *ollama.Client
	adapter func(ctx context.Context) error
	resolve func(id string) (catalog.ModelDescriptor, bool)
	logger  *slog.Logger

	mu      sync.Mutex
	model   string
	tag     string
	numCtx  int
	history []inference.Message
	reused  int
	last    *ollama.StreamChunk
}

// NewOllamaRuntime creates a runtime. A nil client uses the default
// runtime address.
func NewOllamaRuntime(cfg RuntimeConfig) *OllamaRuntime {
	client := cfg.Client
	if client == nil {
		client = ollama.NewClient()
	}
	resolve := cfg.Resolve
	if resolve == nil {
		resolve = func(id string) (catalog.ModelDescriptor, bool) {
			return catalog.Lookup(inference.BackendAccelerated, id)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &OllamaRuntime{
		client:  client,
		adapter: cfg.Adapter,
		resolve: resolve,
		logger:  logger.With("component", "ollama-runtime"),
	}
}

// CheckSupport requires a reachable runtime and a visible GPU.
func (r *OllamaRuntime) CheckSupport(ctx context.Context) error {
	if err := r.client.CheckRunning(ctx); err != nil {
		return inference.E(inference.KindUnsupported, "check-support", "accelerated runtime unreachable", err)
	}
	if r.adapter != nil {
		if err := r.adapter(ctx); err != nil {
			return inference.E(inference.KindUnsupported, "check-support", "no GPU adapter found", err)
		}
	}
	return nil
}

// Load pulls the model's artifact if needed, then warms it into memory.
// The previous model is evicted only once the new one is available.
func (r *OllamaRuntime) Load(ctx context.Context, modelID string, progress func(protocol.Progress)) error {
	desc, ok := r.resolve(modelID)
	if !ok || desc.Tag == "" {
		return inference.E(inference.KindInvalidModel, "load", "unknown model: "+modelID, nil)
	}
	report := func(stage inference.Stage, pct float64, text string) {
		if progress != nil {
			progress(protocol.Progress{Stage: stage, Progress: inference.ClampPercent(pct), Text: text})
		}
	}

	var pct float64
	err := r.client.Pull(ctx, desc.Tag, func(p ollama.PullProgress) {
		if p.Downloading() {
			// Downloading fills the first 90%; warming takes the rest.
			pct = p.Percent() * 0.9
			report(inference.StageDownloading, pct, fmt.Sprintf("Downloading %s: %.0f%%", desc.Name, p.Percent()))
			return
		}
		report(inference.StageDownloading, pct, p.Status)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	prevTag := r.tag
	r.mu.Unlock()
	if prevTag != "" && prevTag != desc.Tag {
		if err := r.client.Unload(ctx, prevTag); err != nil {
			r.logger.Warn("failed to unload previous model", "tag", prevTag, "error", err)
		}
	}

	report(inference.StageLoading, 95, "Loading model into memory...")
	if err := r.client.Load(ctx, desc.Tag); err != nil {
		r.mu.Lock()
		if prevTag != desc.Tag {
			r.model, r.tag = "", ""
		}
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.model = modelID
	r.tag = desc.Tag
	r.numCtx = desc.ContextWindow
	r.history = nil
	r.reused = 0
	r.last = nil
	r.mu.Unlock()
	r.logger.Info("model ready", "model", modelID, "tag", desc.Tag)
	return nil
}

// Generate streams a chat completion, passing each fragment to emit. When
// emit returns false the request is abandoned and nil is returned.
func (r *OllamaRuntime) Generate(ctx context.Context, messages []inference.Message, opts inference.GenerateOptions, emit func(string) bool) error {
	r.mu.Lock()
	tag, numCtx, prior := r.tag, r.numCtx, r.history
	r.mu.Unlock()
	if tag == "" {
		return inference.E(inference.KindNotLoaded, "generate", "Model not loaded", nil)
	}

	req := ollama.ChatRequest{
		Model:    tag,
		Messages: make([]ollama.Message, 0, len(messages)),
		Options: &ollama.Options{
			Temperature: opts.Temperature,
			TopP:        opts.TopP,
			NumPredict:  opts.MaxTokens,
			NumCtx:      numCtx,
		},
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, ollama.Message{Role: string(m.Role), Content: m.Content})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		text    strings.Builder
		stopped bool
		final   *ollama.StreamChunk
	)
	err := r.client.ChatStream(ctx, req, func(chunk ollama.StreamChunk) {
		if stopped {
			return
		}
		if chunk.Content != "" {
			if !emit(chunk.Content) {
				stopped = true
				cancel()
				return
			}
			text.WriteString(chunk.Content)
		}
		if chunk.Done {
			c := chunk
			final = &c
		}
	})
	if err != nil && !stopped {
		return err
	}

	reused := sharedPrefix(prior, messages)
	history := make([]inference.Message, 0, len(messages)+1)
	history = append(history, messages...)
	history = append(history, inference.Message{Role: inference.RoleAssistant, Content: text.String()})

	r.mu.Lock()
	if r.tag == tag {
		r.history = history
		r.reused = reused
		if final != nil {
			r.last = final
		}
	}
	r.mu.Unlock()
	return nil
}

// sharedPrefix counts the leading turns of next already present in prior.
func sharedPrefix(prior, next []inference.Message) int {
	n := 0
	for n < len(prior) && n < len(next) && prior[n] == next[n] {
		n++
	}
	return n
}

// ResetChat forgets the conversation transcript. The runtime keeps its
// prompt cache for as long as the model stays resident, so a model that has
// seen turns is evicted and warmed again.
func (r *OllamaRuntime) ResetChat(ctx context.Context) error {
	r.mu.Lock()
	tag, seen := r.tag, len(r.history) > 0
	r.history = nil
	r.reused = 0
	r.mu.Unlock()
	if tag == "" || !seen {
		return nil
	}
	if err := r.client.Unload(ctx, tag); err != nil {
		return err
	}
	if err := r.client.Load(ctx, tag); err != nil {
		r.mu.Lock()
		if r.tag == tag {
			r.model, r.tag = "", ""
		}
		r.mu.Unlock()
		return err
	}
	r.logger.Debug("chat context reset", "tag", tag)
	return nil
}

// ContextTurns returns how many turns the runtime currently remembers.
func (r *OllamaRuntime) ContextTurns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}

// Unload evicts the active model. With nothing loaded it does nothing.
func (r *OllamaRuntime) Unload(ctx context.Context) error {
	r.mu.Lock()
	tag := r.tag
	r.model, r.tag = "", ""
	r.history = nil
	r.reused = 0
	r.last = nil
	r.mu.Unlock()
	if tag == "" {
		return nil
	}
	return r.client.Unload(ctx, tag)
}

// StatsText summarizes the last completed generation, e.g.
// "prefill: 42 tokens, decoding: 38.5 tok/s, reused turns: 2".
func (r *OllamaRuntime) StatsText(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return "", nil
	}
	return fmt.Sprintf("prefill: %d tokens, decoding: %.1f tok/s, reused turns: %d",
		r.last.PromptTokens, r.last.TokensPerSecond(), r.reused), nil
}

// LoadedModel returns the active model id.
func (r *OllamaRuntime) LoadedModel() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model
}
