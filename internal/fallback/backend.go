// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/leaf/internal/catalog"
	"github.com/jeranaias/leaf/internal/inference"
)

// =============================================================================
// PIPELINES
// =============================================================================

// Pipeline is a loaded string-completion model.
type Pipeline interface {
	// Complete continues prompt. When opts.OnToken is set, fragments are
	// delivered in order as they are produced.
	Complete(ctx context.Context, prompt string, opts Sampling) (string, error)

	// Close releases the pipeline.
	Close() error
}

// Sampling holds the parameters passed to a pipeline.
type Sampling struct {
	MaxTokens   int
	Temperature float64
	TopK        int
	TopP        float64
	OnToken     inference.TokenFunc
}

// PipelineProgress is a raw loading report from a factory. Total is zero
// when the size is unknown.
type PipelineProgress struct {
	Status string
	Loaded int64
	Total  int64
}

// PipelineFactory builds pipelines for catalog models.
type PipelineFactory interface {
	NewPipeline(ctx context.Context, model catalog.ModelDescriptor, progress func(PipelineProgress)) (Pipeline, error)
}

// =============================================================================
// BACKEND
// =============================================================================

// DefaultLoadTimeout bounds how long a pipeline may take to load.
const DefaultLoadTimeout = 5 * time.Minute

// DefaultTopK is always sent to pipelines.
const DefaultTopK = 50

// DefaultGenerateOptions apply when a request leaves a field unset.
var DefaultGenerateOptions = inference.GenerateOptions{
	MaxTokens:   512,
	Temperature: 0.7,
	TopP:        0.95,
}

// Options configures a Backend.
type Options struct {
	Factory     PipelineFactory
	LoadTimeout time.Duration
	Logger      *slog.Logger
}

// Backend runs generations through a cached pipeline. Load and Unload are
// serialized; Generate may run concurrently with other Generate calls.
type Backend struct {
	factory     PipelineFactory
	loadTimeout time.Duration
	logger      *slog.Logger

	loadMu sync.Mutex

	mu       sync.RWMutex
	modelID  string
	pipeline Pipeline
}

// NewBackend creates a fallback backend.
func NewBackend(opts Options) *Backend {
	timeout := opts.LoadTimeout
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Backend{
		factory:     opts.Factory,
		loadTimeout: timeout,
		logger:      logger.With("component", "fallback"),
	}
}

// Kind identifies the backend family.
func (b *Backend) Kind() inference.BackendKind {
	return inference.BackendFallback
}

// Capabilities reports no optional capabilities.
func (b *Backend) Capabilities() inference.Capabilities {
	return inference.Capabilities{}
}

// CurrentModel returns the id of the cached pipeline, or "".
func (b *Backend) CurrentModel() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.modelID
}

// Load builds the pipeline for modelID unless it is already cached. A load
// that outlives the load timeout fails with KindTimeout even if the factory
// ignores ctx.
func (b *Backend) Load(ctx context.Context, modelID string, onProgress inference.ProgressFunc) error {
	b.loadMu.Lock()
	defer b.loadMu.Unlock()

	b.mu.RLock()
	cached := b.modelID == modelID && b.pipeline != nil
	b.mu.RUnlock()
	if cached {
		return nil
	}

	desc, ok := catalog.Lookup(inference.BackendFallback, modelID)
	if !ok {
		return inference.E(inference.KindInvalidModel, "load", "unknown model: "+modelID, nil)
	}
	if b.factory == nil {
		return inference.E(inference.KindUnsupported, "load", "no pipeline factory configured", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, b.loadTimeout)
	defer cancel()

	type result struct {
		p   Pipeline
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := b.factory.NewPipeline(ctx, desc, func(p PipelineProgress) {
			if onProgress != nil && ctx.Err() == nil {
				onProgress(normalizeProgress(p))
			}
		})
		done <- result{p, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		go func() {
			// Release a pipeline that finishes after we gave up on it.
			if late := <-done; late.p != nil {
				late.p.Close()
			}
		}()
		r.err = ctx.Err()
	}
	if r.err != nil {
		b.mu.Lock()
		b.closeLocked()
		b.mu.Unlock()
		return loadError(r.err, b.loadTimeout)
	}

	b.mu.Lock()
	b.closeLocked()
	b.modelID = modelID
	b.pipeline = r.p
	b.mu.Unlock()
	b.logger.Info("pipeline ready", "model", modelID)
	return nil
}

// loadError sets the failure kind at the point of failure.
func loadError(err error, timeout time.Duration) error {
	kind := inference.KindOf(err)
	msg := ""
	if kind == inference.KindTimeout {
		msg = fmt.Sprintf("Model loading timed out after %s", timeout)
	}
	return inference.E(kind, "load", msg, err)
}

// normalizeProgress maps a factory report onto the shared progress shape.
func normalizeProgress(p PipelineProgress) inference.LoadProgress {
	var pct float64
	if p.Total > 0 {
		pct = math.Round(float64(p.Loaded) / float64(p.Total) * 100)
	}
	stage := inference.StageLoading
	if strings.Contains(strings.ToLower(p.Status), "download") {
		stage = inference.StageDownloading
	}
	return inference.LoadProgress{Stage: stage, Percent: inference.ClampPercent(pct), Message: p.Status}
}

// Generate flattens messages into a prompt and completes it.
func (b *Backend) Generate(ctx context.Context, messages []inference.Message, opts inference.GenerateOptions) (string, error) {
	b.mu.RLock()
	p := b.pipeline
	b.mu.RUnlock()
	if p == nil {
		return "", inference.E(inference.KindNotLoaded, "generate", "Model not loaded", nil)
	}

	opts = opts.WithDefaults(DefaultGenerateOptions)
	text, err := p.Complete(ctx, FormatPrompt(messages), Sampling{
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		TopK:        DefaultTopK,
		TopP:        opts.TopP,
		OnToken:     opts.OnToken,
	})
	if err != nil {
		return "", inference.Wrap("generate", err)
	}
	return text, nil
}

// Stop is unsupported on this backend.
func (b *Backend) Stop(ctx context.Context) error {
	return inference.E(inference.KindUnsupported, "stop", "the CPU engine cannot stop a generation in progress", nil)
}

// ResetChat does nothing; the backend keeps no conversation state.
func (b *Backend) ResetChat(ctx context.Context) error {
	return nil
}

// Unload drops the cached pipeline. Calling it repeatedly is harmless.
func (b *Backend) Unload(ctx context.Context) error {
	b.loadMu.Lock()
	defer b.loadMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func (b *Backend) closeLocked() error {
	var err error
	if b.pipeline != nil {
		err = b.pipeline.Close()
	}
	b.pipeline = nil
	b.modelID = ""
	return err
}

// Stats is always nil; pipelines do not report speed.
func (b *Backend) Stats(ctx context.Context) *inference.Stats {
	return nil
}

// Close unloads the pipeline.
func (b *Backend) Close() error {
	return b.Unload(context.Background())
}

// LoadHint returns the user-facing suggestion for a load failure.
func LoadHint(err error) string {
	return inference.Hint(inference.KindOf(err))
}
