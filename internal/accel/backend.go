// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package accel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/leaf/internal/inference"
	"github.com/jeranaias/leaf/internal/protocol"
	"github.com/jeranaias/leaf/internal/worker"
)

// stopTimeout bounds how long Stop waits for the worker to acknowledge.
const stopTimeout = 2 * time.Second

// Backend is the engine-side adapter for the accelerated worker. It is safe
// for concurrent use.
type Backend struct {
	bridge *worker.Bridge
	logger *slog.Logger

	mu    sync.Mutex
	model string

	// generating counts in-flight generations so Stop can skip the round
	// trip when nothing is running.
	generating atomic.Int32
}

// NewBackend creates a backend that talks to the worker behind bridge.
func NewBackend(bridge *worker.Bridge, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Backend{bridge: bridge, logger: logger.With("component", "accel")}
	// A respawned worker starts without a model.
	bridge.OnCrash(func(error) {
		b.mu.Lock()
		b.model = ""
		b.mu.Unlock()
	})
	return b
}

// Kind identifies the backend family.
func (b *Backend) Kind() inference.BackendKind {
	return inference.BackendAccelerated
}

// Capabilities reports cancellation and persistent context.
func (b *Backend) Capabilities() inference.Capabilities {
	return inference.Capabilities{Cancellation: true, PersistentContext: true}
}

// Bridge exposes the underlying bridge, for crash listeners and shutdown.
func (b *Backend) Bridge() *worker.Bridge {
	return b.bridge
}

// ConfirmSupport asks the worker to verify accelerated inference on its
// side. It spawns the worker if needed.
func (b *Backend) ConfirmSupport(ctx context.Context) error {
	resp, err := b.bridge.Request(ctx, &protocol.Request{Type: protocol.ReqCheckSupport}, nil)
	if err != nil {
		return err
	}
	return resp.Err("check-support")
}

// Load makes modelID the worker's active model, forwarding progress.
func (b *Backend) Load(ctx context.Context, modelID string, onProgress inference.ProgressFunc) error {
	req := &protocol.Request{Type: protocol.ReqLoadModel, ModelID: modelID}
	_, err := b.bridge.Request(ctx, req, func(resp *protocol.Response) {
		if resp.Type != protocol.RespLoadProgress || resp.Progress == nil || onProgress == nil {
			return
		}
		onProgress(inference.LoadProgress{
			Stage:   resp.Progress.Stage,
			Percent: inference.ClampPercent(resp.Progress.Progress),
			Message: resp.Progress.Text,
		})
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.model = modelID
	b.mu.Unlock()
	b.logger.Info("model loaded", "model", modelID)
	return nil
}

// CurrentModel returns the last successfully loaded model id.
func (b *Backend) CurrentModel() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.model
}

// Generate runs one generation in the worker. When opts.OnToken is set the
// worker streams tokens; otherwise only the final text arrives. After a
// Stop the partial text is returned without error.
func (b *Backend) Generate(ctx context.Context, messages []inference.Message, opts inference.GenerateOptions) (string, error) {
	reqType := protocol.ReqGenerate
	if opts.Streaming() {
		reqType = protocol.ReqGenerateStream
	}
	req := &protocol.Request{
		Type:     reqType,
		Messages: messages,
		Options:  protocol.OptionsFrom(opts),
	}

	b.generating.Add(1)
	defer b.generating.Add(-1)

	resp, err := b.bridge.Request(ctx, req, func(resp *protocol.Response) {
		if resp.Type == protocol.RespGenerateToken && opts.OnToken != nil {
			opts.OnToken(resp.Token)
		}
	})
	if err != nil {
		return "", err
	}
	if resp.Response == nil {
		return "", nil
	}
	return *resp.Response, nil
}

// Stop asks the worker to halt every running or queued generation. It is a
// no-op when nothing is generating.
func (b *Backend) Stop(ctx context.Context) error {
	if b.generating.Load() == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	_, err := b.bridge.RequestIfRunning(ctx, &protocol.Request{Type: protocol.ReqStopGeneration})
	return err
}

// ResetChat clears the worker's conversation context. Without a running
// worker there is nothing to clear.
func (b *Backend) ResetChat(ctx context.Context) error {
	_, err := b.bridge.RequestIfRunning(ctx, &protocol.Request{Type: protocol.ReqResetChat})
	if err != nil {
		// The reset may have evicted the model; the next load warms it again.
		b.mu.Lock()
		b.model = ""
		b.mu.Unlock()
	}
	return err
}

// Unload releases the worker's model. Calling it repeatedly is harmless.
func (b *Backend) Unload(ctx context.Context) error {
	_, err := b.bridge.RequestIfRunning(ctx, &protocol.Request{Type: protocol.ReqUnload})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.model = ""
	b.mu.Unlock()
	return nil
}

// Stats returns the worker's decoding speed, or nil when it is unknown.
func (b *Backend) Stats(ctx context.Context) *inference.Stats {
	resp, err := b.bridge.RequestIfRunning(ctx, &protocol.Request{Type: protocol.ReqGetStats})
	if err != nil {
		b.logger.Debug("stats unavailable", "error", err)
		return nil
	}
	if resp == nil {
		return nil
	}
	return resp.Stats
}

// Close terminates the worker.
func (b *Backend) Close() error {
	b.bridge.Terminate()
	return nil
}
