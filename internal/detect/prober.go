// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/jeranaias/leaf/internal/inference"
)

// =============================================================================
// ENGINE INFO
// =============================================================================

// EngineInfo is the outcome of capability detection. Supported is always
// true: the fallback engine is assumed to work everywhere.
type EngineInfo struct {
	Backend     inference.BackendKind
	Supported   bool
	DisplayName string
	Description string

	// GPU is the adapter found by the direct check, if any.
	GPU *GpuInfo
	// CPUFeatures is reported for the fallback engine.
	CPUFeatures []string
	// Reason explains why the fallback engine was chosen.
	Reason string
}

const (
	acceleratedName = "Accelerated (GPU)"
	fallbackName    = "Fallback (CPU)"
)

// =============================================================================
// PROBER
// =============================================================================

// Default probe timeouts.
const (
	DefaultAdapterTimeout = 3 * time.Second
	DefaultConfirmTimeout = 5 * time.Second
)

// Confirmer independently verifies accelerated support, normally by
// asking the inference worker.
type Confirmer interface {
	ConfirmSupport(ctx context.Context) error
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context) error

// ConfirmSupport calls f.
func (f ConfirmerFunc) ConfirmSupport(ctx context.Context) error { return f(ctx) }

// Options configures a Prober. Zero values use the defaults.
type Options struct {
	// GOOS overrides runtime.GOOS.
	GOOS string
	// Adapter performs the direct check. Defaults to DetectGPUWithContext.
	Adapter func(ctx context.Context) (*GpuInfo, error)
	// Confirmer performs the secondary check. Nil skips it.
	Confirmer Confirmer

	AdapterTimeout time.Duration
	ConfirmTimeout time.Duration
	Logger         *slog.Logger
}

// Prober decides once which backend to use and remembers the answer until
// Reset.
type Prober struct {
	goos           string
	adapter        func(ctx context.Context) (*GpuInfo, error)
	confirmer      Confirmer
	adapterTimeout time.Duration
	confirmTimeout time.Duration
	logger         *slog.Logger

	mu   sync.Mutex
	info *EngineInfo
}

// NewProber creates a prober.
func NewProber(opts Options) *Prober {
	p := &Prober{
		goos:           opts.GOOS,
		adapter:        opts.Adapter,
		confirmer:      opts.Confirmer,
		adapterTimeout: opts.AdapterTimeout,
		confirmTimeout: opts.ConfirmTimeout,
		logger:         opts.Logger,
	}
	if p.goos == "" {
		p.goos = runtime.GOOS
	}
	if p.adapter == nil {
		p.adapter = DetectGPUWithContext
	}
	if p.adapterTimeout <= 0 {
		p.adapterTimeout = DefaultAdapterTimeout
	}
	if p.confirmTimeout <= 0 {
		p.confirmTimeout = DefaultConfirmTimeout
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	p.logger = p.logger.With("component", "detect")
	return p
}

// IsMobile reports whether goos belongs to a mobile OS family, where
// accelerated inference is known to be unreliable.
func IsMobile(goos string) bool {
	return goos == "android" || goos == "ios"
}

// Detect returns the memoized engine choice, probing on first use.
// Concurrent callers wait for the same probe. It never fails: every
// problem resolves to the fallback engine.
func (p *Prober) Detect(ctx context.Context) EngineInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.info != nil {
		return *p.info
	}
	info := p.probe(ctx)
	p.info = &info
	p.logger.Info("engine selected", "backend", info.Backend, "reason", info.Reason)
	return info
}

// Reset forgets the memoized result.
func (p *Prober) Reset() {
	p.mu.Lock()
	p.info = nil
	p.mu.Unlock()
}

func (p *Prober) probe(ctx context.Context) EngineInfo {
	if IsMobile(p.goos) {
		return fallbackInfo("mobile platform", nil)
	}

	gpu, err := p.checkAdapter(ctx)
	if err != nil {
		p.logger.Debug("adapter check failed", "error", err)
		return fallbackInfo("no usable GPU adapter: "+err.Error(), nil)
	}

	if p.confirmer != nil {
		cctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
		err := p.confirmer.ConfirmSupport(cctx)
		cancel()
		if err != nil {
			p.logger.Debug("worker did not confirm support", "error", err)
			return fallbackInfo("worker could not confirm support: "+err.Error(), gpu)
		}
	}

	return EngineInfo{
		Backend:     inference.BackendAccelerated,
		Supported:   true,
		DisplayName: acceleratedName,
		Description: "Runs on " + gpu.Name + " for fast local inference.",
		GPU:         gpu,
	}
}

// checkAdapter runs the adapter probe within the adapter timeout, even if
// the probe ignores its context.
func (p *Prober) checkAdapter(ctx context.Context) (*GpuInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, p.adapterTimeout)
	defer cancel()

	type result struct {
		gpu *GpuInfo
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errors.New("adapter probe panicked")}
			}
		}()
		gpu, err := p.adapter(ctx)
		done <- result{gpu, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.gpu == nil || r.gpu.Type == GpuTypeCPU {
			return nil, ErrNoAdapter
		}
		return r.gpu, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fallbackInfo(reason string, gpu *GpuInfo) EngineInfo {
	features := CPUFeatures()
	return EngineInfo{
		Backend:     inference.BackendFallback,
		Supported:   true,
		DisplayName: fallbackName,
		Description: describeCPU(features),
		GPU:         gpu,
		CPUFeatures: features,
		Reason:      reason,
	}
}
