// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jeranaias/leaf/internal/inference"
	"github.com/jeranaias/leaf/internal/protocol"
)

// =============================================================================
// RUNTIME
// =============================================================================

// Runtime is the accelerated inference engine a Host drives. Calls never
// overlap for Load, and Generate calls are serialized by the host.
type Runtime interface {
	// CheckSupport returns nil when accelerated inference is usable.
	CheckSupport(ctx context.Context) error

	// Load makes modelID the active model, reporting progress as it goes.
	Load(ctx context.Context, modelID string, progress func(protocol.Progress)) error

	// Generate produces a reply, passing each text fragment to emit in
	// order. When emit returns false the runtime must stop and return nil.
	Generate(ctx context.Context, messages []inference.Message, opts inference.GenerateOptions, emit func(delta string) bool) error

	// ResetChat drops any conversation state kept between generations.
	ResetChat(ctx context.Context) error

	// Unload releases the active model.
	Unload(ctx context.Context) error

	// StatsText returns a human-readable performance summary.
	StatsText(ctx context.Context) (string, error)

	// LoadedModel returns the active model id, or "" when none.
	LoadedModel() string
}

// DefaultGenerateOptions apply to accelerated generations when the request
// leaves a field unset.
var DefaultGenerateOptions = inference.GenerateOptions{
	MaxTokens:   1024,
	Temperature: 0.7,
	TopP:        0.95,
}

// =============================================================================
// HOST
// =============================================================================

// HostConfig configures a Host.
type HostConfig struct {
	Logger   *slog.Logger
	Defaults inference.GenerateOptions
}

// Host is the worker side of the bridge. It validates every request,
// dispatches it to the Runtime, and streams responses back.
type Host struct {
	runtime  Runtime
	logger   *slog.Logger
	defaults inference.GenerateOptions

	sendMu sync.Mutex
	conn   Conn

	loading atomic.Bool
	// genMu runs generations one at a time in arrival order.
	genMu sync.Mutex

	stopMu sync.Mutex
	stops  map[string]*atomic.Bool

	wg sync.WaitGroup
}

// NewHost creates a host for rt.
func NewHost(rt Runtime, cfg HostConfig) *Host {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Host{
		runtime:  rt,
		logger:   logger.With("component", "worker-host"),
		defaults: cfg.Defaults.WithDefaults(DefaultGenerateOptions),
		stops:    make(map[string]*atomic.Bool),
	}
}

// Serve announces readiness on conn and handles requests until conn is
// closed. A panic anywhere in the host closes conn, which the bridge sees
// as a crash.
func (h *Host) Serve(ctx context.Context, conn Conn) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.conn = conn
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("worker panic", "panic", r)
			conn.Close()
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	if err := h.send(&protocol.Response{Type: protocol.RespReady}); err != nil {
		return err
	}

	for {
		frame, err := conn.Recv()
		if err != nil {
			cancel()
			h.wg.Wait()
			if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}

		req, err := protocol.DecodeRequest(frame)
		if err != nil {
			h.logger.Warn("dropping invalid request", "error", err)
			if req != nil && protocol.ValidID(req.ID) {
				h.send(protocol.ErrorResponse(req.ID, protocol.RespError,
					inference.E(inference.KindProtocol, "validate", "invalid request", err)))
			}
			continue
		}
		h.dispatch(ctx, req)
	}
}

func (h *Host) dispatch(ctx context.Context, req *protocol.Request) {
	switch req.Type {
	case protocol.ReqStopGeneration:
		h.stop(req.Target)
		h.send(&protocol.Response{ID: req.ID, Type: protocol.RespStopAck})
		return
	case protocol.ReqLoadModel:
		if !h.loading.CompareAndSwap(false, true) {
			h.send(protocol.ErrorResponse(req.ID, protocol.RespLoadError,
				inference.E(inference.KindBusy, "load", "Model is already loading", nil)))
			return
		}
	}

	var stop *atomic.Bool
	if req.Type == protocol.ReqGenerate || req.Type == protocol.ReqGenerateStream {
		stop = h.register(req.ID)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.recoverCrash(req)

		switch req.Type {
		case protocol.ReqCheckSupport:
			h.checkSupport(ctx, req)
		case protocol.ReqLoadModel:
			defer h.loading.Store(false)
			h.load(ctx, req)
		case protocol.ReqGenerate, protocol.ReqGenerateStream:
			defer h.unregister(req.ID)
			h.generate(ctx, req, stop)
		case protocol.ReqResetChat:
			h.reset(ctx, req)
		case protocol.ReqUnload:
			h.unload(ctx, req)
		case protocol.ReqGetStats:
			h.stats(ctx, req)
		}
	}()
}

func (h *Host) recoverCrash(req *protocol.Request) {
	if r := recover(); r != nil {
		h.logger.Error("worker panic", "request", req.Type, "id", req.ID, "panic", r)
		h.conn.Close()
	}
}

func (h *Host) send(resp *protocol.Response) error {
	frame, err := protocol.Encode(resp)
	if err != nil {
		h.logger.Error("encode response", "type", resp.Type, "error", err)
		return err
	}
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	if err := h.conn.Send(frame); err != nil {
		h.logger.Debug("send failed", "type", resp.Type, "error", err)
		return err
	}
	return nil
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Host) checkSupport(ctx context.Context, req *protocol.Request) {
	resp := &protocol.Response{ID: req.ID, Type: protocol.RespSupportResult, Supported: protocol.Bool(true)}
	if err := h.runtime.CheckSupport(ctx); err != nil {
		resp.Supported = protocol.Bool(false)
		resp.Error = err.Error()
	}
	h.send(resp)
}

func (h *Host) progress(id string, stage inference.Stage, pct float64, text string) {
	h.send(&protocol.Response{
		ID:       id,
		Type:     protocol.RespLoadProgress,
		Progress: &protocol.Progress{Stage: stage, Progress: inference.ClampPercent(pct), Text: text},
	})
}

func (h *Host) load(ctx context.Context, req *protocol.Request) {
	if h.runtime.LoadedModel() == req.ModelID {
		h.progress(req.ID, inference.StageReady, 100, "Model already loaded")
		h.send(&protocol.Response{ID: req.ID, Type: protocol.RespLoadComplete, ModelID: req.ModelID})
		return
	}

	h.progress(req.ID, inference.StageDownloading, 0, "Initializing...")
	err := h.runtime.Load(ctx, req.ModelID, func(p protocol.Progress) {
		h.progress(req.ID, p.Stage, p.Progress, p.Text)
	})
	if err != nil {
		h.logger.Warn("model load failed", "model", req.ModelID, "error", err)
		h.progress(req.ID, inference.StageError, 0, err.Error())
		h.send(protocol.ErrorResponse(req.ID, protocol.RespLoadError, inference.Wrap("load", err)))
		return
	}

	h.progress(req.ID, inference.StageReady, 100, "Model ready!")
	h.send(&protocol.Response{ID: req.ID, Type: protocol.RespLoadComplete, ModelID: req.ModelID})
}

func (h *Host) generate(ctx context.Context, req *protocol.Request, stop *atomic.Bool) {
	h.genMu.Lock()
	defer h.genMu.Unlock()

	if h.runtime.LoadedModel() == "" {
		h.send(protocol.ErrorResponse(req.ID, protocol.RespGenerateError,
			inference.E(inference.KindNotLoaded, "generate", "Model not loaded", nil)))
		return
	}

	var text strings.Builder
	if !stop.Load() {
		streaming := req.Type == protocol.ReqGenerateStream
		opts := req.Options.GenerateOptions().WithDefaults(h.defaults)

		err := h.runtime.Generate(ctx, req.Messages, opts, func(delta string) bool {
			// Stop is cooperative: checked between tokens only.
			if stop.Load() {
				return false
			}
			if delta == "" {
				return true
			}
			text.WriteString(delta)
			if streaming {
				h.send(&protocol.Response{ID: req.ID, Type: protocol.RespGenerateToken, Token: delta})
			}
			return true
		})
		if err != nil && !stop.Load() {
			h.send(protocol.ErrorResponse(req.ID, protocol.RespGenerateError, inference.Wrap("generate", err)))
			return
		}
	}

	h.send(&protocol.Response{ID: req.ID, Type: protocol.RespGenerateComplete, Response: protocol.String(text.String())})
}

func (h *Host) reset(ctx context.Context, req *protocol.Request) {
	if err := h.runtime.ResetChat(ctx); err != nil {
		h.send(protocol.ErrorResponse(req.ID, protocol.RespError, inference.Wrap("reset-chat", err)))
		return
	}
	h.send(&protocol.Response{ID: req.ID, Type: protocol.RespResetComplete})
}

func (h *Host) unload(ctx context.Context, req *protocol.Request) {
	if err := h.runtime.Unload(ctx); err != nil {
		h.send(protocol.ErrorResponse(req.ID, protocol.RespError, inference.Wrap("unload", err)))
		return
	}
	h.send(&protocol.Response{ID: req.ID, Type: protocol.RespUnloadComplete})
}

func (h *Host) stats(ctx context.Context, req *protocol.Request) {
	resp := &protocol.Response{ID: req.ID, Type: protocol.RespStatsResult}
	if h.runtime.LoadedModel() != "" {
		if text, err := h.runtime.StatsText(ctx); err == nil {
			resp.Stats = ParseStats(text)
		}
	}
	h.send(resp)
}

// =============================================================================
// STOP FLAGS
// =============================================================================

func (h *Host) register(id string) *atomic.Bool {
	flag := &atomic.Bool{}
	h.stopMu.Lock()
	h.stops[id] = flag
	h.stopMu.Unlock()
	return flag
}

func (h *Host) unregister(id string) {
	h.stopMu.Lock()
	delete(h.stops, id)
	h.stopMu.Unlock()
}

// stop flags the target generation, or every running and queued one when
// target is empty.
func (h *Host) stop(target string) {
	h.stopMu.Lock()
	defer h.stopMu.Unlock()
	if target != "" {
		if flag, ok := h.stops[target]; ok {
			flag.Store(true)
		}
		return
	}
	for _, flag := range h.stops {
		flag.Store(true)
	}
}
