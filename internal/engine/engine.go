// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/jeranaias/leaf/internal/catalog"
	"github.com/jeranaias/leaf/internal/detect"
	"github.com/jeranaias/leaf/internal/inference"
	"github.com/jeranaias/leaf/internal/metrics"
	"github.com/jeranaias/leaf/internal/protocol"
)

// =============================================================================
// INTERFACES
// =============================================================================

// Backend is an inference backend. Stop and ResetChat are only called when
// the matching capability is advertised.
type Backend interface {
	Kind() inference.BackendKind
	Capabilities() inference.Capabilities
	Load(ctx context.Context, modelID string, onProgress inference.ProgressFunc) error
	Generate(ctx context.Context, messages []inference.Message, opts inference.GenerateOptions) (string, error)
	Stop(ctx context.Context) error
	ResetChat(ctx context.Context) error
	Unload(ctx context.Context) error
	Stats(ctx context.Context) *inference.Stats
}

// modelHolder is implemented by backends that know which model their
// runtime holds. A worker crash empties it behind the engine's back.
type modelHolder interface {
	CurrentModel() string
}

// holds reports whether b still has modelID loaded. Backends that cannot
// tell are trusted.
func holds(b Backend, modelID string) bool {
	if h, ok := b.(modelHolder); ok {
		return h.CurrentModel() == modelID
	}
	return true
}

// Detector chooses a backend. *detect.Prober implements it.
type Detector interface {
	Detect(ctx context.Context) detect.EngineInfo
	Reset()
}

// ErrCancellationUnsupported is returned by StopGeneration on backends that
// cannot stop a generation in flight.
var ErrCancellationUnsupported = inference.E(inference.KindUnsupported, "stop",
	"the selected engine cannot stop a generation in progress", nil)

// =============================================================================
// STATE
// =============================================================================

// LoadStatus is the model lifecycle phase shown to users.
type LoadStatus string

const (
	StatusIdle        LoadStatus = "idle"
	StatusDownloading LoadStatus = "downloading"
	StatusLoading     LoadStatus = "loading"
	StatusReady       LoadStatus = "ready"
	StatusError       LoadStatus = "error"
)

// State is a snapshot of the engine. None of it is persisted.
type State struct {
	DetectedBackend  inference.BackendKind
	CurrentModelID   string
	LoadStatus       LoadStatus
	LoadProgress     inference.LoadProgress
	LastError        string
	LastLoadDuration time.Duration
}

// =============================================================================
// ENGINE
// =============================================================================

// Options configures an Engine.
type Options struct {
	Prober      Detector
	Accelerated Backend
	Fallback    Backend
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	// GOOS filters the model catalog. Defaults to runtime.GOOS.
	GOOS string
}

// Engine routes inference calls to the detected backend. It is safe for
// concurrent use.
type Engine struct {
	prober      Detector
	accelerated Backend
	fallback    Backend
	logger      *slog.Logger
	metrics     *metrics.Metrics
	goos        string

	// loadMu serializes loads so a newer load supersedes an older one in
	// call order.
	loadMu sync.Mutex

	mu       sync.Mutex
	state    State
	info     *detect.EngineInfo
	selected Backend

	subMu  sync.Mutex
	subs   map[int]func(State)
	nextID int
}

// New creates an engine. Prober and Fallback are required.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	goos := opts.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	return &Engine{
		prober:      opts.Prober,
		accelerated: opts.Accelerated,
		fallback:    opts.Fallback,
		logger:      logger.With("component", "engine"),
		metrics:     opts.Metrics,
		goos:        goos,
		state:       State{DetectedBackend: inference.BackendNone, LoadStatus: StatusIdle},
		subs:        make(map[int]func(State)),
	}
}

// Subscribe registers fn to receive a snapshot after every state change.
// It returns a function that removes the subscription.
func (e *Engine) Subscribe(fn func(State)) func() {
	e.subMu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

// update mutates state under the lock and then notifies subscribers.
func (e *Engine) update(fn func(*State)) {
	e.mu.Lock()
	fn(&e.state)
	snap := e.state
	e.mu.Unlock()

	e.subMu.Lock()
	subs := make([]func(State), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.subMu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

// State returns a snapshot of the engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// =============================================================================
// DETECTION
// =============================================================================

// DetectEngine returns the memoized capability result, probing on first
// use. It never fails.
func (e *Engine) DetectEngine(ctx context.Context) detect.EngineInfo {
	_, info := e.backend(ctx)
	return info
}

// backend returns the selected backend, running detection if needed.
func (e *Engine) backend(ctx context.Context) (Backend, detect.EngineInfo) {
	e.mu.Lock()
	if e.selected != nil {
		b, info := e.selected, *e.info
		e.mu.Unlock()
		return b, info
	}
	e.mu.Unlock()

	info := e.prober.Detect(ctx)
	b := e.fallback
	if info.Backend == inference.BackendAccelerated && e.accelerated != nil {
		b = e.accelerated
	} else if info.Backend == inference.BackendAccelerated {
		e.logger.Warn("accelerated engine detected but not configured, using fallback")
		info.Backend = inference.BackendFallback
	}

	e.mu.Lock()
	if e.selected == nil {
		e.selected = b
		e.info = &info
	}
	b, info = e.selected, *e.info
	e.mu.Unlock()

	e.update(func(s *State) { s.DetectedBackend = b.Kind() })
	e.metrics.SetBackend(string(b.Kind()), string(inference.BackendAccelerated), string(inference.BackendFallback))
	return b, info
}

// current returns the selected backend without detecting, or nil.
func (e *Engine) current() Backend {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// ResetDetection unloads the current model and forgets the detection
// result, so the next call probes again.
func (e *Engine) ResetDetection(ctx context.Context) error {
	err := e.Unload(ctx)
	e.prober.Reset()
	e.mu.Lock()
	e.selected = nil
	e.info = nil
	e.mu.Unlock()
	e.update(func(s *State) { s.DetectedBackend = inference.BackendNone })
	return err
}

// Capabilities reports the selected backend's capabilities; zero before
// detection.
func (e *Engine) Capabilities() inference.Capabilities {
	if b := e.current(); b != nil {
		return b.Capabilities()
	}
	return inference.Capabilities{}
}

// AvailableModels lists the models the selected backend can load on this
// platform, recommended first.
func (e *Engine) AvailableModels(ctx context.Context) []catalog.ModelDescriptor {
	b, _ := e.backend(ctx)
	return catalog.ModelsFor(b.Kind(), e.goos)
}

// =============================================================================
// MODEL LIFECYCLE
// =============================================================================

// LoadModel loads modelID on the selected backend. The id is validated
// before any backend sees it. Loading the model that is already ready
// returns immediately; loading a different one replaces it. Backend errors
// are returned unchanged.
func (e *Engine) LoadModel(ctx context.Context, modelID string, onProgress inference.ProgressFunc) error {
	if err := protocol.ValidateModelID(modelID); err != nil {
		return inference.E(inference.KindInvalidModel, "load", "invalid model id", err)
	}
	b, _ := e.backend(ctx)
	if _, ok := catalog.Lookup(b.Kind(), modelID); !ok {
		return inference.E(inference.KindInvalidModel, "load",
			fmt.Sprintf("model %q is not available for the %s engine", modelID, b.Kind()), nil)
	}

	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	st := e.State()
	if st.CurrentModelID == modelID && st.LoadStatus == StatusReady && holds(b, modelID) {
		return nil
	}

	start := time.Now()
	e.update(func(s *State) {
		s.LoadStatus = StatusDownloading
		s.LoadProgress = inference.LoadProgress{Stage: inference.StageDownloading, Message: "Starting..."}
		s.LastError = ""
	})
	e.logger.Info("loading model", "model", modelID, "backend", b.Kind())

	err := b.Load(ctx, modelID, func(p inference.LoadProgress) {
		e.update(func(s *State) {
			s.LoadProgress = p
			switch p.Stage {
			case inference.StageDownloading:
				s.LoadStatus = StatusDownloading
			case inference.StageLoading:
				s.LoadStatus = StatusLoading
			}
		})
		if onProgress != nil {
			onProgress(p)
		}
	})
	elapsed := time.Since(start)
	e.metrics.ObserveLoad(string(b.Kind()), elapsed, err)

	if err != nil {
		e.logger.Warn("model load failed", "model", modelID, "error", err)
		e.update(func(s *State) {
			s.CurrentModelID = ""
			s.LoadStatus = StatusError
			s.LoadProgress = inference.LoadProgress{Stage: inference.StageError, Message: err.Error()}
			s.LastError = err.Error()
		})
		return err
	}

	e.update(func(s *State) {
		s.CurrentModelID = modelID
		s.LoadStatus = StatusReady
		s.LoadProgress = inference.LoadProgress{Stage: inference.StageReady, Percent: 100, Message: "Model ready"}
		s.LastLoadDuration = elapsed
	})
	e.logger.Info("model ready", "model", modelID, "duration", elapsed)
	return nil
}

// IsModelLoaded reports whether a model is ready for generation.
func (e *Engine) IsModelLoaded() bool {
	st := e.State()
	return st.LoadStatus == StatusReady && st.CurrentModelID != ""
}

// CurrentModel returns the ready model id, or "".
func (e *Engine) CurrentModel() string {
	if !e.IsModelLoaded() {
		return ""
	}
	return e.State().CurrentModelID
}

// Unload releases the current model. It is idempotent.
func (e *Engine) Unload(ctx context.Context) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	b := e.current()
	if b == nil {
		return nil
	}
	err := b.Unload(ctx)
	e.update(func(s *State) {
		s.CurrentModelID = ""
		s.LoadStatus = StatusIdle
		s.LoadProgress = inference.LoadProgress{}
	})
	return err
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate produces a reply to messages. A failed generation leaves the
// model loaded, unless the worker crashed and took it down.
func (e *Engine) Generate(ctx context.Context, messages []inference.Message, opts inference.GenerateOptions) (string, error) {
	b := e.current()
	if b == nil || !e.IsModelLoaded() {
		return "", inference.E(inference.KindNotLoaded, "generate", "no model loaded", nil)
	}

	start := time.Now()
	var (
		tokens int
		ttft   time.Duration
	)
	if onToken := opts.OnToken; onToken != nil {
		opts.OnToken = func(tok string) {
			if tokens == 0 {
				ttft = time.Since(start)
			}
			tokens++
			onToken(tok)
		}
	}

	text, err := b.Generate(ctx, messages, opts)
	e.metrics.ObserveGeneration(string(b.Kind()), time.Since(start), ttft, tokens, err)
	if err != nil {
		e.logger.Warn("generation failed", "error", err)
		if inference.KindOf(err) == inference.KindWorkerCrashed {
			// The respawned worker has no model; the next load must go
			// through to it.
			e.update(func(s *State) {
				s.CurrentModelID = ""
				s.LoadStatus = StatusIdle
				s.LoadProgress = inference.LoadProgress{}
				s.LastError = err.Error()
			})
		}
		return "", err
	}
	return text, nil
}

// StopGeneration asks the backend to stop the running generation. The
// partial text is still returned by the Generate call being stopped.
func (e *Engine) StopGeneration(ctx context.Context) error {
	b := e.current()
	if b == nil {
		return nil
	}
	if !b.Capabilities().Cancellation {
		return ErrCancellationUnsupported
	}
	return b.Stop(ctx)
}

// ResetChat clears context kept between turns. Backends without
// persistent context have nothing to clear.
func (e *Engine) ResetChat(ctx context.Context) error {
	b := e.current()
	if b == nil || !b.Capabilities().PersistentContext {
		return nil
	}
	return b.ResetChat(ctx)
}

// Stats returns the backend's last decoding speed, or nil.
func (e *Engine) Stats(ctx context.Context) *inference.Stats {
	b := e.current()
	if b == nil || !e.IsModelLoaded() {
		return nil
	}
	return b.Stats(ctx)
}

// Close releases both backends.
func (e *Engine) Close() error {
	var errs []error
	for _, b := range []Backend{e.accelerated, e.fallback} {
		if c, ok := b.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
