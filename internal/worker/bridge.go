// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jeranaias/leaf/internal/inference"
	"github.com/jeranaias/leaf/internal/protocol"
)

// =============================================================================
// STATE
// =============================================================================

// State is the bridge lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateCrashed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateCrashed:
		return "crashed"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

const (
	// DefaultReadyTimeout bounds the wait for a new worker's announcement.
	DefaultReadyTimeout = 5 * time.Second

	// DefaultMaxInitAttempts is the number of spawns allowed per bridge
	// lifetime before initialization is refused.
	DefaultMaxInitAttempts = 3
)

// Config configures a Bridge.
type Config struct {
	ReadyTimeout    time.Duration
	MaxInitAttempts int
	Logger          *slog.Logger

	// OnStateChange is called with the bridge lock held; it must not call
	// back into the bridge.
	OnStateChange func(from, to State)
}

// EventFunc receives non-terminal responses (progress, tokens) for a call,
// in arrival order, on the bridge's reader goroutine.
type EventFunc func(*protocol.Response)

type callResult struct {
	resp *protocol.Response
	err  error
}

type pendingCall struct {
	reqType protocol.RequestType
	onEvent EventFunc
	result  chan callResult
}

// =============================================================================
// BRIDGE
// =============================================================================

// Bridge is the engine side of the worker channel. It is safe for
// concurrent use; several requests of the same type may be in flight and
// are told apart by request id.
type Bridge struct {
	spawner Spawner
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	attempts int
	// epoch increments on Terminate so an initialization that straddles it
	// can tell its worker is no longer wanted.
	epoch    uint64
	conn     Conn
	initDone chan struct{}
	initErr  error
	pending  map[string]*pendingCall

	listeners    map[int]func(error)
	nextListener int
}

// NewBridge creates a bridge that spawns workers with spawner.
func NewBridge(spawner Spawner, cfg Config) *Bridge {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.MaxInitAttempts <= 0 {
		cfg.MaxInitAttempts = DefaultMaxInitAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bridge{
		spawner:   spawner,
		cfg:       cfg,
		logger:    logger.With("component", "worker-bridge"),
		pending:   make(map[string]*pendingCall),
		listeners: make(map[int]func(error)),
	}
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Attempts returns how many initializations have been started since
// creation or the last Terminate.
func (b *Bridge) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// OnCrash registers fn to be called with the crash error whenever the
// worker crashes. The returned function unregisters it.
func (b *Bridge) OnCrash(fn func(error)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextListener
	b.nextListener++
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// setState must be called with b.mu held.
func (b *Bridge) setState(to State) {
	from := b.state
	b.state = to
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// =============================================================================
// INITIALIZATION
// =============================================================================

// Init spawns the worker if needed and waits until it is ready.
func (b *Bridge) Init(ctx context.Context) error {
	return b.ensureReady(ctx)
}

func (b *Bridge) ensureReady(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateReady:
		b.mu.Unlock()
		return nil
	case StateInitializing:
		done := b.initDone
		b.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.state == StateReady {
			return nil
		}
		return b.initErr
	}

	if b.attempts >= b.cfg.MaxInitAttempts {
		b.mu.Unlock()
		return inference.E(inference.KindInitExhausted, "worker init",
			fmt.Sprintf("initialization failed after %d attempts; reload required", b.cfg.MaxInitAttempts), nil)
	}
	b.attempts++
	attempt := b.attempts
	epoch := b.epoch
	done := make(chan struct{})
	b.initDone = done
	b.initErr = nil
	b.setState(StateInitializing)
	b.mu.Unlock()

	b.logger.Debug("starting worker", "attempt", attempt)
	conn, err := b.initialize(epoch)

	b.mu.Lock()
	defer b.mu.Unlock()
	defer close(done)

	if b.epoch != epoch {
		if conn != nil {
			conn.Close()
		}
		b.initErr = inference.E(inference.KindCancelled, "worker init", "bridge terminated during initialization", nil)
		return b.initErr
	}
	if err != nil {
		b.logger.Warn("worker initialization failed", "attempt", attempt, "error", err)
		b.initErr = err
		b.setState(StateUninitialized)
		return err
	}
	b.conn = conn
	b.setState(StateReady)
	return nil
}

// initialize spawns a worker and waits for its ready announcement. It runs
// without b.mu held and independent of any caller's context, so one
// caller giving up does not fail the others waiting on the same worker.
func (b *Bridge) initialize(epoch uint64) (Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ReadyTimeout)
	defer cancel()

	conn, err := b.spawner.Spawn(ctx)
	if err != nil {
		return nil, inference.Wrap("spawn worker", err)
	}

	ready := make(chan struct{})
	failed := make(chan error, 1)
	go b.readLoop(conn, ready, failed)

	select {
	case <-ready:
		return conn, nil
	case err := <-failed:
		conn.Close()
		return nil, inference.E(inference.KindWorkerCrashed, "worker init", "worker exited before becoming ready", err)
	case <-ctx.Done():
		conn.Close()
		return nil, inference.E(inference.KindTimeout, "worker init",
			fmt.Sprintf("worker did not become ready within %s", b.cfg.ReadyTimeout), nil)
	}
}

// =============================================================================
// READER
// =============================================================================

func (b *Bridge) readLoop(conn Conn, ready chan struct{}, failed chan<- error) {
	announced := false
	fail := func(err error) {
		if !announced {
			failed <- err
			return
		}
		b.crash(conn, err)
	}

	for {
		frame, err := conn.Recv()
		if err != nil {
			fail(err)
			return
		}

		resp, err := protocol.DecodeResponse(frame)
		if err != nil {
			if resp == nil {
				// Not even an envelope: the channel itself is corrupt.
				fail(err)
				return
			}
			b.logger.Warn("dropping invalid worker message", "type", resp.Type, "id", resp.ID, "error", err)
			continue
		}

		if resp.Type == protocol.RespReady {
			if !announced {
				announced = true
				close(ready)
			}
			continue
		}
		b.deliver(resp)
	}
}

func (b *Bridge) deliver(resp *protocol.Response) {
	b.mu.Lock()
	call, ok := b.pending[resp.ID]
	if ok && !protocol.Answers(call.reqType, resp.Type) {
		b.mu.Unlock()
		b.logger.Warn("dropping mismatched worker message", "id", resp.ID, "request", call.reqType, "type", resp.Type)
		return
	}
	if ok && resp.Type.Terminal() {
		delete(b.pending, resp.ID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("dropping response for unknown request", "id", resp.ID, "type", resp.Type)
		return
	}
	if !resp.Type.Terminal() {
		if call.onEvent != nil {
			call.onEvent(resp)
		}
		return
	}
	call.result <- callResult{resp: resp, err: resp.Err(string(call.reqType))}
}

// crash tears down conn if it is still the live worker.
func (b *Bridge) crash(conn Conn, cause error) {
	b.mu.Lock()
	if b.conn != conn || b.state != StateReady {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	b.setState(StateCrashed)
	pending := b.pending
	b.pending = make(map[string]*pendingCall)
	listeners := make([]func(error), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	conn.Close()
	err := inference.E(inference.KindWorkerCrashed, "worker", "inference worker crashed", cause)
	b.logger.Error("inference worker crashed", "error", cause, "pending", len(pending))

	// Listeners run first so that callers woken below see their state.
	for _, fn := range listeners {
		fn(err)
	}
	for _, call := range pending {
		call.result <- callResult{err: err}
	}
}

// =============================================================================
// REQUESTS
// =============================================================================

// Request sends req and waits for its terminal response. A missing id is
// filled with a UUID. Non-terminal responses go to onEvent. Error responses
// are returned as *inference.Error alongside the response.
func (b *Bridge) Request(ctx context.Context, req *protocol.Request, onEvent EventFunc) (*protocol.Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := protocol.ValidateRequest(req); err != nil {
		return nil, inference.E(inference.KindProtocol, string(req.Type), "invalid request", err)
	}
	frame, err := protocol.Encode(req)
	if err != nil {
		return nil, inference.E(inference.KindProtocol, string(req.Type), "", err)
	}

	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}

	call := &pendingCall{reqType: req.Type, onEvent: onEvent, result: make(chan callResult, 1)}
	b.mu.Lock()
	conn := b.conn
	if b.state != StateReady || conn == nil {
		b.mu.Unlock()
		return nil, inference.E(inference.KindWorkerCrashed, string(req.Type), "worker is not running", nil)
	}
	b.pending[req.ID] = call
	b.mu.Unlock()

	if err := conn.Send(frame); err != nil {
		b.forget(req.ID)
		b.crash(conn, err)
		return nil, inference.E(inference.KindWorkerCrashed, string(req.Type), "send to worker failed", err)
	}

	select {
	case r := <-call.result:
		return r.resp, r.err
	case <-ctx.Done():
		b.forget(req.ID)
		return nil, ctx.Err()
	}
}

// RequestIfRunning behaves like Request but returns (nil, nil) without
// spawning anything when no worker is ready.
func (b *Bridge) RequestIfRunning(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if b.State() != StateReady {
		return nil, nil
	}
	return b.Request(ctx, req, nil)
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Terminate shuts the worker down and resets all bridge state, including
// the initialization attempt counter. Pending calls fail with
// KindCancelled. A later request spawns a new worker.
func (b *Bridge) Terminate() {
	b.mu.Lock()
	conn := b.conn
	pending := b.pending
	b.conn = nil
	b.pending = make(map[string]*pendingCall)
	b.attempts = 0
	b.epoch++
	b.initErr = nil
	b.setState(StateTerminated)
	b.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	err := inference.E(inference.KindCancelled, "worker", "worker terminated", nil)
	for _, call := range pending {
		call.result <- callResult{err: err}
	}
}
