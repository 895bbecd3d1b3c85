// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jeranaias/leaf/internal/accel"
	"github.com/jeranaias/leaf/internal/config"
	"github.com/jeranaias/leaf/internal/detect"
	"github.com/jeranaias/leaf/internal/engine"
	"github.com/jeranaias/leaf/internal/fallback"
	"github.com/jeranaias/leaf/internal/metrics"
	"github.com/jeranaias/leaf/internal/offline"
	"github.com/jeranaias/leaf/internal/ollama"
	"github.com/jeranaias/leaf/internal/storage"
	"github.com/jeranaias/leaf/internal/store"
	"github.com/jeranaias/leaf/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// APP
// =============================================================================

// app carries what commands share. The store and the engine are opened on
// first use and released by close.
type app struct {
	configPath string
	verbose    bool
	privacy    bool

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	cfg      *config.Config
	logger   *slog.Logger
	levels   *config.Levels
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	guard    *offline.Guard

	store     *store.Store
	snapshots *storage.Snapshots
	persister *store.Persister
	engine    *engine.Engine

	// closers run in reverse order.
	closers []func() error
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{
		in:     in,
		out:    out,
		errOut: errOut,
		logger: slog.New(slog.DiscardHandler),
	}
}

// setup loads the configuration and the logger. It runs before every
// command except version.
func (a *app) setup() error {
	if a.cfg != nil {
		return nil
	}

	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.LoadFromPath(a.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if a.privacy {
		cfg.Privacy.Enforce = true
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	config.SetGlobal(cfg)
	a.cfg = cfg

	logFile, err := cfg.LogFile()
	if err != nil {
		return err
	}
	logger, levels, closeLog := config.SetupLogger(cfg.Logging, logFile)
	a.logger = logger
	a.levels = levels
	a.closers = append(a.closers, closeLog)

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)
	a.guard = offline.NewGuard(cfg.Privacy.Enforce)
	return nil
}

// close releases everything the command opened, newest first.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}

// =============================================================================
// STORE
// =============================================================================

// openStore opens the snapshot storage, restores the saved state and starts
// the persister.
func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}

	dir, err := a.cfg.DataDir()
	if err != nil {
		return nil, err
	}
	kv, err := storage.OpenKV(a.cfg.Storage.Backend, dir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	snaps, err := storage.Open(ctx, kv, a.logger)
	if err != nil {
		kv.Close()
		return nil, err
	}
	a.closers = append(a.closers, snaps.Close)

	s := store.New(store.Options{Logger: a.logger})
	snap, ok, err := snaps.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	if ok {
		s.Restore(snap)
	}

	p := store.NewPersister(s, snaps, store.PersisterOptions{Logger: a.logger})
	a.closers = append(a.closers, p.Close)

	// Without enforcement the saved setting decides privacy mode.
	if !a.cfg.Privacy.Enforce {
		stop := a.guard.Follow(s)
		a.closers = append(a.closers, func() error { stop(); return nil })
	}

	a.store, a.snapshots, a.persister = s, snaps, p
	return s, nil
}

// =============================================================================
// ENGINE
// =============================================================================

// runtimeClient returns a runtime client whose every request passes the
// privacy guard.
func (a *app) runtimeClient() (*ollama.Client, error) {
	if err := a.guard.CheckURL(a.cfg.Runtime.URL); err != nil {
		return nil, fmt.Errorf("runtime.url: %w", err)
	}
	return ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL:   a.cfg.Runtime.URL,
		Timeout:   a.cfg.RequestTimeout(),
		KeepAlive: a.cfg.Runtime.KeepAlive,
		Transport: a.guard.Transport(nil),
	}), nil
}

// newRuntime returns a factory for the accelerated runtime a worker hosts.
func (a *app) newRuntime(client *ollama.Client) func() worker.Runtime {
	return func() worker.Runtime {
		return accel.NewOllamaRuntime(accel.RuntimeConfig{
			Client:  client,
			Adapter: detect.RequireGPU,
			Logger:  a.logger,
		})
	}
}

func (a *app) spawner(client *ollama.Client) (worker.Spawner, error) {
	switch a.cfg.Worker.Mode {
	case config.WorkerModeWebSocket:
		if err := a.guard.CheckURL(a.cfg.Worker.URL); err != nil {
			return nil, fmt.Errorf("worker.url: %w", err)
		}
		return &worker.WebSocketSpawner{URL: a.cfg.Worker.URL}, nil
	case config.WorkerModePipe, "":
		return &worker.PipeSpawner{NewRuntime: a.newRuntime(client), Logger: a.logger}, nil
	}
	return nil, fmt.Errorf("unknown worker mode %q", a.cfg.Worker.Mode)
}

// openEngine wires both backends behind the engine. Nothing is probed or
// spawned until the engine is first used.
func (a *app) openEngine() (*engine.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}

	client, err := a.runtimeClient()
	if err != nil {
		return nil, err
	}
	spawner, err := a.spawner(client)
	if err != nil {
		return nil, err
	}

	bridge := worker.NewBridge(spawner, worker.Config{
		ReadyTimeout:    a.cfg.ReadyTimeout(),
		MaxInitAttempts: a.cfg.Worker.MaxInitAttempts,
		Logger:          a.logger,
		OnStateChange: func(from, to worker.State) {
			a.metrics.WorkerTransition(from.String(), to.String())
		},
	})
	accelerated := accel.NewBackend(bridge, a.logger)
	cpu := fallback.NewBackend(fallback.Options{
		Factory:     &fallback.LangChainFactory{Client: client, HTTPClient: a.guard.HTTPClient()},
		LoadTimeout: a.cfg.LoadTimeout(),
		Logger:      a.logger,
	})

	a.engine = engine.New(engine.Options{
		Prober:      detect.NewProber(detect.Options{Confirmer: accelerated, Logger: a.logger}),
		Accelerated: accelerated,
		Fallback:    cpu,
		Logger:      a.logger,
		Metrics:     a.metrics,
	})
	a.closers = append(a.closers, a.engine.Close)
	return a.engine, nil
}

// =============================================================================
// OUTPUT
// =============================================================================

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *app) println(args ...any) {
	fmt.Fprintln(a.out, args...)
}

// warnf writes a styled warning to the error stream.
func (a *app) warnf(format string, args ...any) {
	fmt.Fprintln(a.errOut, WarningStyle.Render(fmt.Sprintf(format, args...)))
}

// errNotFound is returned when an id or prefix matches nothing.
var errNotFound = errors.New("not found")
