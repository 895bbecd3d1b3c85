// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultPersistInterval is the minimum spacing between snapshot writes.
const DefaultPersistInterval = 500 * time.Millisecond

// Saver writes snapshots to durable storage.
type Saver interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
}

// PersisterOptions configures a Persister.
type PersisterOptions struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// Persister snapshots a Store after mutations. Bursts of mutations are
// coalesced and writes are spaced at least Interval apart. A crash between
// a mutation and the next write loses that mutation.
type Persister struct {
	store   *Store
	saver   Saver
	limiter *rate.Limiter
	logger  *slog.Logger

	dirty   atomic.Bool
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	unsub   func()
	closeMu sync.Once
	saveMu  sync.Mutex
}

// NewPersister starts persisting s through saver until Close.
func NewPersister(s *Store, saver Saver, opts PersisterOptions) *Persister {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPersistInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Persister{
		store:   s,
		saver:   saver,
		limiter: rate.NewLimiter(rate.Every(opts.Interval), 1),
		logger:  logger.With("component", "persister"),
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	p.unsub = s.Subscribe(p.markDirty)
	go p.loop(ctx)
	return p
}

func (p *Persister) markDirty() {
	p.dirty.Store(true)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Persister) loop(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		if err := p.Flush(ctx); err != nil {
			p.logger.Warn("snapshot write failed", "error", err)
		}
	}
}

// Flush writes a snapshot now if anything changed since the last write.
func (p *Persister) Flush(ctx context.Context) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	if !p.dirty.Swap(false) {
		return nil
	}
	if err := p.saver.SaveSnapshot(ctx, p.store.Snapshot()); err != nil {
		p.dirty.Store(true)
		return err
	}
	return nil
}

// Close stops the background writer and flushes pending changes.
func (p *Persister) Close() error {
	var err error
	p.closeMu.Do(func() {
		p.unsub()
		p.cancel()
		<-p.done
		err = p.Flush(context.Background())
	})
	return err
}
