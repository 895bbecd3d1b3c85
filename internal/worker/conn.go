// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Send on a closed Conn.
var ErrClosed = errors.New("worker: connection closed")

// Conn carries encoded protocol frames between the bridge and a host.
// Send may be called concurrently with Recv; Recv has a single reader.
// After Close, Recv returns io.EOF.
type Conn interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	Close() error
}

// Spawner starts a new worker and returns the bridge's end of its Conn.
type Spawner interface {
	Spawn(ctx context.Context) (Conn, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context) (Conn, error)

// Spawn calls f.
func (f SpawnerFunc) Spawn(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// =============================================================================
// IN-PROCESS PIPE
// =============================================================================

const pipeBuffer = 64

type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-memory Conns. Closing either end closes
// both. Frames are copied on Send, so neither side can mutate the other's
// data.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{in: ba, out: ab, done: done, once: once},
		&pipeEnd{in: ab, out: ba, done: done, once: once}
}

func (p *pipeEnd) Send(frame []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case p.out <- buf:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipeEnd) Recv() ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// PipeSpawner runs each worker as a goroutine in this process. Every spawn
// gets a fresh Runtime, so a crashed worker leaves no state behind.
type PipeSpawner struct {
	NewRuntime func() Runtime
	Host       HostConfig
	Logger     *slog.Logger
}

// Spawn starts a host goroutine and returns the bridge end of its pipe.
func (s *PipeSpawner) Spawn(ctx context.Context) (Conn, error) {
	if s.NewRuntime == nil {
		return nil, errors.New("worker: PipeSpawner has no runtime factory")
	}
	cfg := s.Host
	if cfg.Logger == nil {
		cfg.Logger = s.Logger
	}
	bridgeEnd, hostEnd := Pipe()
	host := NewHost(s.NewRuntime(), cfg)
	go host.Serve(context.Background(), hostEnd)
	return bridgeEnd, nil
}
