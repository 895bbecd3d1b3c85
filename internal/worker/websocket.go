// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// =============================================================================
// WEBSOCKET CONN
// =============================================================================

// wsConn adapts a websocket to Conn. gorilla/websocket allows one
// concurrent writer, so Send is serialized.
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{conn: c}
}

func (w *wsConn) Send(frame []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (w *wsConn) Recv() ([]byte, error) {
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				return nil, io.EOF
			}
			return nil, err
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

// =============================================================================
// CLIENT SIDE
// =============================================================================

// WebSocketSpawner connects to a worker process served by Handler. Each
// spawn opens a new connection, and the serving side creates a fresh
// runtime for it.
type WebSocketSpawner struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// Spawn dials the worker endpoint.
func (s *WebSocketSpawner) Spawn(ctx context.Context) (Conn, error) {
	if _, err := url.Parse(s.URL); err != nil {
		return nil, fmt.Errorf("worker url: %w", err)
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: DefaultReadyTimeout}
	}
	c, _, err := dialer.DialContext(ctx, s.URL, s.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	return newWSConn(c), nil
}

// =============================================================================
// SERVER SIDE
// =============================================================================

// Handler serves one worker Host per websocket connection. Browser origins
// are refused; only clients that send no Origin header (the leaf CLI) may
// connect.
func Handler(newRuntime func() Runtime, cfg HostConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return r.Header.Get("Origin") == ""
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("worker upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		conn := newWSConn(c)
		defer conn.Close()

		logger.Info("worker session started", "remote", r.RemoteAddr)
		host := NewHost(newRuntime(), cfg)
		if err := host.Serve(context.Background(), conn); err != nil {
			logger.Warn("worker session ended with error", "remote", r.RemoteAddr, "error", err)
			return
		}
		logger.Info("worker session ended", "remote", r.RemoteAddr)
	})
}
