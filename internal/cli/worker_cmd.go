// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jeranaias/leaf/internal/config"
	"github.com/jeranaias/leaf/internal/offline"
	"github.com/jeranaias/leaf/internal/worker"
)

const shutdownTimeout = 5 * time.Second

func (a *app) workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the inference worker as a separate process",
	}
	cmd.AddCommand(a.workerServeCmd())
	return cmd
}

func (a *app) workerServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the inference worker over WebSocket",
		Long: `Serve the inference worker over WebSocket. A leaf configured with
worker.mode = "websocket" connects to it at worker.url.

Each connection gets its own runtime. /healthz reports liveness and
/metrics exposes Prometheus metrics. Changes to the config file are
applied without a restart where possible.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			if listen == "" {
				listen = a.cfg.Worker.ListenAddr
			}
			if a.guard.Enabled() && !offline.IsLocalhost(listen) {
				return fmt.Errorf("listen address %s: %w", listen, offline.ErrNonLocalhost)
			}
			client, err := a.runtimeClient()
			if err != nil {
				return err
			}

			if w, err := a.watchConfig(); err != nil {
				a.logger.Warn("config hot reload disabled", "error", err)
			} else {
				defer w.Close()
			}

			a.registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			srv := &http.Server{
				Handler:           newWorkerRouter(a.newRuntime(client), a.registry, a.logger),
				ReadHeaderTimeout: 10 * time.Second,
				IdleTimeout:       120 * time.Second,
			}
			return serve(ctx, srv, ln, a.logger)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "address to listen on (default worker.listen_addr)")
	return cmd
}

// serve runs srv on ln until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("worker listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("worker shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// watchConfig applies config file changes to the running process: the log
// level, the privacy flag and the global config.
func (a *app) watchConfig() (*config.Watcher, error) {
	path := a.configPath
	if path == "" {
		p, err := config.ConfigPathTOML()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return config.Watch(path, func(cfg *config.Config) {
		if a.verbose {
			cfg.Logging.Level = "debug"
		}
		a.levels.Set(cfg.Logging.Level)
		a.guard.SetEnabled(cfg.Privacy.Enforce || a.privacy)
		config.SetGlobal(cfg)
	}, a.logger)
}

// =============================================================================
// ROUTER
// =============================================================================

// newWorkerRouter routes /ws to a fresh worker host per connection.
func newWorkerRouter(newRuntime func() worker.Runtime, reg *prometheus.Registry, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": Version})
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Handle("/ws", worker.Handler(newRuntime, worker.HostConfig{Logger: logger}))
	return r
}

// requestLogger logs each request at debug level with its status and
// duration.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		})
	}
}
