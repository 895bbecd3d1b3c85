// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes Prometheus collectors for model loads,
// generations, and the inference worker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups leaf's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	ModelLoadsTotal        *prometheus.CounterVec
	ModelLoadDuration      *prometheus.HistogramVec
	GenerationsTotal       *prometheus.CounterVec
	GenerationDuration     *prometheus.HistogramVec
	TimeToFirstToken       *prometheus.HistogramVec
	TokensTotal            *prometheus.CounterVec
	WorkerStateTransitions *prometheus.CounterVec
	WorkerCrashesTotal     prometheus.Counter
	DetectedBackend        *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which suits tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ModelLoadsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaf_model_loads_total",
				Help: "Total model loads",
			},
			[]string{"backend", "result"},
		),
		ModelLoadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leaf_model_load_duration_seconds",
				Help:    "Model load duration",
				Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"backend"},
		),
		GenerationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaf_generations_total",
				Help: "Total generations",
			},
			[]string{"backend", "result"},
		),
		GenerationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leaf_generation_duration_seconds",
				Help:    "Generation duration",
				Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"backend"},
		),
		TimeToFirstToken: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leaf_time_to_first_token_seconds",
				Help:    "Latency from request to first streamed token",
				Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
			},
			[]string{"backend"},
		),
		TokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaf_streamed_tokens_total",
				Help: "Total streamed token fragments",
			},
			[]string{"backend"},
		),
		WorkerStateTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaf_worker_state_transitions_total",
				Help: "Inference worker lifecycle transitions",
			},
			[]string{"from", "to"},
		),
		WorkerCrashesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "leaf_worker_crashes_total",
				Help: "Total inference worker crashes",
			},
		),
		DetectedBackend: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "leaf_detected_backend",
				Help: "1 for the inference backend selected by detection",
			},
			[]string{"backend"},
		),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveLoad records a finished model load.
func (m *Metrics) ObserveLoad(backend string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ModelLoadsTotal.WithLabelValues(backend, result(err)).Inc()
	if err == nil {
		m.ModelLoadDuration.WithLabelValues(backend).Observe(d.Seconds())
	}
}

// ObserveGeneration records a finished generation. ttft is zero when no
// token was streamed.
func (m *Metrics) ObserveGeneration(backend string, d, ttft time.Duration, tokens int, err error) {
	if m == nil {
		return
	}
	m.GenerationsTotal.WithLabelValues(backend, result(err)).Inc()
	m.GenerationDuration.WithLabelValues(backend).Observe(d.Seconds())
	if ttft > 0 {
		m.TimeToFirstToken.WithLabelValues(backend).Observe(ttft.Seconds())
	}
	if tokens > 0 {
		m.TokensTotal.WithLabelValues(backend).Add(float64(tokens))
	}
}

// WorkerTransition records a worker state change.
func (m *Metrics) WorkerTransition(from, to string) {
	if m == nil {
		return
	}
	m.WorkerStateTransitions.WithLabelValues(from, to).Inc()
	if to == "crashed" {
		m.WorkerCrashesTotal.Inc()
	}
}

// SetBackend marks backend as the selected one.
func (m *Metrics) SetBackend(backend string, all ...string) {
	if m == nil {
		return
	}
	for _, b := range all {
		m.DetectedBackend.WithLabelValues(b).Set(0)
	}
	m.DetectedBackend.WithLabelValues(backend).Set(1)
}
