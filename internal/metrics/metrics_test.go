// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveLoad("fallback", time.Second, nil)
	m.ObserveGeneration("fallback", time.Second, 0, 3, nil)
	m.WorkerTransition("ready", "crashed")
	m.SetBackend("fallback")
}

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveLoad("accelerated", 2*time.Second, nil)
	m.ObserveLoad("accelerated", 0, errors.New("x"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelLoadsTotal.WithLabelValues("accelerated", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelLoadsTotal.WithLabelValues("accelerated", "error")))

	m.ObserveGeneration("accelerated", time.Second, 100*time.Millisecond, 7, nil)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues("accelerated")))

	m.WorkerTransition("ready", "crashed")
	m.WorkerTransition("crashed", "initializing")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerCrashesTotal))

	m.SetBackend("fallback", "accelerated", "fallback")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DetectedBackend.WithLabelValues("fallback")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DetectedBackend.WithLabelValues("accelerated")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
