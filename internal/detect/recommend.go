// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"runtime"
	"sort"

	"github.com/jeranaias/leaf/internal/catalog"
	"github.com/jeranaias/leaf/internal/inference"
)

// =============================================================================
// MODEL RECOMMENDATION
// =============================================================================

// vramHeadroom is the share of VRAM a model may use, leaving room for the
// KV cache and the desktop.
const vramHeadroom = 0.8

// WillModelFit reports whether m fits the GPU's memory. Models without a
// VRAM estimate always fit.
func WillModelFit(m catalog.ModelDescriptor, gpu *GpuInfo) bool {
	if gpu == nil || m.VRAMBytes <= 0 {
		return true
	}
	return float64(m.VRAMBytes) <= float64(gpu.VRAMBytes())*vramHeadroom
}

// RecommendModel picks a model for info. On the accelerated engine it
// prefers the catalog's recommended model when it fits, then the largest
// model that fits. Otherwise it returns the engine's recommended model.
func RecommendModel(info EngineInfo) (catalog.ModelDescriptor, bool) {
	rec, ok := catalog.Recommended(info.Backend)
	if info.Backend != inference.BackendAccelerated || info.GPU == nil {
		return rec, ok
	}
	if ok && WillModelFit(rec, info.GPU) {
		return rec, true
	}

	fits := make([]catalog.ModelDescriptor, 0)
	for _, m := range catalog.Models(info.Backend) {
		if m.AvailableOn(runtime.GOOS) && WillModelFit(m, info.GPU) {
			fits = append(fits, m)
		}
	}
	if len(fits) == 0 {
		return rec, ok
	}
	sort.SliceStable(fits, func(i, j int) bool {
		return fits[i].VRAMBytes > fits[j].VRAMBytes
	})
	return fits[0], true
}
