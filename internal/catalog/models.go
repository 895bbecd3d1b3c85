// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"fmt"
	"sort"

	"github.com/jeranaias/leaf/internal/inference"
)

// =============================================================================
// MODEL DESCRIPTORS
// =============================================================================

// PlatformRestriction limits where a model is offered.
type PlatformRestriction string

const (
	PlatformAny     PlatformRestriction = ""
	PlatformIOSOnly PlatformRestriction = "ios-only"
)

// ModelDescriptor describes a loadable model.
type ModelDescriptor struct {
	ID            string
	Name          string
	Description   string
	SizeBytes     int64
	ContextWindow int
	VRAMBytes     int64
	Recommended   bool
	Platform      PlatformRestriction

	// Tag is the runtime artifact loaded for this id.
	Tag string
}

// SizeLabel formats SizeBytes the way the model picker shows it ("~600MB").
func (m ModelDescriptor) SizeLabel() string {
	const (
		mb = 1 << 20
		gb = 1 << 30
	)
	switch {
	case m.SizeBytes >= gb:
		return fmt.Sprintf("~%.1fGB", float64(m.SizeBytes)/gb)
	case m.SizeBytes > 0:
		return fmt.Sprintf("~%dMB", m.SizeBytes/mb)
	}
	return "unknown"
}

// AvailableOn reports whether the model may be offered on goos.
func (m ModelDescriptor) AvailableOn(goos string) bool {
	if m.Platform == PlatformIOSOnly {
		return goos == "ios"
	}
	return true
}

const mib = 1 << 20

// DefaultAcceleratedModel is the preferred model for a fresh install.
const DefaultAcceleratedModel = "Llama-3.2-3B-Instruct-q4f16_1-MLC"

// FallbackAcceleratedModel is offered when the default is too large for
// the detected adapter.
const FallbackAcceleratedModel = "Phi-3.5-mini-instruct-q4f16_1-MLC"

var accelerated = []ModelDescriptor{
	{
		ID:            "Llama-3.2-3B-Instruct-q4f16_1-MLC",
		Name:          "Llama 3.2 3B",
		Description:   "Balanced quality and speed for everyday chat",
		SizeBytes:     1900 * mib,
		ContextWindow: 4096,
		VRAMBytes:     2300 * mib,
		Recommended:   true,
		Tag:           "llama3.2:3b",
	},
	{
		ID:            "Llama-3.2-1B-Instruct-q4f16_1-MLC",
		Name:          "Llama 3.2 1B",
		Description:   "Small and quick, good for older GPUs",
		SizeBytes:     880 * mib,
		ContextWindow: 4096,
		VRAMBytes:     1100 * mib,
		Tag:           "llama3.2:1b",
	},
	{
		ID:            "Phi-3.5-mini-instruct-q4f16_1-MLC",
		Name:          "Phi 3.5 Mini",
		Description:   "Strong reasoning for its size",
		SizeBytes:     2200 * mib,
		ContextWindow: 4096,
		VRAMBytes:     3600 * mib,
		Tag:           "phi3.5:3.8b",
	},
	{
		ID:            "gemma-2-2b-it-q4f16_1-MLC",
		Name:          "Gemma 2 2B",
		Description:   "Google Gemma tuned for instructions",
		SizeBytes:     1600 * mib,
		ContextWindow: 4096,
		VRAMBytes:     1900 * mib,
		Tag:           "gemma2:2b",
	},
	{
		ID:            "gemma-3-1b-it-q4f16_1-MLC",
		Name:          "Gemma 3 1B",
		Description:   "Compact build for constrained devices",
		SizeBytes:     710 * mib,
		ContextWindow: 4096,
		VRAMBytes:     650 * mib,
		Platform:      PlatformIOSOnly,
		Tag:           "gemma3:1b",
	},
}

var fallback = []ModelDescriptor{
	{
		ID:            "Xenova/TinyLlama-1.1B-Chat-v1.0",
		Name:          "TinyLlama 1.1B",
		Description:   "Fast, lightweight model for CPU-only devices",
		SizeBytes:     600 * mib,
		ContextWindow: 2048,
		Recommended:   true,
		Tag:           "tinyllama:1.1b",
	},
	{
		ID:            "Xenova/Phi-1_5-quantized",
		Name:          "Phi 1.5 (Quantized)",
		Description:   "Microsoft Phi model, good quality",
		SizeBytes:     800 * mib,
		ContextWindow: 2048,
		Tag:           "phi:2.7b",
	},
	{
		ID:            "Xenova/Qwen1.5-0.5B-Chat-quantized",
		Name:          "Qwen 0.5B",
		Description:   "Smallest model, fastest download",
		SizeBytes:     300 * mib,
		ContextWindow: 2048,
		Tag:           "qwen:0.5b",
	},
}

// =============================================================================
// LOOKUP
// =============================================================================

// Models returns a copy of the catalog for backend.
func Models(backend inference.BackendKind) []ModelDescriptor {
	var src []ModelDescriptor
	switch backend {
	case inference.BackendAccelerated:
		src = accelerated
	case inference.BackendFallback:
		src = fallback
	default:
		return nil
	}
	out := make([]ModelDescriptor, len(src))
	copy(out, src)
	return out
}

// ModelsFor returns the catalog for backend filtered to goos, recommended
// models first.
func ModelsFor(backend inference.BackendKind, goos string) []ModelDescriptor {
	all := Models(backend)
	out := all[:0]
	for _, m := range all {
		if m.AvailableOn(goos) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Recommended && !out[j].Recommended
	})
	return out
}

// Lookup finds a model by id in backend's catalog.
func Lookup(backend inference.BackendKind, id string) (ModelDescriptor, bool) {
	for _, m := range Models(backend) {
		if m.ID == id {
			return m, true
		}
	}
	return ModelDescriptor{}, false
}

// BackendOf reports which catalog contains id.
func BackendOf(id string) inference.BackendKind {
	if _, ok := Lookup(inference.BackendAccelerated, id); ok {
		return inference.BackendAccelerated
	}
	if _, ok := Lookup(inference.BackendFallback, id); ok {
		return inference.BackendFallback
	}
	return inference.BackendNone
}

// Recommended returns the recommended model for backend.
func Recommended(backend inference.BackendKind) (ModelDescriptor, bool) {
	for _, m := range Models(backend) {
		if m.Recommended {
			return m, true
		}
	}
	return ModelDescriptor{}, false
}
