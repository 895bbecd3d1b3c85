// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// CPUFeatures lists the SIMD extensions the CPU engine can use.
func CPUFeatures() []string {
	var features []string
	add := func(ok bool, name string) {
		if ok {
			features = append(features, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		add(cpu.X86.HasSSE41, "SSE4.1")
		add(cpu.X86.HasSSE42, "SSE4.2")
		add(cpu.X86.HasAVX, "AVX")
		add(cpu.X86.HasAVX2, "AVX2")
		add(cpu.X86.HasFMA, "FMA")
		add(cpu.X86.HasAVX512F, "AVX-512")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "NEON")
		add(cpu.ARM64.HasASIMDDP, "DotProd")
		add(cpu.ARM64.HasSVE, "SVE")
	}
	return features
}

// describeCPU builds the fallback description shown to users.
func describeCPU(features []string) string {
	desc := "Runs on the CPU. Slower, but works everywhere."
	if len(features) > 0 {
		desc += " Using " + strings.Join(features, ", ") + "."
	}
	return desc
}
