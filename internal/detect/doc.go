// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package detect decides which inference engine leaf should use.
//
// A Prober runs once per session (until Reset) and always returns an
// answer. Mobile platforms go straight to the CPU engine. Elsewhere a GPU
// adapter must be found within DefaultAdapterTimeout, and the inference
// worker must then confirm support within DefaultConfirmTimeout. Any
// failure along the way selects the CPU engine.
//
// # Supported GPU Types
//
//   - NVIDIA (via nvidia-smi)
//   - AMD (via rocm-smi on Linux, WMI on Windows)
//   - Apple Silicon (via system_profiler on macOS)
//   - Intel Arc (via intel_gpu_top)
//
// # Usage
//
//	prober := detect.NewProber(detect.Options{Confirmer: accelBackend})
//	info := prober.Detect(ctx)
//	fmt.Println(info.DisplayName, info.Description)
//	if m, ok := detect.RecommendModel(info); ok {
//		fmt.Println("suggested model:", m.Name)
//	}
package detect
