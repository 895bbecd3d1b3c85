// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// =============================================================================
// GPU TYPE DEFINITIONS
// =============================================================================

// GpuType represents the type of GPU detected on the system.
type GpuType int

const (
	// GpuTypeCPU indicates no dedicated GPU found, CPU-only mode.
	GpuTypeCPU GpuType = iota
	// GpuTypeNvidia indicates an NVIDIA GPU (CUDA-capable).
	GpuTypeNvidia
	// GpuTypeAmd indicates an AMD GPU (ROCm-capable).
	GpuTypeAmd
	// GpuTypeAppleSilicon indicates Apple Silicon with integrated GPU (Metal-capable).
	GpuTypeAppleSilicon
	// GpuTypeIntel indicates an Intel Arc discrete GPU.
	GpuTypeIntel
)

// String returns the string representation of the GPU type.
func (t GpuType) String() string {
	switch t {
	case GpuTypeNvidia:
		return "NVIDIA"
	case GpuTypeAmd:
		return "AMD"
	case GpuTypeAppleSilicon:
		return "Apple Silicon"
	case GpuTypeIntel:
		return "Intel Arc"
	case GpuTypeCPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// =============================================================================
// GPU INFO
// =============================================================================

// GpuInfo contains information about a detected GPU.
type GpuInfo struct {
	// Name of the GPU (e.g., "NVIDIA RTX 4090")
	Name string
	// VramGB is the available VRAM in gigabytes
	VramGB uint32
	// Driver version if available
	Driver string
	// Type is the type of GPU
	Type GpuType
}

// String returns a formatted string representation of the GPU info.
func (g *GpuInfo) String() string {
	s := fmt.Sprintf("%s (%dGB VRAM)", g.Name, g.VramGB)
	if g.Driver != "" {
		s += fmt.Sprintf(" [Driver: %s]", g.Driver)
	}
	return s
}

// VRAMBytes returns the VRAM size in bytes.
func (g *GpuInfo) VRAMBytes() int64 {
	return int64(g.VramGB) << 30
}

// =============================================================================
// ADAPTER PROBE
// =============================================================================

// ErrNoAdapter is returned when no GPU can be found.
var ErrNoAdapter = errors.New("no GPU adapter found")

// commandRunner runs an external tool and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// DetectGPUWithContext looks for a GPU using vendor tools, in order:
// NVIDIA (nvidia-smi), AMD (rocm-smi), Apple Silicon (system_profiler), then
// Intel Arc (intel_gpu_top). It returns ErrNoAdapter when none is found and
// ctx.Err() when ctx ends first.
func DetectGPUWithContext(ctx context.Context) (*GpuInfo, error) {
	return detectGPU(ctx, runCommand, runtime.GOOS)
}

// RequireGPU returns nil when DetectGPUWithContext finds an adapter.
func RequireGPU(ctx context.Context) error {
	_, err := DetectGPUWithContext(ctx)
	return err
}

func detectGPU(ctx context.Context, run commandRunner, goos string) (*GpuInfo, error) {
	probes := []func() *GpuInfo{
		func() *GpuInfo { return detectNvidia(ctx, run, goos) },
		func() *GpuInfo { return detectAmd(ctx, run, goos) },
		func() *GpuInfo { return detectAppleSilicon(ctx, run, goos) },
		func() *GpuInfo { return detectIntelArc(ctx, run) },
	}
	for _, probe := range probes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if info := probe(); info != nil {
			return info, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNoAdapter
}

// =============================================================================
// NVIDIA DETECTION
// =============================================================================

func detectNvidia(ctx context.Context, run commandRunner, goos string) *GpuInfo {
	for _, path := range nvidiaSmiPaths(goos) {
		output, err := run(ctx, path,
			"--query-gpu=name,memory.total,driver_version",
			"--format=csv,noheader,nounits")
		if err == nil {
			return parseNvidiaSmi(string(output))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// parseNvidiaSmi reads the first line of nvidia-smi CSV output.
func parseNvidiaSmi(output string) *GpuInfo {
	line := strings.TrimSpace(strings.Split(strings.TrimSpace(output), "\n")[0])
	parts := strings.Split(line, ", ")
	if len(parts) < 3 {
		return nil
	}

	// Memory is in MiB
	vramMB, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil
	}
	return &GpuInfo{
		Name:   "NVIDIA " + strings.TrimSpace(parts[0]),
		VramGB: uint32(vramMB/1024.0 + 0.5),
		Driver: strings.TrimSpace(parts[2]),
		Type:   GpuTypeNvidia,
	}
}

func nvidiaSmiPaths(goos string) []string {
	if goos == "windows" {
		return []string{
			"nvidia-smi",
			`C:\Windows\System32\nvidia-smi.exe`,
			`C:\Program Files\NVIDIA Corporation\NVSMI\nvidia-smi.exe`,
		}
	}
	return []string{"nvidia-smi"}
}

// =============================================================================
// AMD DETECTION
// =============================================================================

var amdNumericRegex = regexp.MustCompile(`(\d+)`)

func detectAmd(ctx context.Context, run commandRunner, goos string) *GpuInfo {
	if goos == "windows" {
		output, err := run(ctx, "powershell", "-NoProfile", "-Command",
			`$gpu = Get-CimInstance Win32_VideoController | Where-Object { $_.Name -like '*AMD*' -or $_.Name -like '*Radeon*' } | Select-Object -First 1; if ($gpu) { $gpu.Name }`)
		if err != nil {
			return nil
		}
		name := strings.TrimSpace(string(output))
		if name == "" {
			return nil
		}
		return &GpuInfo{Name: name, VramGB: 8, Type: GpuTypeAmd}
	}

	output, err := run(ctx, "rocm-smi", "--showproductname", "--showmeminfo", "vram")
	if err != nil {
		return nil
	}
	return parseRocmSmi(string(output))
}

// parseRocmSmi extracts the card name and VRAM from rocm-smi output. VRAM
// defaults to 8GB when it cannot be read.
func parseRocmSmi(output string) *GpuInfo {
	lines := strings.Split(output, "\n")

	name := "AMD GPU"
	for _, line := range lines {
		if strings.Contains(line, "Card series:") || strings.Contains(line, "Card Series:") {
			if card := strings.TrimSpace(line[strings.LastIndex(line, ":")+1:]); card != "" {
				name = "AMD " + card
			}
			break
		}
	}

	vramGB := uint32(8)
	for _, line := range lines {
		if !strings.Contains(line, "Total Memory") && !strings.Contains(line, "VRAM Total") {
			continue
		}
		// Skip the "(B)" unit marker and take the value after the last colon.
		value := line[strings.LastIndex(line, ":")+1:]
		if m := amdNumericRegex.FindStringSubmatch(value); len(m) > 1 {
			if val, err := strconv.ParseUint(m[1], 10, 64); err == nil {
				switch {
				case val > 1_000_000_000:
					vramGB = uint32(val / 1_073_741_824)
				case val > 1_000_000:
					vramGB = uint32(val / 1024)
				default:
					vramGB = uint32(val)
				}
			}
		}
		break
	}

	return &GpuInfo{Name: name, VramGB: vramGB, Type: GpuTypeAmd}
}

// =============================================================================
// APPLE SILICON DETECTION
// =============================================================================

var appleChips = []string{
	"M4 Ultra", "M4 Max", "M4 Pro", "M4",
	"M3 Ultra", "M3 Max", "M3 Pro", "M3",
	"M2 Ultra", "M2 Max", "M2 Pro", "M2",
	"M1 Ultra", "M1 Max", "M1 Pro", "M1",
}

func detectAppleSilicon(ctx context.Context, run commandRunner, goos string) *GpuInfo {
	if goos != "darwin" {
		return nil
	}
	output, err := run(ctx, "system_profiler", "SPDisplaysDataType", "-json")
	if err != nil {
		return nil
	}
	info := parseAppleDisplays(string(output))
	if info == nil {
		return nil
	}

	// Unified memory is shared with the GPU
	if out, err := run(ctx, "sysctl", "-n", "hw.memsize"); err == nil {
		if bytes, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64); err == nil {
			info.VramGB = uint32(bytes / 1_073_741_824)
		}
	}
	if out, err := run(ctx, "sw_vers", "-productVersion"); err == nil {
		info.Driver = "macOS " + strings.TrimSpace(string(out))
	}
	return info
}

func parseAppleDisplays(output string) *GpuInfo {
	if !strings.Contains(output, "Apple") {
		return nil
	}
	name := "Apple Silicon"
	for _, chip := range appleChips {
		if strings.Contains(output, chip) {
			name = "Apple " + chip
			break
		}
	}
	return &GpuInfo{Name: name, VramGB: 8, Type: GpuTypeAppleSilicon}
}

// =============================================================================
// INTEL ARC DETECTION
// =============================================================================

var intelArcModels = []struct {
	id     string
	name   string
	vramGB uint32
}{
	{"a770", "Intel Arc A770", 16},
	{"a750", "Intel Arc A750", 8},
	{"a580", "Intel Arc A580", 8},
	{"a380", "Intel Arc A380", 6},
	{"a310", "Intel Arc A310", 4},
}

func detectIntelArc(ctx context.Context, run commandRunner) *GpuInfo {
	output, err := run(ctx, "intel_gpu_top", "-L")
	if err != nil {
		return nil
	}
	return parseIntelGpuTop(string(output))
}

func parseIntelGpuTop(output string) *GpuInfo {
	lower := strings.ToLower(output)
	if !strings.Contains(lower, "arc") {
		return nil
	}
	for _, m := range intelArcModels {
		if strings.Contains(lower, m.id) {
			return &GpuInfo{Name: m.name, VramGB: m.vramGB, Type: GpuTypeIntel}
		}
	}
	return &GpuInfo{Name: "Intel Arc", VramGB: 8, Type: GpuTypeIntel}
}
