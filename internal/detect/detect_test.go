// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/leaf/internal/catalog"
	"github.com/jeranaias/leaf/internal/inference"
)

// =============================================================================
// GPU TYPE TESTS
// =============================================================================

func TestGpuType_String(t *testing.T) {
	tests := []struct {
		gpuType GpuType
		want    string
	}{
		{GpuTypeCPU, "CPU"},
		{GpuTypeNvidia, "NVIDIA"},
		{GpuTypeAmd, "AMD"},
		{GpuTypeAppleSilicon, "Apple Silicon"},
		{GpuTypeIntel, "Intel Arc"},
		{GpuType(99), "Unknown"},
	}

	for _, tc := range tests {
		got := tc.gpuType.String()
		if got != tc.want {
			t.Errorf("GpuType(%d).String() = %q, want %q", tc.gpuType, got, tc.want)
		}
	}
}

func TestGpuInfo_String(t *testing.T) {
	tests := []struct {
		info *GpuInfo
		want string
	}{
		{
			&GpuInfo{Name: "NVIDIA RTX 4090", VramGB: 24, Type: GpuTypeNvidia},
			"NVIDIA RTX 4090 (24GB VRAM)",
		},
		{
			&GpuInfo{Name: "NVIDIA RTX 4090", VramGB: 24, Driver: "535.154.05", Type: GpuTypeNvidia},
			"NVIDIA RTX 4090 (24GB VRAM) [Driver: 535.154.05]",
		},
	}

	for _, tc := range tests {
		got := tc.info.String()
		if got != tc.want {
			t.Errorf("GpuInfo.String() = %q, want %q", got, tc.want)
		}
	}
}

// =============================================================================
// PARSER TESTS
// =============================================================================

func TestParseNvidiaSmi(t *testing.T) {
	info := parseNvidiaSmi("RTX 4090, 24564, 535.154.05\nRTX 3060, 12288, 535.154.05\n")
	require.NotNil(t, info)
	assert.Equal(t, "NVIDIA RTX 4090", info.Name)
	assert.Equal(t, uint32(24), info.VramGB)
	assert.Equal(t, "535.154.05", info.Driver)
	assert.Equal(t, GpuTypeNvidia, info.Type)

	assert.Nil(t, parseNvidiaSmi("garbage"))
	assert.Nil(t, parseNvidiaSmi("RTX, lots, 1"))
}

func TestParseRocmSmi(t *testing.T) {
	out := strings.Join([]string{
		"GPU[0]		: Card series:		Radeon RX 7900 XTX",
		"GPU[0]		: VRAM Total Memory (B): 25753026560",
	}, "\n")
	info := parseRocmSmi(out)
	require.NotNil(t, info)
	assert.Equal(t, "AMD Radeon RX 7900 XTX", info.Name)
	assert.Equal(t, uint32(23), info.VramGB)

	assert.Equal(t, uint32(8), parseRocmSmi("nothing useful").VramGB)
}

func TestParseIntelAndApple(t *testing.T) {
	assert.Nil(t, parseIntelGpuTop("card0 Intel UHD Graphics"))
	assert.Equal(t, "Intel Arc A770", parseIntelGpuTop("card0 Intel Arc A770 Graphics").Name)
	assert.Equal(t, uint32(16), parseIntelGpuTop("Intel Arc A770").VramGB)

	assert.Nil(t, parseAppleDisplays(`{"SPDisplaysDataType":[{"sppci_model":"Radeon Pro"}]}`))
	assert.Equal(t, "Apple M3 Max", parseAppleDisplays(`{"sppci_model":"Apple M3 Max"}`).Name)
}

func TestDetectGPU_ProbeOrder(t *testing.T) {
	var calls []string
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, name)
		if name == "rocm-smi" {
			return []byte("Card series: Radeon RX 6800"), nil
		}
		return nil, errors.New("not found")
	}
	info, err := detectGPU(context.Background(), run, "linux")
	require.NoError(t, err)
	assert.Equal(t, GpuTypeAmd, info.Type)
	assert.Equal(t, []string{"nvidia-smi", "rocm-smi"}, calls)
}

func TestDetectGPU_NoAdapter(t *testing.T) {
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("not found")
	}
	_, err := detectGPU(context.Background(), run, "linux")
	assert.ErrorIs(t, err, ErrNoAdapter)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = detectGPU(ctx, run, "linux")
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// PROBER TESTS
// =============================================================================

var testGPU = &GpuInfo{Name: "NVIDIA RTX 4090", VramGB: 24, Type: GpuTypeNvidia}

func gpuAdapter(gpu *GpuInfo, err error) func(context.Context) (*GpuInfo, error) {
	return func(context.Context) (*GpuInfo, error) { return gpu, err }
}

func TestProber_AlwaysResolves(t *testing.T) {
	slowAdapter := func(ctx context.Context) (*GpuInfo, error) {
		time.Sleep(200 * time.Millisecond) // ignores ctx on purpose
		return testGPU, nil
	}
	slowConfirm := ConfirmerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	tests := []struct {
		name string
		opts Options
		want inference.BackendKind
	}{
		{"mobile short-circuits", Options{GOOS: "android", Adapter: gpuAdapter(testGPU, nil)}, inference.BackendFallback},
		{"ios short-circuits", Options{GOOS: "ios", Adapter: gpuAdapter(testGPU, nil)}, inference.BackendFallback},
		{"adapter error", Options{Adapter: gpuAdapter(nil, errors.New("boom"))}, inference.BackendFallback},
		{"nil adapter result", Options{Adapter: gpuAdapter(nil, nil)}, inference.BackendFallback},
		{"cpu only", Options{Adapter: gpuAdapter(&GpuInfo{Type: GpuTypeCPU}, nil)}, inference.BackendFallback},
		{"adapter timeout", Options{Adapter: slowAdapter, AdapterTimeout: 20 * time.Millisecond}, inference.BackendFallback},
		{"adapter panics", Options{Adapter: func(context.Context) (*GpuInfo, error) { panic("driver") }}, inference.BackendFallback},
		{
			"confirm fails",
			Options{Adapter: gpuAdapter(testGPU, nil), Confirmer: ConfirmerFunc(func(context.Context) error { return errors.New("no") })},
			inference.BackendFallback,
		},
		{
			"confirm times out",
			Options{Adapter: gpuAdapter(testGPU, nil), Confirmer: slowConfirm, ConfirmTimeout: 20 * time.Millisecond},
			inference.BackendFallback,
		},
		{
			"confirmed",
			Options{Adapter: gpuAdapter(testGPU, nil), Confirmer: ConfirmerFunc(func(context.Context) error { return nil })},
			inference.BackendAccelerated,
		},
		{"no confirmer", Options{Adapter: gpuAdapter(testGPU, nil)}, inference.BackendAccelerated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.opts.GOOS == "" {
				tt.opts.GOOS = "linux"
			}
			info := NewProber(tt.opts).Detect(context.Background())
			assert.True(t, info.Supported)
			assert.Equal(t, tt.want, info.Backend)
			assert.NotEmpty(t, info.DisplayName)
			if info.Backend == inference.BackendFallback {
				assert.Equal(t, "Fallback (CPU)", info.DisplayName)
				assert.NotEmpty(t, info.Reason)
			} else {
				assert.Equal(t, "Accelerated (GPU)", info.DisplayName)
				assert.Same(t, testGPU, info.GPU)
			}
		})
	}
}

func TestProber_MemoizesUntilReset(t *testing.T) {
	var probes atomic.Int32
	p := NewProber(Options{GOOS: "linux", Adapter: func(context.Context) (*GpuInfo, error) {
		probes.Add(1)
		return testGPU, nil
	}})

	ctx := context.Background()
	first := p.Detect(ctx)
	second := p.Detect(ctx)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, probes.Load())

	p.Reset()
	p.Detect(ctx)
	assert.EqualValues(t, 2, probes.Load())
}

func TestProber_MobileSkipsProbing(t *testing.T) {
	called := false
	p := NewProber(Options{GOOS: "android", Adapter: func(context.Context) (*GpuInfo, error) {
		called = true
		return testGPU, nil
	}})
	p.Detect(context.Background())
	assert.False(t, called)
}

// =============================================================================
// RECOMMENDATION TESTS
// =============================================================================

func TestRecommendModel(t *testing.T) {
	fb, ok := RecommendModel(EngineInfo{Backend: inference.BackendFallback})
	require.True(t, ok)
	assert.Equal(t, "Xenova/TinyLlama-1.1B-Chat-v1.0", fb.ID)

	big, ok := RecommendModel(EngineInfo{Backend: inference.BackendAccelerated, GPU: testGPU})
	require.True(t, ok)
	assert.Equal(t, catalog.DefaultAcceleratedModel, big.ID)

	small, ok := RecommendModel(EngineInfo{
		Backend: inference.BackendAccelerated,
		GPU:     &GpuInfo{Name: "tiny", VramGB: 2, Type: GpuTypeNvidia},
	})
	require.True(t, ok)
	assert.Equal(t, "Llama-3.2-1B-Instruct-q4f16_1-MLC", small.ID)
}

func TestCPUFeatures_Describe(t *testing.T) {
	assert.Equal(t, "Runs on the CPU. Slower, but works everywhere.", describeCPU(nil))
	assert.Contains(t, describeCPU([]string{"AVX2", "FMA"}), "AVX2, FMA")
	CPUFeatures() // must not panic on any architecture
}
