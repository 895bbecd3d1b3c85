// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package fallback

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/leaf/internal/catalog"
	"github.com/jeranaias/leaf/internal/inference"
	"github.com/jeranaias/leaf/internal/ollama"
)

// =============================================================================
// FAKES
// =============================================================================

type fakePipeline struct {
	mu      sync.Mutex
	prompts []string
	last    Sampling
	reply   string
	err     error
	closed  atomic.Bool
}

func (p *fakePipeline) Complete(ctx context.Context, prompt string, s Sampling) (string, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt)
	p.last = s
	p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	if s.OnToken != nil {
		for _, r := range p.reply {
			s.OnToken(string(r))
		}
	}
	return p.reply, nil
}

func (p *fakePipeline) Close() error {
	p.closed.Store(true)
	return nil
}

type fakeFactory struct {
	builds atomic.Int32
	err    error
	block  chan struct{}
	made   []*fakePipeline
	mu     sync.Mutex
}

func (f *fakeFactory) NewPipeline(ctx context.Context, model catalog.ModelDescriptor, progress func(PipelineProgress)) (Pipeline, error) {
	f.builds.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	progress(PipelineProgress{Status: "downloading", Loaded: 1, Total: 4})
	progress(PipelineProgress{Status: "initializing", Loaded: 4, Total: 4})
	p := &fakePipeline{reply: "ok"}
	f.mu.Lock()
	f.made = append(f.made, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeFactory) pipeline(i int) *fakePipeline {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made[i]
}

const (
	tinyLlama = "Xenova/TinyLlama-1.1B-Chat-v1.0"
	qwen      = "Xenova/Qwen1.5-0.5B-Chat-quantized"
)

// =============================================================================
// PROMPT TESTS
// =============================================================================

func TestFormatPrompt(t *testing.T) {
	tests := []struct {
		name     string
		messages []inference.Message
		want     string
	}{
		{"empty", nil, "Assistant: "},
		{
			"full history",
			[]inference.Message{
				{Role: inference.RoleSystem, Content: "Be brief."},
				{Role: inference.RoleUser, Content: "Hello"},
				{Role: inference.RoleAssistant, Content: "Hi there"},
				{Role: inference.RoleUser, Content: "Bye"},
			},
			"System: Be brief.\n\nUser: Hello\n\nAssistant: Hi there\n\nUser: Bye\n\nAssistant: ",
		},
		{
			"unknown role skipped",
			[]inference.Message{{Role: "tool", Content: "x"}, {Role: inference.RoleUser, Content: "Hi"}},
			"User: Hi\n\nAssistant: ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatPrompt(tt.messages))
		})
	}
}

// =============================================================================
// BACKEND TESTS
// =============================================================================

func TestBackend_Capabilities(t *testing.T) {
	b := NewBackend(Options{})
	assert.Equal(t, inference.BackendFallback, b.Kind())
	assert.Equal(t, inference.Capabilities{}, b.Capabilities())
	assert.ErrorIs(t, b.Stop(context.Background()), inference.ErrUnsupported)
	assert.NoError(t, b.ResetChat(context.Background()))
	assert.Nil(t, b.Stats(context.Background()))
}

func TestBackend_LoadNormalizesProgressAndCaches(t *testing.T) {
	f := &fakeFactory{}
	b := NewBackend(Options{Factory: f})
	ctx := context.Background()

	var events []inference.LoadProgress
	require.NoError(t, b.Load(ctx, tinyLlama, func(p inference.LoadProgress) { events = append(events, p) }))
	require.Len(t, events, 2)
	assert.Equal(t, inference.LoadProgress{Stage: inference.StageDownloading, Percent: 25, Message: "downloading"}, events[0])
	assert.Equal(t, inference.LoadProgress{Stage: inference.StageLoading, Percent: 100, Message: "initializing"}, events[1])

	require.NoError(t, b.Load(ctx, tinyLlama, nil))
	assert.EqualValues(t, 1, f.builds.Load(), "same model reuses the pipeline")
	assert.Equal(t, tinyLlama, b.CurrentModel())

	require.NoError(t, b.Load(ctx, qwen, nil))
	assert.EqualValues(t, 2, f.builds.Load())
	assert.True(t, f.pipeline(0).closed.Load(), "superseded pipeline is closed")
	assert.Equal(t, qwen, b.CurrentModel())
}

func TestBackend_LoadRejectsUnknownModel(t *testing.T) {
	f := &fakeFactory{}
	b := NewBackend(Options{Factory: f})
	err := b.Load(context.Background(), catalog.DefaultAcceleratedModel, nil)
	assert.ErrorIs(t, err, inference.ErrInvalidModel)
	assert.Zero(t, f.builds.Load())
}

func TestBackend_LoadTimeout(t *testing.T) {
	f := &fakeFactory{block: make(chan struct{})}
	defer close(f.block)
	b := NewBackend(Options{Factory: f, LoadTimeout: 20 * time.Millisecond})

	err := b.Load(context.Background(), tinyLlama, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, inference.ErrTimeout)
	assert.Contains(t, err.Error(), "timed out")
	assert.Contains(t, LoadHint(err), "try again")
	assert.Empty(t, b.CurrentModel())
}

func TestBackend_LoadErrorKinds(t *testing.T) {
	tests := []struct {
		cause error
		kind  inference.Kind
	}{
		{errors.New("failed to fetch model file"), inference.KindNetwork},
		{errors.New("RangeError: Array buffer allocation failed: out of memory"), inference.KindMemory},
		{&ollama.ClientError{Type: ollama.ErrTypeNotRunning, Message: "down"}, inference.KindNetwork},
		{errors.New("something odd"), inference.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			b := NewBackend(Options{Factory: &fakeFactory{err: tt.cause}})
			err := b.Load(context.Background(), tinyLlama, nil)
			require.Error(t, err)
			assert.Equal(t, tt.kind, inference.KindOf(err))
			assert.ErrorIs(t, err, tt.cause)
		})
	}
}

func TestBackend_Generate(t *testing.T) {
	f := &fakeFactory{}
	b := NewBackend(Options{Factory: f})
	ctx := context.Background()

	_, err := b.Generate(ctx, nil, inference.GenerateOptions{})
	assert.ErrorIs(t, err, inference.ErrNotLoaded)

	require.NoError(t, b.Load(ctx, tinyLlama, nil))
	msgs := []inference.Message{{Role: inference.RoleUser, Content: "Hello"}}

	var streamed string
	text, err := b.Generate(ctx, msgs, inference.GenerateOptions{OnToken: func(tok string) { streamed += tok }})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, "ok", streamed)

	p := f.pipeline(0)
	assert.Equal(t, []string{"User: Hello\n\nAssistant: "}, p.prompts)
	assert.Equal(t, 512, p.last.MaxTokens)
	assert.Equal(t, 0.7, p.last.Temperature)
	assert.Equal(t, 50, p.last.TopK)
	assert.Equal(t, 0.95, p.last.TopP)
}

func TestBackend_GenerateFailureKeepsModel(t *testing.T) {
	f := &fakeFactory{}
	b := NewBackend(Options{Factory: f})
	ctx := context.Background()
	require.NoError(t, b.Load(ctx, tinyLlama, nil))

	f.pipeline(0).err = errors.New("boom")
	_, err := b.Generate(ctx, nil, inference.GenerateOptions{})
	require.Error(t, err)
	assert.Equal(t, tinyLlama, b.CurrentModel())
}

func TestBackend_UnloadIsIdempotent(t *testing.T) {
	f := &fakeFactory{}
	b := NewBackend(Options{Factory: f})
	ctx := context.Background()
	require.NoError(t, b.Unload(ctx))
	require.NoError(t, b.Load(ctx, tinyLlama, nil))
	require.NoError(t, b.Unload(ctx))
	require.NoError(t, b.Unload(ctx))
	assert.Empty(t, b.CurrentModel())
	assert.True(t, f.pipeline(0).closed.Load())
}

// =============================================================================
// LANGCHAIN FACTORY TESTS
// =============================================================================

func TestLangChainFactory_PullsWithProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"status":"pulling manifest"}`)
		fmt.Fprintln(w, `{"status":"pulling abc","total":10,"completed":5}`)
		fmt.Fprintln(w, `{"status":"success"}`)
	}))
	defer srv.Close()

	f := &LangChainFactory{Client: ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: srv.URL})}
	desc, _ := catalog.Lookup(inference.BackendFallback, tinyLlama)

	var got []inference.LoadProgress
	p, err := f.NewPipeline(context.Background(), desc, func(pp PipelineProgress) {
		got = append(got, normalizeProgress(pp))
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NoError(t, p.Close())

	require.Len(t, got, 4)
	assert.Equal(t, inference.StageLoading, got[0].Stage)
	assert.Equal(t, inference.LoadProgress{Stage: inference.StageDownloading, Percent: 50, Message: "downloading " + desc.Name}, got[1])
	assert.Equal(t, float64(100), got[3].Percent)
}

func TestLangChainFactory_PullFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"pull model manifest: model not found"}`)
	}))
	defer srv.Close()

	f := &LangChainFactory{Client: ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: srv.URL})}
	desc, _ := catalog.Lookup(inference.BackendFallback, tinyLlama)
	_, err := f.NewPipeline(context.Background(), desc, nil)
	require.Error(t, err)
	assert.True(t, ollama.IsModelNotFound(err))
}
