// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package worker

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jeranaias/leaf/internal/inference"
	"github.com/jeranaias/leaf/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// FAKE RUNTIME
// =============================================================================

type fakeRuntime struct {
	mu    sync.Mutex
	model string

	supportErr error
	loadErr    error
	loadGate   chan struct{}
	genErr     error
	panicGen   bool
	statsText  string
	resets     int
	lastOpts   inference.GenerateOptions

	// tokens are emitted in order; when release is set, emission pauses
	// before tokens[releaseAt] until release is closed.
	tokens    []string
	release   chan struct{}
	releaseAt int
}

func (f *fakeRuntime) CheckSupport(ctx context.Context) error { return f.supportErr }

func (f *fakeRuntime) Load(ctx context.Context, id string, progress func(protocol.Progress)) error {
	if f.loadGate != nil {
		<-f.loadGate
	}
	if f.loadErr != nil {
		return f.loadErr
	}
	progress(protocol.Progress{Stage: inference.StageDownloading, Progress: 50, Text: "Fetching"})
	progress(protocol.Progress{Stage: inference.StageLoading, Progress: 90, Text: "Loading weights"})
	f.mu.Lock()
	f.model = id
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) Generate(ctx context.Context, msgs []inference.Message, opts inference.GenerateOptions, emit func(string) bool) error {
	f.mu.Lock()
	f.lastOpts = opts
	f.mu.Unlock()
	if f.panicGen {
		panic("runtime exploded")
	}
	if f.genErr != nil {
		return f.genErr
	}
	tokens := f.tokens
	if tokens == nil {
		tokens = []string{"echo: ", msgs[len(msgs)-1].Content}
	}
	for i, tok := range tokens {
		if f.release != nil && i == f.releaseAt {
			select {
			case <-f.release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if !emit(tok) {
			return nil
		}
	}
	return nil
}

func (f *fakeRuntime) ResetChat(ctx context.Context) error {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) Unload(ctx context.Context) error {
	f.mu.Lock()
	f.model = ""
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) StatsText(ctx context.Context) (string, error) { return f.statsText, nil }

func (f *fakeRuntime) LoadedModel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.model
}

// =============================================================================
// HELPERS
// =============================================================================

func newTestBridge(t *testing.T, rt *fakeRuntime, cfg Config) *Bridge {
	t.Helper()
	b := NewBridge(&PipeSpawner{NewRuntime: func() Runtime { return rt }}, cfg)
	t.Cleanup(b.Terminate)
	return b
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func loadModel(t *testing.T, b *Bridge, id string) []protocol.Progress {
	t.Helper()
	var events []protocol.Progress
	resp, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqLoadModel, ModelID: id}, func(r *protocol.Response) {
		events = append(events, *r.Progress)
	})
	require.NoError(t, err)
	require.Equal(t, protocol.RespLoadComplete, resp.Type)
	return events
}

func userMsg(s string) []inference.Message {
	return []inference.Message{{Role: inference.RoleUser, Content: s}}
}

// manualSpawner hands the test the worker end of each spawned pipe.
type manualSpawner struct {
	workers chan Conn
}

func (m *manualSpawner) Spawn(ctx context.Context) (Conn, error) {
	bridgeEnd, workerEnd := Pipe()
	m.workers <- workerEnd
	return bridgeEnd, nil
}

func sendFrame(t *testing.T, c Conn, v any) {
	t.Helper()
	frame, err := protocol.Encode(v)
	require.NoError(t, err)
	require.NoError(t, c.Send(frame))
}

// =============================================================================
// BRIDGE + HOST TESTS
// =============================================================================

func TestBridge_CheckSupport(t *testing.T) {
	b := newTestBridge(t, &fakeRuntime{}, Config{})
	assert.Equal(t, StateUninitialized, b.State())

	resp, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqCheckSupport}, nil)
	require.NoError(t, err)
	assert.True(t, *resp.Supported)
	assert.Equal(t, StateReady, b.State())
	assert.Equal(t, 1, b.Attempts())
}

func TestBridge_CheckSupportUnsupported(t *testing.T) {
	b := newTestBridge(t, &fakeRuntime{supportErr: errors.New("no GPU adapter found")}, Config{})

	resp, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqCheckSupport}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, inference.ErrUnsupported))
	assert.Equal(t, "no GPU adapter found", resp.Error)
}

func TestBridge_LoadReportsProgress(t *testing.T) {
	b := newTestBridge(t, &fakeRuntime{}, Config{})

	events := loadModel(t, b, "Llama-3.2-3B-Instruct-q4f16_1-MLC")
	require.Len(t, events, 4)
	assert.Equal(t, inference.StageDownloading, events[0].Stage)
	assert.Equal(t, "Initializing...", events[0].Text)
	assert.Equal(t, inference.StageLoading, events[2].Stage)
	assert.Equal(t, inference.StageReady, events[3].Stage)
	assert.Equal(t, float64(100), events[3].Progress)

	again := loadModel(t, b, "Llama-3.2-3B-Instruct-q4f16_1-MLC")
	require.Len(t, again, 1)
	assert.Equal(t, "Model already loaded", again[0].Text)
}

func TestBridge_LoadErrorCarriesKind(t *testing.T) {
	b := newTestBridge(t, &fakeRuntime{loadErr: inference.E(inference.KindMemory, "alloc", "out of VRAM", nil)}, Config{})

	_, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqLoadModel, ModelID: "test-model-MLC"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, inference.ErrMemory))
}

func TestHost_ConcurrentLoadRejected(t *testing.T) {
	gate := make(chan struct{})
	b := newTestBridge(t, &fakeRuntime{loadGate: gate}, Config{})
	require.NoError(t, b.Init(ctxT(t)))

	first := make(chan error, 1)
	started := make(chan struct{})
	var once sync.Once
	go func() {
		_, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqLoadModel, ModelID: "model-a-MLC"}, func(*protocol.Response) {
			once.Do(func() { close(started) })
		})
		first <- err
	}()
	<-started

	_, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqLoadModel, ModelID: "model-b-MLC"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, inference.ErrBusy))

	close(gate)
	require.NoError(t, <-first)
}

func TestBridge_GenerateStream(t *testing.T) {
	b := newTestBridge(t, &fakeRuntime{tokens: []string{"Hel", "lo", "!"}}, Config{})
	loadModel(t, b, "test-model-MLC")

	var tokens []string
	resp, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqGenerateStream, Messages: userMsg("hi")}, func(r *protocol.Response) {
		tokens = append(tokens, r.Token)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", "!"}, tokens)
	assert.Equal(t, "Hello!", *resp.Response)
}

func TestHost_GenerationDefaults(t *testing.T) {
	tests := []struct {
		name    string
		host    inference.GenerateOptions
		request *protocol.Options
		want    inference.GenerateOptions
	}{
		{
			name: "package defaults",
			want: DefaultGenerateOptions,
		},
		{
			name: "host defaults fill gaps",
			host: inference.GenerateOptions{MaxTokens: 64},
			want: inference.GenerateOptions{MaxTokens: 64, Temperature: 0.7, TopP: 0.95},
		},
		{
			name:    "request wins",
			host:    inference.GenerateOptions{MaxTokens: 64},
			request: &protocol.Options{TopP: 0.5},
			want:    inference.GenerateOptions{MaxTokens: 64, Temperature: 0.7, TopP: 0.5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &fakeRuntime{}
			b := NewBridge(&PipeSpawner{
				NewRuntime: func() Runtime { return rt },
				Host:       HostConfig{Defaults: tt.host},
			}, Config{})
			t.Cleanup(b.Terminate)
			loadModel(t, b, "test-model-MLC")

			_, err := b.Request(ctxT(t), &protocol.Request{
				Type:     protocol.ReqGenerate,
				Messages: userMsg("hi"),
				Options:  tt.request,
			}, nil)
			require.NoError(t, err)

			rt.mu.Lock()
			got := rt.lastOpts
			rt.mu.Unlock()
			assert.Equal(t, tt.want.MaxTokens, got.MaxTokens)
			assert.Equal(t, tt.want.Temperature, got.Temperature)
			assert.Equal(t, tt.want.TopP, got.TopP)
		})
	}
}

func TestBridge_GenerateWithoutModel(t *testing.T) {
	b := newTestBridge(t, &fakeRuntime{}, Config{})

	_, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqGenerate, Messages: userMsg("hi")}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, inference.ErrNotLoaded))
}

func TestBridge_StopReturnsPartialText(t *testing.T) {
	release := make(chan struct{})
	rt := &fakeRuntime{tokens: []string{"a", "b", "c", "d"}, release: release, releaseAt: 2}
	b := newTestBridge(t, rt, Config{})
	loadModel(t, b, "test-model-MLC")

	genID := uuid.NewString()
	twoTokens := make(chan struct{})
	var count atomic.Int32
	type result struct {
		resp *protocol.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := b.Request(ctxT(t), &protocol.Request{ID: genID, Type: protocol.ReqGenerateStream, Messages: userMsg("go")}, func(*protocol.Response) {
			if count.Add(1) == 2 {
				close(twoTokens)
			}
		})
		done <- result{resp, err}
	}()

	<-twoTokens
	ack, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqStopGeneration, Target: genID}, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.RespStopAck, ack.Type)
	close(release)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, protocol.RespGenerateComplete, r.resp.Type)
	assert.Equal(t, "ab", *r.resp.Response)
}

func TestBridge_ConcurrentGenerationsCorrelate(t *testing.T) {
	b := newTestBridge(t, &fakeRuntime{}, Config{})
	loadModel(t, b, "test-model-MLC")

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prompt := strings.Repeat("x", i+1)
			resp, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqGenerate, Messages: userMsg(prompt)}, nil)
			errs[i] = err
			if err == nil {
				results[i] = *resp.Response
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "echo: "+strings.Repeat("x", i+1), results[i])
	}
}

func TestBridge_StatsAndReset(t *testing.T) {
	rt := &fakeRuntime{statsText: "decoding: 38.5 tok/s, prompt: 12 tokens"}
	b := newTestBridge(t, rt, Config{})

	resp, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqGetStats}, nil)
	require.NoError(t, err)
	assert.Nil(t, resp.Stats, "no stats before a model is loaded")

	loadModel(t, b, "test-model-MLC")
	resp, err = b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqGetStats}, nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Stats)
	assert.InDelta(t, 38.5, resp.Stats.TokensPerSecond, 0.0001)

	_, err = b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqResetChat}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rt.resets)

	_, err = b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqUnload}, nil)
	require.NoError(t, err)
	assert.Empty(t, rt.LoadedModel())
}

func TestBridge_InvalidOutboundNeverSpawns(t *testing.T) {
	b := newTestBridge(t, &fakeRuntime{}, Config{})

	_, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqLoadModel, ModelID: "../../../etc/passwd"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, inference.ErrProtocol))
	assert.Equal(t, 0, b.Attempts())
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestBridge_ReadyTimeoutThenExhausted(t *testing.T) {
	var healthy atomic.Bool
	spawner := SpawnerFunc(func(ctx context.Context) (Conn, error) {
		bridgeEnd, workerEnd := Pipe()
		if healthy.Load() {
			go NewHost(&fakeRuntime{}, HostConfig{}).Serve(context.Background(), workerEnd)
		}
		return bridgeEnd, nil
	})
	b := NewBridge(spawner, Config{ReadyTimeout: 50 * time.Millisecond})
	t.Cleanup(b.Terminate)

	for i := 1; i <= DefaultMaxInitAttempts; i++ {
		_, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqCheckSupport}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, inference.ErrTimeout), "attempt %d: %v", i, err)
		assert.Equal(t, i, b.Attempts())
	}

	healthy.Store(true)
	_, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqCheckSupport}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, inference.ErrInitExhausted))

	b.Terminate()
	assert.Equal(t, StateTerminated, b.State())
	assert.Equal(t, 0, b.Attempts())

	_, err = b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqCheckSupport}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateReady, b.State())
}

func TestBridge_CrashFailsPendingAndRecovers(t *testing.T) {
	rt := &fakeRuntime{panicGen: true}
	b := newTestBridge(t, rt, Config{})
	loadModel(t, b, "test-model-MLC")

	crashed := make(chan error, 1)
	unsubscribe := b.OnCrash(func(err error) { crashed <- err })
	defer unsubscribe()

	_, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqGenerate, Messages: userMsg("hi")}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, inference.ErrWorkerCrashed))
	require.Len(t, crashed, 1, "listeners hear of the crash before callers do")

	select {
	case cerr := <-crashed:
		assert.True(t, errors.Is(cerr, inference.ErrWorkerCrashed))
	case <-time.After(2 * time.Second):
		t.Fatal("crash listener not notified")
	}
	assert.Equal(t, StateCrashed, b.State())

	rt.panicGen = false
	resp, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqCheckSupport}, nil)
	require.NoError(t, err)
	assert.True(t, *resp.Supported)
	assert.Equal(t, 2, b.Attempts())
}

func TestBridge_DropsInvalidInbound(t *testing.T) {
	spawner := &manualSpawner{workers: make(chan Conn, 1)}
	b := NewBridge(spawner, Config{})
	t.Cleanup(b.Terminate)

	id := uuid.NewString()
	go func() {
		w := <-spawner.workers
		sendFrame(t, w, protocol.Response{Type: protocol.RespReady})
		// Wait for the request so the id is pending.
		_, _ = w.Recv()
		sendFrame(t, w, protocol.Response{ID: id, Type: protocol.RespGenerateToken})
		sendFrame(t, w, protocol.Response{ID: id, Type: protocol.RespLoadComplete, ModelID: "x-MLC"})
		sendFrame(t, w, protocol.Response{ID: "someone-else", Type: protocol.RespResetComplete})
		sendFrame(t, w, protocol.Response{ID: id, Type: protocol.RespGenerateComplete, Response: protocol.String("fine")})
	}()

	resp, err := b.Request(ctxT(t), &protocol.Request{ID: id, Type: protocol.ReqGenerate, Messages: userMsg("hi")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fine", *resp.Response)
	assert.Equal(t, StateReady, b.State())
}

func TestBridge_UndecodableFrameCrashes(t *testing.T) {
	spawner := &manualSpawner{workers: make(chan Conn, 1)}
	b := NewBridge(spawner, Config{})
	t.Cleanup(b.Terminate)

	go func() {
		w := <-spawner.workers
		sendFrame(t, w, protocol.Response{Type: protocol.RespReady})
		_, _ = w.Recv()
		_ = w.Send([]byte("%%% not json"))
	}()

	_, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqUnload}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, inference.ErrWorkerCrashed))
	assert.Equal(t, StateCrashed, b.State())
}

func TestBridge_TerminateFailsPending(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	b := newTestBridge(t, &fakeRuntime{loadGate: gate}, Config{})
	require.NoError(t, b.Init(ctxT(t)))

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqLoadModel, ModelID: "slow-MLC"}, nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.pending) == 1
	}, 2*time.Second, 5*time.Millisecond)

	b.Terminate()
	err := <-errCh
	require.Error(t, err)
	assert.True(t, errors.Is(err, inference.ErrCancelled))
}

func TestBridge_StateChangeHook(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	b := newTestBridge(t, &fakeRuntime{}, Config{OnStateChange: func(from, to State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	}})
	require.NoError(t, b.Init(ctxT(t)))
	b.Terminate()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateInitializing, StateReady, StateTerminated}, seen)
}

// =============================================================================
// WEBSOCKET TESTS
// =============================================================================

func TestWebSocketTransport(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"over ", "the ", "wire"}}
	srv := httptest.NewServer(Handler(func() Runtime { return rt }, HostConfig{}))
	t.Cleanup(srv.Close)

	b := NewBridge(&WebSocketSpawner{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, Config{})
	t.Cleanup(b.Terminate)

	loadModel(t, b, "test-model-MLC")
	var tokens []string
	resp, err := b.Request(ctxT(t), &protocol.Request{Type: protocol.ReqGenerateStream, Messages: userMsg("hi")}, func(r *protocol.Response) {
		tokens = append(tokens, r.Token)
	})
	require.NoError(t, err)
	assert.Equal(t, "over the wire", *resp.Response)
	assert.Len(t, tokens, 3)
}

// =============================================================================
// STATS TESTS
// =============================================================================

func TestParseStats(t *testing.T) {
	tests := []struct {
		text string
		want *inference.Stats
	}{
		{"decoding: 38.5 tok/s", &inference.Stats{TokensPerSecond: 38.5}},
		{"prefill: 210 tok/s, decode: 12.0 tok/s", &inference.Stats{TokensPerSecond: 210}},
		{"42tok/s", &inference.Stats{TokensPerSecond: 42}},
		{"no numbers here", nil},
		{"", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseStats(tt.text), tt.text)
	}
}
