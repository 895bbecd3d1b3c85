// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/leaf/internal/inference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithConfig(&ClientConfig{BaseURL: srv.URL, Timeout: 2 * time.Second})
}

func writeLines(w http.ResponseWriter, lines ...string) {
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func TestNewClientWithConfig_Defaults(t *testing.T) {
	c := NewClientWithConfig(&ClientConfig{BaseURL: "http://127.0.0.1:9999/"})
	assert.Equal(t, "http://127.0.0.1:9999", c.BaseURL())
	assert.Equal(t, 30*time.Second, c.config.Timeout)
	assert.Equal(t, "30m", c.config.KeepAlive)

	assert.Equal(t, DefaultBaseURL, NewClientWithConfig(nil).BaseURL())
}

func TestCheckRunning(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Ollama is running"))
	})
	require.NoError(t, c.CheckRunning(context.Background()))

	down := NewClientWithConfig(&ClientConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	err := down.CheckRunning(context.Background())
	require.Error(t, err)
	assert.Contains(t, []inference.Kind{inference.KindNetwork, inference.KindTimeout}, inference.KindOf(err))
}

func TestChatStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, "llama3.2:3b", req.Model)

		writeLines(w,
			`{"model":"llama3.2:3b","message":{"content":"Hel"},"done":false}`,
			`not json at all`,
			``,
			`{"model":"llama3.2:3b","message":{"content":"lo"},"done":false}`,
			`{"model":"llama3.2:3b","message":{"content":""},"done":true,"eval_count":20,"eval_duration":1000000000}`,
		)
	})

	var got strings.Builder
	var final StreamChunk
	err := c.ChatStream(context.Background(), ChatRequest{
		Model:    "llama3.2:3b",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(chunk StreamChunk) {
		got.WriteString(chunk.Content)
		if chunk.Done {
			final = chunk
		}
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.String())
	assert.Equal(t, 20, final.CompletionTokens)
	assert.InDelta(t, 20.0, final.TokensPerSecond(), 0.001)
}

func TestChatStream_RuntimeErrorLine(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, `{"error":"model requires more system memory (8 GiB) than is available"}`)
	})
	err := c.ChatStream(context.Background(), ChatRequest{Model: "x"}, func(StreamChunk) {})
	require.Error(t, err)
	assert.Equal(t, inference.KindMemory, inference.KindOf(err))
}

func TestChatStream_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model \"ghost\" not found, try pulling it first"}`))
	})
	err := c.ChatStream(context.Background(), ChatRequest{Model: "ghost"}, func(StreamChunk) {})
	require.Error(t, err)
	assert.True(t, IsModelNotFound(err))
	assert.Equal(t, inference.KindInvalidModel, inference.KindOf(err))
}

func TestPull_ReportsProgress(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/pull", r.URL.Path)
		writeLines(w,
			`{"status":"pulling manifest"}`,
			`{"status":"pulling abc","digest":"sha256:abc","total":200,"completed":50}`,
			`{"status":"pulling abc","digest":"sha256:abc","total":200,"completed":200}`,
			`{"status":"verifying sha256 digest"}`,
			`{"status":"success"}`,
			`{"status":"never read"}`,
		)
	})

	var seen []PullProgress
	require.NoError(t, c.Pull(context.Background(), "tinyllama:1.1b", func(p PullProgress) {
		seen = append(seen, p)
	}))
	require.Len(t, seen, 5)
	assert.False(t, seen[0].Downloading())
	assert.InDelta(t, 25.0, seen[1].Percent(), 0.001)
	assert.InDelta(t, 100.0, seen[2].Percent(), 0.001)
	assert.Equal(t, "success", seen[4].Status)
}

func TestPull_Error(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, `{"status":"pulling manifest"}`, `{"error":"pull model manifest: file does not exist"}`)
	})
	err := c.Pull(context.Background(), "nope:1b", nil)
	require.Error(t, err)
	var ce *ClientError
	require.True(t, errors.As(err, &ce))
}

func TestLoadAndUnload_KeepAlive(t *testing.T) {
	var bodies []map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
		w.Write([]byte(`{"done":true}`))
	})

	require.NoError(t, c.Load(context.Background(), "llama3.2:3b"))
	require.NoError(t, c.Unload(context.Background(), "llama3.2:3b"))
	require.Len(t, bodies, 2)
	assert.Equal(t, "30m", bodies[0]["keep_alive"])
	assert.Equal(t, float64(0), bodies[1]["keep_alive"])
}

func TestHasModel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3.2:3b","model":"llama3.2:3b","size":2000000000}]}`))
	})
	ok, err := c.HasModel(context.Background(), "llama3.2:3b")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.HasModel(context.Background(), "gemma2:2b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChat_NonStreaming(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		w.Write([]byte(`{"message":{"role":"assistant","content":"Hi there"},"done":true,"eval_count":10,"eval_duration":500000000}`))
	})
	resp, err := c.Chat(context.Background(), ChatRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", resp.Message.Content)
	assert.InDelta(t, 20.0, resp.TokensPerSecond(), 0.001)
}
