// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/leaf/internal/inference"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the runtime client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ErrorKind maps the client error onto the shared inference kinds.
func (e *ClientError) ErrorKind() inference.Kind {
	switch e.Type {
	case ErrTypeTimeout:
		return inference.KindTimeout
	case ErrTypeNotRunning, ErrTypeConnection:
		return inference.KindNetwork
	case ErrTypeModelNotFound:
		return inference.KindInvalidModel
	case ErrTypeOutOfMemory:
		return inference.KindMemory
	}
	return inference.Classify(errors.New(e.Message))
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeModelNotFound
	ErrTypeOutOfMemory
	ErrTypeConnection
	ErrTypeInvalidResponse
)

// Sentinel errors for easy checking.
var (
	ErrNotRunning    = &ClientError{Type: ErrTypeNotRunning, Message: "inference runtime is not running"}
	ErrTimeout       = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrModelNotFound = &ClientError{Type: ErrTypeModelNotFound, Message: "model not found"}
)

// classifyRuntimeMessage picks an ErrorType for an error string reported by
// the runtime itself.
func classifyRuntimeMessage(msg string) ErrorType {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "not found"):
		return ErrTypeModelNotFound
	case strings.Contains(lower, "memory"):
		return ErrTypeOutOfMemory
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
		return ErrTypeTimeout
	}
	return ErrTypeInvalidResponse
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// DefaultBaseURL uses an explicit IPv4 loopback address instead of
// localhost to avoid IPv6 resolution issues on Windows.
const DefaultBaseURL = "http://127.0.0.1:11434"

// ClientConfig holds configuration options for the client.
type ClientConfig struct {
	// BaseURL is the runtime API base URL (default: http://127.0.0.1:11434)
	BaseURL string

	// Timeout for non-streaming requests (default: 30s)
	Timeout time.Duration

	// KeepAlive is how long the runtime keeps a loaded model resident
	// (default: "30m")
	KeepAlive string

	// Transport is used for every request (default: http.DefaultTransport)
	Transport http.RoundTripper
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:   DefaultBaseURL,
		Timeout:   30 * time.Second,
		KeepAlive: "30m",
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with the runtime API. It is safe for
// concurrent use.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	// streamClient has no overall timeout; streams are bounded by ctx.
	streamClient *http.Client
}

// NewClient creates a client with the default configuration.
func NewClient() *Client {
	return NewClientWithConfig(DefaultConfig())
}

// NewClientWithConfig creates a client, filling zero fields with defaults.
func NewClientWithConfig(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.KeepAlive == "" {
		cfg.KeepAlive = "30m"
	}

	return &Client{
		config:       &cfg,
		httpClient:   &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		streamClient: &http.Client{Transport: cfg.Transport},
	}
}

// BaseURL returns the configured runtime URL.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// =============================================================================
// TRANSPORT HELPERS
// =============================================================================

func (c *Client) post(ctx context.Context, hc *http.Client, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(hc, req)
}

func (c *Client) send(hc *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isNetTimeout(err) {
			return nil, &ClientError{Type: ErrTypeTimeout, Message: ErrTimeout.Message, Cause: err}
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &ClientError{Type: ErrTypeNotRunning, Message: ErrNotRunning.Message, Cause: err}
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer drainAndClose(resp.Body)

	var runtimeErr OllamaError
	if err := json.NewDecoder(resp.Body).Decode(&runtimeErr); err == nil && runtimeErr.Error != "" {
		if resp.StatusCode == http.StatusNotFound {
			return nil, &ClientError{Type: ErrTypeModelNotFound, Message: runtimeErr.Error}
		}
		return nil, &ClientError{Type: classifyRuntimeMessage(runtimeErr.Error), Message: runtimeErr.Error}
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrModelNotFound
	}
	return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "unexpected status from runtime: " + resp.Status}
}

func isNetTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func drainAndClose(r io.ReadCloser) {
	io.Copy(io.Discard, r)
	r.Close()
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// CheckRunning verifies that the runtime is reachable.
func (c *Client) CheckRunning(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL, nil)
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	resp, err := c.send(c.httpClient, req)
	if err != nil {
		return err
	}
	drainAndClose(resp.Body)
	return nil
}

// =============================================================================
// MODEL OPERATIONS
// =============================================================================

// ListModels retrieves the models present in the runtime.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	resp, err := c.send(c.httpClient, req)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)

	var result ListModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return result.Models, nil
}

// HasModel reports whether tag is already present locally. A bare name
// matches its ":latest" tag.
func (c *Client) HasModel(ctx context.Context, tag string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if m.Name == tag || m.Model == tag || m.Name == tag+":latest" {
			return true, nil
		}
	}
	return false, nil
}

// PullCallback receives pull progress lines.
type PullCallback func(PullProgress)

// Pull downloads tag, reporting progress. Pulling a model that is already
// present completes quickly with a "success" line.
func (c *Client) Pull(ctx context.Context, tag string, callback PullCallback) error {
	resp, err := c.post(ctx, c.streamClient, "/api/pull", PullRequest{Model: tag, Stream: true})
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)
	return NewPullReader(resp.Body).Process(ctx, callback)
}

// Load warms tag into memory without generating anything.
func (c *Client) Load(ctx context.Context, tag string) error {
	resp, err := c.post(ctx, c.streamClient, "/api/generate", GenerateRequest{
		Model:     tag,
		Stream:    false,
		KeepAlive: c.config.KeepAlive,
	})
	if err != nil {
		return err
	}
	drainAndClose(resp.Body)
	return nil
}

// Unload evicts tag from memory immediately.
func (c *Client) Unload(ctx context.Context, tag string) error {
	resp, err := c.post(ctx, c.httpClient, "/api/generate", GenerateRequest{
		Model:     tag,
		Stream:    false,
		KeepAlive: 0,
	})
	if err != nil {
		return err
	}
	drainAndClose(resp.Body)
	return nil
}

// =============================================================================
// CHAT OPERATIONS
// =============================================================================

// Chat sends a non-streaming chat request.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.Stream = false
	if req.KeepAlive == "" {
		req.KeepAlive = c.config.KeepAlive
	}
	resp, err := c.post(ctx, c.streamClient, "/api/chat", req)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)

	var result ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return &result, nil
}

// StreamCallback is called for each chunk received during streaming.
type StreamCallback func(chunk StreamChunk)

// ChatStream sends a streaming chat request and calls callback for each
// chunk, synchronously and in order. Returns when streaming is complete,
// an error occurs, or ctx is cancelled.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, callback StreamCallback) error {
	req.Stream = true
	if req.KeepAlive == "" {
		req.KeepAlive = c.config.KeepAlive
	}
	resp, err := c.post(ctx, c.streamClient, "/api/chat", req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)
	return NewStreamReader(resp.Body).Process(ctx, callback)
}

// IsModelNotFound checks if an error is a model-not-found error.
func IsModelNotFound(err error) bool {
	var clientErr *ClientError
	return errors.As(err, &clientErr) && clientErr.Type == ErrTypeModelNotFound
}

// IsNotRunning checks if an error indicates the runtime is unreachable.
func IsNotRunning(err error) bool {
	var clientErr *ClientError
	return errors.As(err, &clientErr) && clientErr.Type == ErrTypeNotRunning
}
