// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/jeranaias/leaf/internal/inference"
)

// =============================================================================
// REQUESTS
// =============================================================================

// RequestType discriminates worker requests.
type RequestType string

const (
	ReqCheckSupport   RequestType = "check-support"
	ReqLoadModel      RequestType = "load-model"
	ReqGenerate       RequestType = "generate"
	ReqGenerateStream RequestType = "generate-stream"
	ReqStopGeneration RequestType = "stop-generation"
	ReqResetChat      RequestType = "reset-chat"
	ReqUnload         RequestType = "unload"
	ReqGetStats       RequestType = "get-stats"
)

var requestTypes = map[RequestType]bool{
	ReqCheckSupport:   true,
	ReqLoadModel:      true,
	ReqGenerate:       true,
	ReqGenerateStream: true,
	ReqStopGeneration: true,
	ReqResetChat:      true,
	ReqUnload:         true,
	ReqGetStats:       true,
}

// Options are the sampling parameters carried by generate requests.
type Options struct {
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"topP,omitempty"`
}

// OptionsFrom strips the callback from generation options.
func OptionsFrom(o inference.GenerateOptions) *Options {
	return &Options{MaxTokens: o.MaxTokens, Temperature: o.Temperature, TopP: o.TopP}
}

// GenerateOptions converts wire options back; nil yields zero options.
func (o *Options) GenerateOptions() inference.GenerateOptions {
	if o == nil {
		return inference.GenerateOptions{}
	}
	return inference.GenerateOptions{MaxTokens: o.MaxTokens, Temperature: o.Temperature, TopP: o.TopP}
}

// Request is a message from the engine to the worker.
type Request struct {
	ID       string              `json:"id"`
	Type     RequestType         `json:"type"`
	ModelID  string              `json:"modelId,omitempty"`
	Messages []inference.Message `json:"messages,omitempty"`
	Options  *Options            `json:"options,omitempty"`

	// Target names the generation a stop-generation request applies to.
	// Empty stops whatever is running.
	Target string `json:"target,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ResponseType discriminates worker responses.
type ResponseType string

const (
	RespReady            ResponseType = "ready"
	RespSupportResult    ResponseType = "support-result"
	RespLoadProgress     ResponseType = "load-progress"
	RespLoadComplete     ResponseType = "load-complete"
	RespLoadError        ResponseType = "load-error"
	RespGenerateToken    ResponseType = "generate-token"
	RespGenerateComplete ResponseType = "generate-complete"
	RespGenerateError    ResponseType = "generate-error"
	RespResetComplete    ResponseType = "reset-complete"
	RespUnloadComplete   ResponseType = "unload-complete"
	RespStatsResult      ResponseType = "stats-result"
	RespStopAck          ResponseType = "stop-ack"
	RespError            ResponseType = "error"
)

var responseTypes = map[ResponseType]bool{
	RespReady:            true,
	RespSupportResult:    true,
	RespLoadProgress:     true,
	RespLoadComplete:     true,
	RespLoadError:        true,
	RespGenerateToken:    true,
	RespGenerateComplete: true,
	RespGenerateError:    true,
	RespResetComplete:    true,
	RespUnloadComplete:   true,
	RespStatsResult:      true,
	RespStopAck:          true,
	RespError:            true,
}

// Terminal reports whether t ends the request it answers.
func (t ResponseType) Terminal() bool {
	switch t {
	case RespLoadProgress, RespGenerateToken, RespReady:
		return false
	}
	return true
}

// answers lists the response types each request may receive.
var answers = map[RequestType][]ResponseType{
	ReqCheckSupport:   {RespSupportResult},
	ReqLoadModel:      {RespLoadProgress, RespLoadComplete, RespLoadError},
	ReqGenerate:       {RespGenerateToken, RespGenerateComplete, RespGenerateError},
	ReqGenerateStream: {RespGenerateToken, RespGenerateComplete, RespGenerateError},
	ReqStopGeneration: {RespStopAck},
	ReqResetChat:      {RespResetComplete},
	ReqUnload:         {RespUnloadComplete},
	ReqGetStats:       {RespStatsResult},
}

// Answers reports whether resp is a legal reply to a req request. The
// generic error response answers any request.
func Answers(req RequestType, resp ResponseType) bool {
	if resp == RespError {
		return requestTypes[req]
	}
	for _, t := range answers[req] {
		if t == resp {
			return true
		}
	}
	return false
}

// Progress is a load progress report. Progress is a percentage.
type Progress struct {
	Stage    inference.Stage `json:"stage"`
	Progress float64         `json:"progress"`
	Text     string          `json:"text"`
}

// Response is a message from the worker to the engine.
type Response struct {
	ID        string           `json:"id,omitempty"`
	Type      ResponseType     `json:"type"`
	Supported *bool            `json:"supported,omitempty"`
	Error     string           `json:"error,omitempty"`
	Kind      string           `json:"kind,omitempty"`
	Progress  *Progress        `json:"progress,omitempty"`
	ModelID   string           `json:"modelId,omitempty"`
	Token     string           `json:"token,omitempty"`
	Response  *string          `json:"response,omitempty"`
	Stats     *inference.Stats `json:"stats,omitempty"`
}

// Err converts an error response into an *inference.Error. It returns nil
// for non-error responses.
func (r *Response) Err(op string) error {
	switch r.Type {
	case RespLoadError, RespGenerateError, RespError:
		return inference.E(inference.ParseKind(r.Kind), op, r.Error, nil)
	case RespSupportResult:
		if r.Supported != nil && !*r.Supported {
			msg := r.Error
			if msg == "" {
				msg = "accelerated inference is not supported"
			}
			return inference.E(inference.KindUnsupported, op, msg, nil)
		}
	}
	return nil
}

// ErrorResponse builds a response carrying err, keeping its kind.
func ErrorResponse(id string, t ResponseType, err error) *Response {
	return &Response{
		ID:    id,
		Type:  t,
		Error: err.Error(),
		Kind:  inference.KindOf(err).String(),
	}
}

// Bool returns a pointer to b, for Response.Supported.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s, for Response.Response.
func String(s string) *string { return &s }

// =============================================================================
// ENCODING
// =============================================================================

// Encode serializes any protocol message.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode worker message: %w", err)
	}
	return data, nil
}

// DecodeRequest parses and validates a request frame.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, ValidationError{Field: "frame", Message: err.Error()}
	}
	if err := ValidateRequest(&req); err != nil {
		return &req, err
	}
	return &req, nil
}

// DecodeResponse parses and validates a response frame.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, ValidationError{Field: "frame", Message: err.Error()}
	}
	if err := ValidateResponse(&resp); err != nil {
		return &resp, err
	}
	return &resp, nil
}
