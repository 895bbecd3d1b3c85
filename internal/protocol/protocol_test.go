// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"errors"
	"testing"

	"github.com/jeranaias/leaf/internal/inference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// MODEL ID TESTS
// =============================================================================

func TestValidateModelID(t *testing.T) {
	valid := []string{
		"Llama-3.2-3B-Instruct-q4f16_1-MLC",
		"gemma-2-2b-it-q4f16_1-MLC",
		"test-model-MLC",
		"Xenova/TinyLlama-1.1B-Chat-v1.0",
	}
	for _, id := range valid {
		assert.NoError(t, ValidateModelID(id), id)
	}

	invalid := []string{
		"",
		"   ",
		"../../../etc/passwd",
		"<script>alert(1)</script>",
		"javascript:alert(1)",
		"JavaScript:alert(1)",
		"data:text/html,hi",
		"vbscript:msgbox",
		"file:///etc/passwd",
		"/etc/passwd",
		"models\\evil",
		"model\x00id",
		"model id",
		"ｊａｖａｓｃｒｉｐｔ:alert(1)", // fullwidth, folded by NFKC
		"%2e%2e/secret",
	}
	for _, id := range invalid {
		assert.Error(t, ValidateModelID(id), id)
		assert.False(t, IsValidModelID(id), id)
	}
}

func TestValidateModelID_Length(t *testing.T) {
	long := make([]byte, MaxModelIDLength+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, ValidateModelID(string(long)))
}

// =============================================================================
// REQUEST TESTS
// =============================================================================

func TestValidateRequest(t *testing.T) {
	user := []inference.Message{{Role: inference.RoleUser, Content: "Hello"}}

	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"check-support", Request{ID: "r1", Type: ReqCheckSupport}, false},
		{"load-model", Request{ID: "r1", Type: ReqLoadModel, ModelID: "test-model-MLC"}, false},
		{"generate", Request{ID: "r1", Type: ReqGenerate, Messages: user}, false},
		{"stop with target", Request{ID: "r2", Type: ReqStopGeneration, Target: "r1"}, false},
		{"unknown type", Request{ID: "r1", Type: "invalid"}, true},
		{"missing id", Request{Type: ReqCheckSupport}, true},
		{"load without model", Request{ID: "r1", Type: ReqLoadModel}, true},
		{"load traversal", Request{ID: "r1", Type: ReqLoadModel, ModelID: "../../../etc/passwd"}, true},
		{"generate no messages", Request{ID: "r1", Type: ReqGenerateStream}, true},
		{"generate bad role", Request{ID: "r1", Type: ReqGenerate, Messages: []inference.Message{{Role: "invalid-role", Content: "test"}}}, true},
		{"bad temperature", Request{ID: "r1", Type: ReqGenerate, Messages: user, Options: &Options{Temperature: 3}}, true},
		{"bad topP", Request{ID: "r1", Type: ReqGenerate, Messages: user, Options: &Options{TopP: 1.5}}, true},
		{"bad id char", Request{ID: "r 1", Type: ReqUnload}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequest(&tt.req)
			if tt.wantErr {
				assert.Error(t, err)
				var ve ValidationError
				assert.True(t, errors.As(err, &ve))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// =============================================================================
// RESPONSE TESTS
// =============================================================================

func TestValidateResponse(t *testing.T) {
	tests := []struct {
		name    string
		resp    Response
		wantErr bool
	}{
		{"ready without id", Response{Type: RespReady}, false},
		{"support-result", Response{ID: "r1", Type: RespSupportResult, Supported: Bool(true)}, false},
		{"support-result missing flag", Response{ID: "r1", Type: RespSupportResult}, true},
		{"load-complete", Response{ID: "r1", Type: RespLoadComplete, ModelID: "test-model-MLC"}, false},
		{"generate-token", Response{ID: "r1", Type: RespGenerateToken, Token: "Hello"}, false},
		{"empty token", Response{ID: "r1", Type: RespGenerateToken}, true},
		{"generate-complete empty text", Response{ID: "r1", Type: RespGenerateComplete, Response: String("")}, false},
		{"generate-complete missing", Response{ID: "r1", Type: RespGenerateComplete}, true},
		{"progress", Response{ID: "r1", Type: RespLoadProgress, Progress: &Progress{Stage: "loading", Progress: 40}}, false},
		{"progress out of range", Response{ID: "r1", Type: RespLoadProgress, Progress: &Progress{Stage: "loading", Progress: 140}}, true},
		{"progress bad stage", Response{ID: "r1", Type: RespLoadProgress, Progress: &Progress{Stage: "warp"}}, true},
		{"stats null", Response{ID: "r1", Type: RespStatsResult}, false},
		{"unknown type", Response{ID: "r1", Type: "unknown-type"}, true},
		{"missing id", Response{Type: RespResetComplete}, true},
		{"error without text", Response{ID: "r1", Type: RespLoadError}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateResponse(&tt.resp)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodeResponse_Malformed(t *testing.T) {
	_, err := DecodeResponse([]byte("{not json"))
	require.Error(t, err)

	_, err = DecodeResponse([]byte(`{"type":"generate-token","id":"a"}`))
	require.Error(t, err)

	resp, err := DecodeResponse([]byte(`{"type":"generate-token","id":"a","token":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Token)
}

func TestResponse_Err(t *testing.T) {
	err := ErrorResponse("r1", RespLoadError, inference.E(inference.KindMemory, "load", "out of VRAM", nil)).Err("load")
	require.Error(t, err)
	assert.True(t, errors.Is(err, inference.ErrMemory))

	unsupported := (&Response{ID: "r1", Type: RespSupportResult, Supported: Bool(false)}).Err("check")
	assert.True(t, errors.Is(unsupported, inference.ErrUnsupported))

	assert.NoError(t, (&Response{ID: "r1", Type: RespUnloadComplete}).Err("unload"))
}

func TestResponseType_Terminal(t *testing.T) {
	assert.False(t, RespGenerateToken.Terminal())
	assert.False(t, RespLoadProgress.Terminal())
	assert.True(t, RespGenerateComplete.Terminal())
	assert.True(t, RespStatsResult.Terminal())
}

func TestAnswers(t *testing.T) {
	assert.True(t, Answers(ReqLoadModel, RespLoadProgress))
	assert.True(t, Answers(ReqGenerateStream, RespGenerateToken))
	assert.True(t, Answers(ReqGetStats, RespError))
	assert.False(t, Answers(ReqGenerate, RespLoadProgress))
	assert.False(t, Answers(ReqUnload, RespResetComplete))
	assert.False(t, Answers("bogus", RespError))
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("6f1c1a5e-8a0b-4bb0-9d53-2f1f7b3e9c11"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("has space"))
}
