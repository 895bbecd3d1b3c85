// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

// =============================================================================
// CHAT STREAM READER
// =============================================================================

// StreamReader parses a streamed chat response line by line.
type StreamReader struct {
	reader *bufio.Reader
	// PERFORMANCE: strings.Builder avoids quadratic allocations
	accumulator strings.Builder
	tokenCount  int
	model       string
}

// NewStreamReader creates a stream reader over r.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{reader: bufio.NewReader(r)}
}

// Process reads the stream and calls callback for each chunk, in order.
// It returns when the final chunk arrives, the body ends, or ctx is done.
func (s *StreamReader) Process(ctx context.Context, callback StreamCallback) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := s.readChunk()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if chunk == nil {
			continue
		}
		callback(*chunk)
		if chunk.Done {
			return nil
		}
	}
}

// streamLine is the wire shape of one streamed chat line.
type streamLine struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
	LoadDuration    int64  `json:"load_duration,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	EvalDuration    int64  `json:"eval_duration,omitempty"`
	Error           string `json:"error,omitempty"`
}

func (s *StreamReader) readChunk() (*StreamChunk, error) {
	line, err := s.reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}

	line = trimLine(line)
	if len(line) == 0 {
		return nil, nil
	}

	var parsed streamLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		// Skip malformed lines
		return nil, nil
	}
	if parsed.Error != "" {
		return nil, &ClientError{Type: classifyRuntimeMessage(parsed.Error), Message: parsed.Error}
	}

	if parsed.Model != "" {
		s.model = parsed.Model
	}
	content := parsed.Message.Content
	if content != "" {
		s.accumulator.WriteString(content)
		s.tokenCount++
	}

	chunk := &StreamChunk{
		Content:    content,
		Done:       parsed.Done,
		DoneReason: parsed.DoneReason,
		Model:      s.model,
	}
	if parsed.Done {
		chunk.TotalDuration = time.Duration(parsed.TotalDuration)
		chunk.LoadDuration = time.Duration(parsed.LoadDuration)
		chunk.EvalDuration = time.Duration(parsed.EvalDuration)
		chunk.PromptTokens = parsed.PromptEvalCount
		chunk.CompletionTokens = parsed.EvalCount
	}
	return chunk, nil
}

// Accumulated returns all content received so far.
func (s *StreamReader) Accumulated() string {
	return s.accumulator.String()
}

// TokenCount returns the number of non-empty content chunks received.
func (s *StreamReader) TokenCount() int {
	return s.tokenCount
}

// =============================================================================
// PULL STREAM READER
// =============================================================================

// PullReader parses a streamed pull response.
type PullReader struct {
	reader *bufio.Reader
}

// NewPullReader creates a pull reader over r.
func NewPullReader(r io.Reader) *PullReader {
	return &PullReader{reader: bufio.NewReader(r)}
}

// Process calls callback for each progress line until the runtime reports
// "success", the body ends, or ctx is done. A line carrying an error field
// ends the pull with that error.
func (p *PullReader) Process(ctx context.Context, callback PullCallback) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := p.reader.ReadBytes('\n')
		if err != nil && len(line) == 0 {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = trimLine(line)
		if len(line) == 0 {
			continue
		}

		var progress PullProgress
		if err := json.Unmarshal(line, &progress); err != nil {
			continue
		}
		if progress.Error != "" {
			return &ClientError{Type: classifyRuntimeMessage(progress.Error), Message: progress.Error}
		}
		if callback != nil {
			callback(progress)
		}
		if progress.Status == "success" {
			return nil
		}
	}
}

func trimLine(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
