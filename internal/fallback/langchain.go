// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package fallback

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tmc/langchaingo/llms"
	lcollama "github.com/tmc/langchaingo/llms/ollama"

	"github.com/jeranaias/leaf/internal/catalog"
	"github.com/jeranaias/leaf/internal/ollama"
)

// =============================================================================
// LANGCHAIN PIPELINE
// =============================================================================

// LangChainFactory builds CPU-only pipelines on a local runtime through
// langchaingo. Artifacts are pulled with the runtime client first so
// download progress can be reported.
type LangChainFactory struct {
	Client     *ollama.Client
	HTTPClient *http.Client
}

// NewPipeline pulls the model's artifact and wraps it in a langchaingo LLM
// with GPU offload disabled.
func (f *LangChainFactory) NewPipeline(ctx context.Context, model catalog.ModelDescriptor, progress func(PipelineProgress)) (Pipeline, error) {
	client := f.Client
	if client == nil {
		client = ollama.NewClient()
	}
	report := func(p PipelineProgress) {
		if progress != nil {
			progress(p)
		}
	}

	err := client.Pull(ctx, model.Tag, func(p ollama.PullProgress) {
		status := p.Status
		if p.Downloading() {
			status = "downloading " + model.Name
		}
		report(PipelineProgress{Status: status, Loaded: p.Completed, Total: p.Total})
	})
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", model.Tag, err)
	}

	opts := []lcollama.Option{
		lcollama.WithModel(model.Tag),
		lcollama.WithServerURL(client.BaseURL()),
		lcollama.WithRunnerNumGPU(0),
	}
	if f.HTTPClient != nil {
		opts = append(opts, lcollama.WithHTTPClient(f.HTTPClient))
	}
	llm, err := lcollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	report(PipelineProgress{Status: "ready", Loaded: 1, Total: 1})
	return &langChainPipeline{llm: llm}, nil
}

type langChainPipeline struct {
	llm llms.Model
}

func (p *langChainPipeline) Complete(ctx context.Context, prompt string, s Sampling) (string, error) {
	opts := []llms.CallOption{
		llms.WithMaxTokens(s.MaxTokens),
		llms.WithTemperature(s.Temperature),
		llms.WithTopK(s.TopK),
		llms.WithTopP(s.TopP),
	}
	if s.OnToken != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) > 0 {
				s.OnToken(string(chunk))
			}
			return nil
		}))
	}
	return llms.GenerateFromSinglePrompt(ctx, p.llm, prompt, opts...)
}

func (p *langChainPipeline) Close() error {
	return nil
}
