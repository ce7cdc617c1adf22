// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/AP2611/Chakra-final/internal/ollama"
)

// yantraSystem is the generation stage's system prompt.
const yantraSystem = "You are Yantra, an expert problem solver. " +
	"Produce clear, correct, and efficient solutions following best practices. " +
	"Be precise and thorough in your responses."

// GenerateInput is everything the generation stage folds into its prompt.
// Examples come from the memory store and belong only in the first
// iteration's prompt; the caller decides whether to pass them.
type GenerateInput struct {
	Task     string
	Context  string
	IsCode   bool
	Chunks   []string
	Examples []string
}

// Yantra is the generation stage.
type Yantra struct {
	model    Model
	fastMode bool
}

// NewYantra builds the generation stage.
func NewYantra(model Model, fastMode bool) (*Yantra, error) {
	if model == nil {
		return nil, errNilModel
	}
	return &Yantra{model: model, fastMode: fastMode}, nil
}

// Stream starts a streaming generation and returns the token iterator.
func (y *Yantra) Stream(ctx context.Context, in GenerateInput) (ollama.TokenIterator, error) {
	return y.model.ChatStream(ctx, y.request(in))
}

// Generate is the buffered form, used by refinement iterations where the
// initial draft is not streamed to the client.
func (y *Yantra) Generate(ctx context.Context, in GenerateInput) (string, error) {
	out, err := y.model.Chat(ctx, y.request(in))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (y *Yantra) request(in GenerateInput) ollama.ChatRequest {
	return ollama.ChatRequest{
		Prompt:    y.buildPrompt(in),
		System:    yantraSystem,
		MaxTokens: ollama.NumPredictFor(in.IsCode, y.fastMode),
		Options:   ollama.Profile(y.fastMode),
	}
}

// buildPrompt lays the task out with its document context, past solutions,
// and extra caller context, in that order.
func (y *Yantra) buildPrompt(in GenerateInput) string {
	parts := []string{"Task: " + in.Task}

	if len(in.Chunks) > 0 {
		parts = append(parts, "\n--- Relevant Document Context ---")
		for i, chunk := range in.Chunks {
			parts = append(parts, fmt.Sprintf("\n[Chunk %d]\n%s", i+1, chunk))
		}
		parts = append(parts, "\nIMPORTANT: Base your answer ONLY on the provided document context above. "+
			"Do not make unsupported claims.")
	}

	if len(in.Examples) > 0 {
		parts = append(parts, "\n--- Successful Past Solutions for Similar Tasks ---")
		for i, example := range in.Examples {
			parts = append(parts, fmt.Sprintf("\n[Example %d]\n%s", i+1, example))
		}
		parts = append(parts, "\nUse these examples as reference for best practices and patterns.")
	}

	if in.Context != "" {
		parts = append(parts, "\n--- Additional Context ---\n"+in.Context)
	}

	return strings.Join(parts, "\n")
}
