// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/AP2611/Chakra-final/internal/ollama"
)

// agniSystem is the improvement stage's system prompt.
const agniSystem = "You are Agni, an expert optimizer. " +
	"Rewrite the solution fixing all issues and following best practices. " +
	"Produce clean, correct, and efficient code or answers."

// Agni is the improvement stage. Unlike Sutra it has no internal
// degradation policy: the controller owns the improved-token stream and
// decides what a mid-stream failure means for the iteration.
type Agni struct {
	model    Model
	fastMode bool
}

// NewAgni builds the improvement stage.
func NewAgni(model Model, fastMode bool) (*Agni, error) {
	if model == nil {
		return nil, errNilModel
	}
	return &Agni{model: model, fastMode: fastMode}, nil
}

// Stream starts a streaming rewrite of solution under critique and returns
// the token iterator.
func (a *Agni) Stream(ctx context.Context, task, solution, critique string, isCode bool, chunks []string) (ollama.TokenIterator, error) {
	req := ollama.ChatRequest{
		Prompt:    a.buildPrompt(task, solution, critique, chunks),
		System:    agniSystem,
		MaxTokens: ollama.NumPredictFor(isCode, a.fastMode),
		Options:   ollama.Profile(a.fastMode),
	}
	return a.model.ChatStream(ctx, req)
}

// buildPrompt lays out the task, the draft, the critique, optional
// document context, and the rewrite instructions.
func (a *Agni) buildPrompt(task, solution, critique string, chunks []string) string {
	parts := []string{
		"Original Task: " + task,
		"\n--- Original Output ---\n" + solution,
		"\n--- Critique and Issues Found ---\n" + critique,
	}

	if len(chunks) > 0 {
		parts = append(parts, "\n--- Document Context ---")
		for i, chunk := range chunks {
			parts = append(parts, fmt.Sprintf("\n[Chunk %d]\n%s", i+1, chunk))
		}
		parts = append(parts, "\nEnsure all claims are properly grounded in the document context.")
	}

	parts = append(parts, "\n--- Your Task ---\n"+
		"Rewrite the solution addressing ALL issues mentioned in the critique. "+
		"Improve:\n"+
		"1. Correctness - fix all bugs and errors\n"+
		"2. Performance - optimize where possible\n"+
		"3. Clarity - make logic clear and well-structured\n"+
		"4. Grounding - ensure all claims are supported (if RAG context provided)\n\n"+
		"Provide the improved solution in clean final form.")

	return strings.Join(parts, "\n")
}
