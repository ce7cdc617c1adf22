// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/AP2611/Chakra-final/internal/ollama"
)

// sutraSystem is the critique stage's system prompt.
const sutraSystem = "You are Sutra, a strict expert reviewer. " +
	"Identify all issues precisely and explain what must be improved. " +
	"Be thorough and specific in your critique."

// FallbackCritique is what a degraded critique stage hands downstream. A
// run survives a dead reviewer; the improvement stage just gets nothing to
// fix.
const FallbackCritique = "no issues found"

// Sutra is the critique stage.
type Sutra struct {
	model    Model
	fastMode bool
}

// NewSutra builds the critique stage.
func NewSutra(model Model, fastMode bool) (*Sutra, error) {
	if model == nil {
		return nil, errNilModel
	}
	return &Sutra{model: model, fastMode: fastMode}, nil
}

// Critique reviews a solution against its task. The stage degrades instead
// of failing: any model error that is not a run cancellation is logged and
// replaced with FallbackCritique. The returned error is non-nil only when
// the run context itself ended, which must propagate.
func (s *Sutra) Critique(ctx context.Context, task, solution string, isCode bool, chunks []string) (string, error) {
	req := ollama.ChatRequest{
		Prompt:    s.buildPrompt(task, solution, chunks),
		System:    sutraSystem,
		MaxTokens: ollama.NumPredictFor(isCode, s.fastMode),
		Options:   ollama.Profile(s.fastMode),
	}

	critique, err := s.model.Chat(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Printf("STAGE_DEGRADED | stage=critique reason=%v", err)
		return FallbackCritique, nil
	}

	critique = strings.TrimSpace(critique)
	if critique == "" {
		log.Printf("STAGE_DEGRADED | stage=critique reason=empty_output")
		return FallbackCritique, nil
	}
	return critique, nil
}

// buildPrompt lays out the task, the output under review, optional
// document context for verification, and the reviewer checklist.
func (s *Sutra) buildPrompt(task, solution string, chunks []string) string {
	parts := []string{
		"Original Task: " + task,
		"\n--- Yantra's Output ---\n" + solution,
	}

	if len(chunks) > 0 {
		parts = append(parts, "\n--- Document Context (for verification) ---")
		for i, chunk := range chunks {
			parts = append(parts, fmt.Sprintf("\n[Chunk %d]\n%s", i+1, chunk))
		}
		parts = append(parts, "\nCheck if all claims in the output are supported by the document context. "+
			"Flag any hallucinations or unsupported statements.")
	}

	parts = append(parts, "\n--- Your Task ---\n"+
		"Analyze the output and identify:\n"+
		"1. Bugs or errors\n"+
		"2. Inaccuracies\n"+
		"3. Inefficiencies\n"+
		"4. Unclear logic\n"+
		"5. Missing edge cases\n"+
		"6. Unsupported claims (if RAG context provided)\n\n"+
		"Provide a bullet list of problems and suggested fixes.")

	return strings.Join(parts, "\n")
}
