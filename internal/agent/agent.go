// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agent implements the model-backed stages of a refinement run:
// Yantra generates a solution, Sutra critiques it, Agni rewrites it. Each
// stage owns its prompt layout and inference profile; the controller owns
// sequencing and event emission.
//
// Stages never reach for a model themselves. The Model collaborator is
// injected at construction and a nil model fails construction, so a
// missing dependency shows up at wiring time instead of mid-run.
package agent

import (
	"context"
	"errors"

	"github.com/AP2611/Chakra-final/internal/ollama"
)

// Model is the slice of the Ollama client the stages consume.
type Model interface {
	// Chat performs one buffered call and returns the full content.
	Chat(ctx context.Context, req ollama.ChatRequest) (string, error)

	// ChatStream performs one streaming call. The caller owns the
	// iterator and must Close it on every path.
	ChatStream(ctx context.Context, req ollama.ChatRequest) (ollama.TokenIterator, error)
}

// OllamaModel adapts *ollama.Client to the Model interface.
type OllamaModel struct {
	*ollama.Client
}

// NewOllamaModel wraps an Ollama client for stage injection.
func NewOllamaModel(client *ollama.Client) OllamaModel {
	return OllamaModel{Client: client}
}

// ChatStream narrows the concrete stream to the iterator contract.
func (m OllamaModel) ChatStream(ctx context.Context, req ollama.ChatRequest) (ollama.TokenIterator, error) {
	stream, err := m.Client.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

var errNilModel = errors.New("agent: model is required")
