// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Message represents a chat message in the conversation.
type Message struct {
	Role    string `json:"role"`    // "user", "assistant", "system"
	Content string `json:"content"` // The message content
}

// ChatRequest describes a single model call. The client translates it into
// the /api/chat wire payload, injecting the configured model name.
type ChatRequest struct {
	// Prompt is the user message content.
	Prompt string

	// System is the optional system prompt.
	System string

	// MaxTokens overrides Options.NumPredict when > 0. Reaching the ceiling
	// ends the stream normally; it is never reported as an error.
	MaxTokens int

	// Options holds the sampling parameters for this call.
	Options Options
}

// Options contains model parameters for inference.
type Options struct {
	Temperature   float64  `json:"temperature,omitempty"`    // 0.0-2.0
	TopK          int      `json:"top_k,omitempty"`          // Candidate pool size
	TopP          float64  `json:"top_p,omitempty"`          // Nucleus sampling cutoff
	RepeatPenalty float64  `json:"repeat_penalty,omitempty"` // Repetition penalty
	NumCtx        int      `json:"num_ctx,omitempty"`        // Context window size
	NumPredict    int      `json:"num_predict,omitempty"`    // Max tokens to generate
	Seed          int      `json:"seed,omitempty"`           // Random seed for reproducibility
	Stop          []string `json:"stop,omitempty"`           // Stop sequences
}

// FastOptions returns the low-latency inference profile.
// Smaller candidate pool and context window trade quality for speed.
func FastOptions() Options {
	return Options{
		NumPredict:    384,
		Temperature:   0.5,
		TopP:          0.7,
		TopK:          20,
		RepeatPenalty: 1.1,
		NumCtx:        1024,
	}
}

// NormalOptions returns the balanced quality/speed inference profile.
func NormalOptions() Options {
	return Options{
		NumPredict:    640,
		Temperature:   0.6,
		TopP:          0.8,
		TopK:          30,
		RepeatPenalty: 1.1,
		NumCtx:        2048,
	}
}

// Profile returns the inference profile for the given mode.
func Profile(fastMode bool) Options {
	if fastMode {
		return FastOptions()
	}
	return NormalOptions()
}

// NumPredictFor returns the output token ceiling for a task shape.
// Prose answers need more room than code (chat-style responses run long).
func NumPredictFor(isCode, fastMode bool) int {
	if isCode {
		if fastMode {
			return 384
		}
		return 640
	}
	if fastMode {
		return 512
	}
	return 1024
}

// chatPayload is the wire request body for the /api/chat endpoint.
type chatPayload struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// chatChunk is one NDJSON frame from /api/chat. The same shape covers both
// streaming chunks and the buffered (stream=false) response.
type chatChunk struct {
	Model      string  `json:"model"`
	Message    Message `json:"message"`
	Done       bool    `json:"done"`
	DoneReason string  `json:"done_reason,omitempty"`
	EvalCount  int     `json:"eval_count,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// apiError is the JSON error body Ollama returns on non-200 statuses.
type apiError struct {
	Error string `json:"error"`
}

// =============================================================================
// HELPER METHODS
// =============================================================================

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{Role: "system", Content: content}
}

// messages assembles the wire message list for a request.
func (r ChatRequest) messages() []Message {
	msgs := make([]Message, 0, 2)
	if r.System != "" {
		msgs = append(msgs, NewSystemMessage(r.System))
	}
	msgs = append(msgs, NewUserMessage(r.Prompt))
	return msgs
}

// options resolves the effective options, applying the MaxTokens override.
func (r ChatRequest) options() *Options {
	opts := r.Options
	if r.MaxTokens > 0 {
		opts.NumPredict = r.MaxTokens
	}
	return &opts
}
