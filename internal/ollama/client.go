// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorType categorizes client errors for programmatic handling.
type ErrorType int

const (
	// ErrTypeUnknown is an unclassified error.
	ErrTypeUnknown ErrorType = iota
	// ErrTypeConnection means the Ollama endpoint could not be reached.
	ErrTypeConnection
	// ErrTypeTimeout means the call exceeded its wall-clock budget.
	ErrTypeTimeout
	// ErrTypeModelNotFound means the requested model is not pulled.
	ErrTypeModelNotFound
	// ErrTypeProtocol means the endpoint answered with something the
	// client could not decode (bad status, malformed chunk, in-band error).
	ErrTypeProtocol
)

// ClientError is a structured error with type information.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Is matches ClientErrors by type, so sentinel comparisons work even for
// errors constructed with a more specific message.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// Sentinel errors for common failure modes.
var (
	// ErrNotRunning indicates Ollama is not reachable at the configured URL.
	ErrNotRunning = &ClientError{
		Type:    ErrTypeConnection,
		Message: "ollama is not running (start it with 'ollama serve')",
	}

	// ErrTimeout indicates a model call exceeded its wall-clock budget.
	ErrTimeout = &ClientError{
		Type:    ErrTypeTimeout,
		Message: "model call timed out",
	}
)

// IsUnavailable reports whether err means the model endpoint cannot serve
// this call at all: unreachable, timed out, or the model is not pulled.
func IsUnavailable(err error) bool {
	var ce *ClientError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Type {
	case ErrTypeConnection, ErrTypeTimeout, ErrTypeModelNotFound:
		return true
	}
	return false
}

// IsProtocol reports whether err means the endpoint answered, but with
// output the client could not interpret.
func IsProtocol(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Type == ErrTypeProtocol
}

// IsTimeout reports whether err is a wall-clock timeout.
func IsTimeout(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Type == ErrTypeTimeout
}

// IsModelNotFound reports whether err means the model is not pulled.
func IsModelNotFound(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Type == ErrTypeModelNotFound
}

// =============================================================================
// CONFIGURATION
// =============================================================================

const (
	// DefaultBaseURL is the standard Ollama endpoint.
	DefaultBaseURL = "http://localhost:11434"

	// DefaultModel is a small model that runs well on modest hardware.
	DefaultModel = "qwen2.5:1.5b"

	// DefaultTimeout bounds one full model call, including every streamed
	// token. Local models on CPU can take a while, so this is generous.
	DefaultTimeout = 120 * time.Second

	// pingTimeout bounds the health probe. A running Ollama answers
	// /api/tags in milliseconds, so anything slower counts as down.
	pingTimeout = 2 * time.Second
)

// ClientConfig holds client configuration.
type ClientConfig struct {
	// BaseURL is the Ollama API endpoint.
	BaseURL string

	// Model is the model name every call uses.
	Model string

	// Timeout is the wall-clock budget for one model call.
	Timeout time.Duration
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL: DefaultBaseURL,
		Model:   DefaultModel,
		Timeout: DefaultTimeout,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is an HTTP client for the Ollama API.
type Client struct {
	config *ClientConfig

	// httpClient serves buffered calls and carries the call timeout.
	httpClient *http.Client

	// streamClient serves streaming calls. It has no client-level timeout;
	// the per-call context deadline bounds the whole stream instead, so a
	// slow token cadence is not cut off between reads.
	streamClient *http.Client
}

// NewClient creates a client, filling in defaults for any zero fields.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config:       config,
		httpClient:   &http.Client{Timeout: config.Timeout},
		streamClient: &http.Client{},
	}
}

// Model returns the model name this client calls.
func (c *Client) Model() string {
	return c.config.Model
}

// BaseURL returns the configured endpoint.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// =============================================================================
// API METHODS
// =============================================================================

// Ping checks whether Ollama is reachable. It returns nil when the endpoint
// answers, ErrNotRunning otherwise.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return &ClientError{Type: ErrTypeUnknown, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: ErrNotRunning.Message, Cause: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &ClientError{
			Type:    ErrTypeConnection,
			Message: fmt.Sprintf("ollama answered status %d", resp.StatusCode),
		}
	}
	return nil
}

// Chat sends a buffered (non-streaming) chat request and returns the full
// response content.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	payload := chatPayload{
		Model:    c.config.Model,
		Messages: req.messages(),
		Stream:   false,
		Options:  req.options(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", &ClientError{Type: ErrTypeUnknown, Message: "failed to encode request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", &ClientError{Type: ErrTypeUnknown, Message: "failed to create request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.statusError(resp)
	}

	var chunk chatChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return "", &ClientError{Type: ErrTypeProtocol, Message: "failed to decode response", Cause: err}
	}
	if chunk.Error != "" {
		return "", &ClientError{Type: ErrTypeProtocol, Message: "ollama reported: " + chunk.Error}
	}
	return chunk.Message.Content, nil
}

// ChatStream sends a streaming chat request and returns a TokenStream the
// caller pulls tokens from. The response stays open until the caller drains
// the stream or calls Close; Close must be called on every path.
//
// The whole stream shares one wall-clock budget (ClientConfig.Timeout),
// started here. Cancelling ctx tears the stream down within one read.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (*TokenStream, error) {
	payload := chatPayload{
		Model:    c.config.Model,
		Messages: req.messages(),
		Stream:   true,
		Options:  req.options(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "failed to encode request", Cause: err}
	}

	sctx, cancel := context.WithTimeout(ctx, c.config.Timeout)

	httpReq, err := http.NewRequestWithContext(sctx, http.MethodPost, c.config.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "failed to create request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		cerr := c.statusError(resp)
		resp.Body.Close()
		cancel()
		return nil, cerr
	}

	return newTokenStream(sctx, cancel, resp.Body), nil
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

// classifyTransportError maps a transport-level failure onto the client
// error taxonomy. Caller cancellation passes through untouched so callers
// can tell a cancelled run from a dead endpoint.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ClientError{Type: ErrTypeTimeout, Message: ErrTimeout.Message, Cause: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &ClientError{Type: ErrTypeTimeout, Message: ErrTimeout.Message, Cause: err}
	}
	return &ClientError{Type: ErrTypeConnection, Message: ErrNotRunning.Message, Cause: err}
}

// statusError maps a non-200 response to a ClientError, pulling the error
// detail out of the JSON body when there is one.
func (c *Client) statusError(resp *http.Response) *ClientError {
	detail := ""
	var body apiError
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil {
		detail = body.Error
	}

	if resp.StatusCode == http.StatusNotFound {
		msg := fmt.Sprintf("model %q not found (pull it with 'ollama pull %s')", c.config.Model, c.config.Model)
		if detail != "" {
			msg = fmt.Sprintf("model %q not found: %s", c.config.Model, detail)
		}
		return &ClientError{Type: ErrTypeModelNotFound, Message: msg}
	}

	msg := fmt.Sprintf("ollama answered status %d", resp.StatusCode)
	if detail != "" {
		msg = fmt.Sprintf("ollama answered status %d: %s", resp.StatusCode, detail)
	}
	return &ClientError{Type: ErrTypeProtocol, Message: msg}
}
