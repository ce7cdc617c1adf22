// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// =============================================================================
// TOKEN ITERATOR
// =============================================================================

// TokenIterator is the pull-side contract of a streaming model call.
//
// Usage follows the bufio.Scanner shape:
//
//	stream, err := client.ChatStream(ctx, req)
//	if err != nil { ... }
//	defer stream.Close()
//	for stream.Next() {
//	    emit(stream.Token())
//	}
//	if err := stream.Err(); err != nil { ... }
//
// Next never returns a token after it has reported the end of the stream,
// and Err is nil after a normal end (including a hit token ceiling).
type TokenIterator interface {
	// Next advances to the next token. It returns false when the stream
	// ends, normally or not; check Err to tell the two apart.
	Next() bool

	// Token returns the token Next just produced.
	Token() string

	// Err returns the terminal error, or nil after a normal end.
	Err() error

	// Close releases the underlying connection. Safe to call more than
	// once, and required on every path, drained or abandoned.
	Close() error
}

// =============================================================================
// TOKEN STREAM
// =============================================================================

// TokenStream pulls tokens out of an NDJSON /api/chat response one line at
// a time. It reads nothing ahead of the caller, so backpressure falls
// through to the TCP connection.
type TokenStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	reader *bufio.Reader

	tok        string
	err        error
	done       bool
	finalChunk bool // last produced token carried done=true
	doneReason string

	// PERFORMANCE: strings.Builder avoids quadratic allocations
	acc        strings.Builder
	tokenCount int

	closed bool
}

var _ TokenIterator = (*TokenStream)(nil)

// newTokenStream wraps an open response body. The stream owns cancel and
// body; Close releases both.
func newTokenStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser) *TokenStream {
	return &TokenStream{
		ctx:    ctx,
		cancel: cancel,
		body:   body,
		reader: bufio.NewReader(body),
	}
}

// Next reads lines until it finds the next token. One call does at most a
// few line reads (role-only and keepalive chunks carry no content), so a
// cancelled context stops the stream within one read cycle.
func (s *TokenStream) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	if s.finalChunk {
		s.done = true
		return false
	}

	for {
		select {
		case <-s.ctx.Done():
			s.fail(s.ctx.Err())
			return false
		default:
		}

		line, readErr := s.reader.ReadBytes('\n')
		if readErr != nil && len(bytesTrim(line)) == 0 {
			if readErr == io.EOF {
				// Server closed the stream without a done chunk. The
				// response is over either way; treat it as a normal end.
				s.done = true
				return false
			}
			s.fail(readErr)
			return false
		}

		trimmed := bytesTrim(line)
		if len(trimmed) == 0 {
			continue
		}

		// Some proxies re-frame NDJSON as SSE. Tolerate the prefix.
		trimmed = strings.TrimPrefix(trimmed, "data: ")

		var chunk chatChunk
		if err := json.Unmarshal([]byte(trimmed), &chunk); err != nil {
			s.err = &ClientError{
				Type:    ErrTypeProtocol,
				Message: "undecodable stream chunk: " + snippet(trimmed),
				Cause:   err,
			}
			return false
		}

		if chunk.Error != "" {
			s.err = &ClientError{
				Type:    ErrTypeProtocol,
				Message: "ollama reported: " + chunk.Error,
			}
			return false
		}

		if chunk.Done {
			s.doneReason = chunk.DoneReason
			if chunk.Message.Content == "" {
				s.done = true
				return false
			}
			// Final chunk carries a last token. Produce it now, end on
			// the next call.
			s.finalChunk = true
			return s.produce(chunk.Message.Content)
		}

		if readErr == io.EOF {
			// Valid chunk on the final unterminated line.
			s.finalChunk = true
			if chunk.Message.Content == "" {
				s.done = true
				return false
			}
			return s.produce(chunk.Message.Content)
		}

		if chunk.Message.Content == "" {
			continue
		}
		return s.produce(chunk.Message.Content)
	}
}

// Token returns the current token.
func (s *TokenStream) Token() string {
	return s.tok
}

// Err returns the terminal error, nil after a normal end. Caller
// cancellation surfaces as context.Canceled, the wall-clock budget as
// ErrTimeout, and everything else as a typed ClientError.
func (s *TokenStream) Err() error {
	return s.err
}

// Close cancels the call context and closes the response body. Idempotent.
func (s *TokenStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return s.body.Close()
}

// Text returns everything produced so far, concatenated. After a drained
// stream this is the full model response.
func (s *TokenStream) Text() string {
	return s.acc.String()
}

// TokenCount returns how many tokens Next has produced.
func (s *TokenStream) TokenCount() int {
	return s.tokenCount
}

// DoneReason reports why the model stopped ("stop", "length", ...). Empty
// until the stream ends. A "length" end means the token ceiling was hit;
// that is still a normal end.
func (s *TokenStream) DoneReason() string {
	return s.doneReason
}

// produce records a token as the current one.
func (s *TokenStream) produce(tok string) bool {
	s.tok = tok
	s.acc.WriteString(tok)
	s.tokenCount++
	return true
}

// fail classifies a read-side failure. Cancellation passes through as
// context.Canceled so callers can tell an aborted run from a dead stream.
func (s *TokenStream) fail(err error) {
	switch {
	case s.ctx.Err() == context.Canceled:
		s.err = context.Canceled
	case s.ctx.Err() == context.DeadlineExceeded:
		s.err = &ClientError{Type: ErrTypeTimeout, Message: ErrTimeout.Message, Cause: err}
	default:
		s.err = &ClientError{Type: ErrTypeConnection, Message: "stream read failed", Cause: err}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// bytesTrim trims whitespace and returns the line as a string.
func bytesTrim(line []byte) string {
	return strings.TrimSpace(string(line))
}

// snippet truncates a line for inclusion in an error message.
func snippet(line string) string {
	const max = 120
	if len(line) <= max {
		return line
	}
	return line[:max] + "..."
}
