// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API.
//
// This package implements a client for the Ollama local LLM server,
// supporting buffered chat completions and pull-based token streaming.
//
// # Key Types
//
//   - Client: HTTP client for Ollama API communication
//   - ChatRequest: One model call (prompt, system prompt, sampling options)
//   - TokenStream: Pull iterator over a streaming response
//   - ClientError: Typed errors (connection, timeout, model missing, protocol)
//
// # Usage
//
// Create a client and send a buffered chat request:
//
//	client := ollama.NewClient(&ollama.ClientConfig{Model: "qwen2.5:1.5b"})
//	text, err := client.Chat(ctx, ollama.ChatRequest{
//	    Prompt:  "Explain goroutines",
//	    Options: ollama.FastOptions(),
//	})
//
// For streaming responses, pull tokens like a bufio.Scanner:
//
//	stream, err := client.ChatStream(ctx, request)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for stream.Next() {
//	    fmt.Print(stream.Token())
//	}
//	if err := stream.Err(); err != nil {
//	    return err
//	}
//
// The stream reads nothing ahead of the consumer; a slow consumer slows
// the model down instead of buffering tokens. A TokenStream belongs to one
// goroutine. To abort it from outside, cancel the context passed to
// ChatStream; the stream stops within one read cycle.
//
// # Errors
//
// Failures carry an ErrorType. IsUnavailable groups everything that means
// "the model cannot serve this call" (endpoint down, call timed out, model
// not pulled); IsProtocol means the endpoint answered garbage. A run
// cancelled by the caller surfaces as context.Canceled, never as a
// ClientError.
package ollama
