// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"sync"
)

// =============================================================================
// EMITTER
// =============================================================================

// Emitter is the producer-side contract the controller writes events to.
// Emit may block; it returns ctx.Err() when the run is cancelled while
// waiting, and events are delivered in emit order.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Discard is an Emitter that drops every event. The blocking endpoint runs
// the controller with it and reads the result struct instead.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(context.Context, Event) error { return nil }

// =============================================================================
// SINK
// =============================================================================

// DefaultBuffer is the sink buffer size. Big enough to absorb a burst of
// small token events, small enough that a stalled consumer exerts
// backpressure quickly.
const DefaultBuffer = 64

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("event sink closed")

// Sink is an ordered single-producer/single-consumer event queue between
// a controller run and its transport. The producer owns the lifecycle: it
// emits, then closes; the consumer ranges over Events until the channel
// closes. Nothing is ever dropped; when the buffer fills, Emit blocks
// until the consumer catches up or the run context ends.
type Sink struct {
	ch chan Event

	mu     sync.Mutex
	closed bool
}

// NewSink creates a sink. buffer <= 0 selects DefaultBuffer.
func NewSink(buffer int) *Sink {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Sink{ch: make(chan Event, buffer)}
}

// Emit queues one event. It blocks while the buffer is full and gives up
// with ctx.Err() when the context ends first, so a vanished consumer can
// never wedge a producer forever.
func (s *Sink) Emit(ctx context.Context, ev Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events exposes the receive side. The channel closes after Close, once
// buffered events are drained.
func (s *Sink) Events() <-chan Event {
	return s.ch
}

// Close ends the stream. The producer calls it after the last Emit;
// calling it again is a no-op.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	return nil
}

var _ Emitter = (*Sink)(nil)
