// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package streaming bridges incremental generation into an ordered,
// framed sequence of chunks that a transport can forward verbatim.
//
// # Architecture
//
//	DeltaStream ──Recv──▶ Bridge ──Framer──▶ <-chan Chunk ──▶ transport
//	                        │
//	                        └─ completion hook (runs before the terminal chunk)
//
// Every delta produces exactly one chunk, in production order. A stream
// that completes normally ends with one terminal chunk. A stream that
// fails ends with an error chunk followed by the terminal chunk. A stream
// whose context is cancelled ends with no terminal chunk at all.
package streaming

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/generation"
)

// ErrBridgeStarted is returned by Run when the bridge has already run.
var ErrBridgeStarted = errors.New("streaming bridge already started")

// DefaultErrorMessage is the client-facing text of an error chunk.
const DefaultErrorMessage = "An error occurred while generating the answer"

// Chunk is one framed unit of output.
type Chunk struct {
	// Payload is the framed bytes, ready to be written to the transport.
	Payload []byte
	// Terminal marks the end-of-stream chunk.
	Terminal bool
	// Err marks a chunk carrying a failure message.
	Err bool
}

// CompletionFunc runs once the source reaches end-of-stream, with the full
// concatenated answer. A non-nil error is reported as an error chunk.
type CompletionFunc func(ctx context.Context, answer string) error

// Option configures a Bridge.
type Option func(*Bridge)

// WithBuffer sets the output channel capacity. Values below 1 are ignored.
func WithBuffer(n int) Option {
	return func(b *Bridge) {
		if n >= 1 {
			b.buffer = n
		}
	}
}

// WithCompletion registers the end-of-stream hook.
func WithCompletion(fn CompletionFunc) Option {
	return func(b *Bridge) { b.completion = fn }
}

// WithFinalizer registers a func that runs on every exit path, after the
// source is closed and before the output channel is closed.
func WithFinalizer(fn func()) Option {
	return func(b *Bridge) { b.finalizer = fn }
}

// WithErrorMessage overrides DefaultErrorMessage.
func WithErrorMessage(msg string) Option {
	return func(b *Bridge) { b.errorMessage = msg }
}

// WithChunkObserver registers a func called after each chunk is delivered.
func WithChunkObserver(fn func(Chunk)) Option {
	return func(b *Bridge) { b.onChunk = fn }
}

// WithCancelObserver registers a func called when the consumer's context
// is cancelled before the stream finished.
func WithCancelObserver(fn func()) Option {
	return func(b *Bridge) { b.onCancel = fn }
}

// Bridge drives a DeltaStream exactly once.
//
// # Thread Safety
//
// Run may be called from any goroutine; only the first call starts the
// bridge. The returned channel has a single consumer.
type Bridge struct {
	src          generation.DeltaStream
	framer       Framer
	buffer       int
	completion   CompletionFunc
	finalizer    func()
	errorMessage string
	onChunk      func(Chunk)
	onCancel     func()

	started atomic.Bool
}

// NewBridge creates a bridge over src.
func NewBridge(src generation.DeltaStream, framer Framer, opts ...Option) *Bridge {
	b := &Bridge{
		src:          src,
		framer:       framer,
		buffer:       1,
		errorMessage: DefaultErrorMessage,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run starts forwarding and returns the chunk channel, which is closed
// when the bridge finishes. The source is closed on every exit path.
//
// # Outputs
//
//   - <-chan Chunk: framed chunks in delta order.
//   - error: ErrBridgeStarted on any call after the first.
func (b *Bridge) Run(ctx context.Context) (<-chan Chunk, error) {
	if !b.started.CompareAndSwap(false, true) {
		return nil, ErrBridgeStarted
	}
	out := make(chan Chunk, b.buffer)
	go b.pump(ctx, out)
	return out, nil
}

func (b *Bridge) pump(ctx context.Context, out chan<- Chunk) {
	defer close(out)
	if b.finalizer != nil {
		defer b.finalizer()
	}
	defer func() {
		if err := b.src.Close(); err != nil {
			slog.Warn("closing delta stream", "error", err)
		}
	}()

	// Unblock a source stuck in Recv once the consumer goes away.
	stop := context.AfterFunc(ctx, func() { _ = b.src.Close() })
	defer stop()

	send := func(c Chunk) bool {
		select {
		case out <- c:
			if b.onChunk != nil {
				b.onChunk(c)
			}
			return true
		case <-ctx.Done():
			return false
		}
	}
	cancelled := func() {
		if b.onCancel != nil {
			b.onCancel()
		}
	}
	fail := func() {
		if send(Chunk{Payload: b.framer.Error(b.errorMessage), Err: true}) {
			send(Chunk{Payload: b.framer.Terminal(), Terminal: true})
		}
	}

	var answer strings.Builder
	for {
		if ctx.Err() != nil {
			cancelled()
			return
		}
		delta, err := b.src.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				cancelled()
				return
			}
			slog.Error("delta stream failed", "error", err)
			fail()
			return
		}
		answer.WriteString(delta)
		if !send(Chunk{Payload: b.framer.Frame(delta)}) {
			cancelled()
			return
		}
	}

	if b.completion != nil {
		if err := b.completion(ctx, answer.String()); err != nil {
			slog.Error("stream completion hook failed", "error", err)
			fail()
			return
		}
	}
	send(Chunk{Payload: b.framer.Terminal(), Terminal: true})
}
