// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generation adapts language model clients to the conversation
// engine. It exposes one-shot and streaming generation behind a single
// facade so the rest of the engine never sees backend specifics.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.orchestrator.generation")

// ErrGenerationFailed marks any failure of the model to produce an answer.
var ErrGenerationFailed = errors.New("generation failed")

// =============================================================================
// Interfaces
// =============================================================================

// DeltaStream yields answer fragments in production order.
//
// # Description
//
// Recv blocks until the next fragment is available. It returns io.EOF once
// the model has finished; any other error matches ErrGenerationFailed and
// also ends the stream. A stream is consumed once and cannot be restarted.
//
// # Thread Safety
//
// A DeltaStream has exactly one consumer. Close may be called at any time,
// including while the producer is still running, and is idempotent.
type DeltaStream interface {
	Recv() (string, error)
	Close() error
}

// Generator is the generation facade used by the conversation stages.
type Generator interface {
	// Generate returns the complete assistant message for the prompt layers.
	Generate(ctx context.Context, messages []datatypes.Message) (datatypes.Message, error)

	// GenerateStream starts incremental generation for the prompt layers.
	GenerateStream(ctx context.Context, messages []datatypes.Message) (DeltaStream, error)
}

// =============================================================================
// LLM-backed Generator
// =============================================================================

// LLMGenerator implements Generator over an llm.LLMClient.
type LLMGenerator struct {
	client llm.LLMClient
	params llm.GenerationParams
}

var _ Generator = (*LLMGenerator)(nil)

// NewLLMGenerator wraps client. params apply to every call.
func NewLLMGenerator(client llm.LLMClient, params llm.GenerationParams) *LLMGenerator {
	return &LLMGenerator{client: client, params: params}
}

// Generate implements Generator.
func (g *LLMGenerator) Generate(ctx context.Context, messages []datatypes.Message) (datatypes.Message, error) {
	ctx, span := tracer.Start(ctx, "LLMGenerator.Generate")
	defer span.End()
	span.SetAttributes(attribute.Int("generation.layers", len(messages)))

	answer, err := g.client.Chat(ctx, messages, g.params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model call failed")
		return datatypes.Message{}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	span.SetAttributes(attribute.Int("generation.answer_bytes", len(answer)))
	return datatypes.NewMessage(datatypes.RoleAssistant, answer), nil
}

// GenerateStream implements Generator.
//
// # Description
//
// Starts the client's callback-based stream on its own goroutine and
// hands each token to the returned DeltaStream through an unbuffered
// channel, so the model is never read ahead of the consumer. Thinking
// events are dropped; they are not part of the answer.
func (g *LLMGenerator) GenerateStream(ctx context.Context, messages []datatypes.Message) (DeltaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &llmDeltaStream{
		deltas: make(chan string),
		cancel: cancel,
	}

	go s.produce(streamCtx, g.client, messages, g.params)
	return s, nil
}

type llmDeltaStream struct {
	deltas chan string
	cancel context.CancelFunc

	// err is written before deltas is closed and read only after.
	err error

	closeOnce sync.Once
}

func (s *llmDeltaStream) produce(ctx context.Context, client llm.LLMClient,
	messages []datatypes.Message, params llm.GenerationParams) {

	ctx, span := tracer.Start(ctx, "LLMGenerator.GenerateStream")
	defer span.End()
	defer close(s.deltas)

	deltas := 0
	err := client.ChatStream(ctx, messages, params, func(event llm.StreamEvent) error {
		if event.Type != llm.StreamEventToken || event.Content == "" {
			return nil
		}
		select {
		case s.deltas <- event.Content:
			deltas++
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	span.SetAttributes(attribute.Int("generation.deltas", deltas))
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Streaming generation failed", "error", err, "deltas", deltas)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		s.err = fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
}

// Recv implements DeltaStream.
func (s *llmDeltaStream) Recv() (string, error) {
	delta, ok := <-s.deltas
	if ok {
		return delta, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

// Close implements DeltaStream. It cancels the producer and waits for it
// to exit.
func (s *llmDeltaStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		for range s.deltas {
		}
	})
	return nil
}
