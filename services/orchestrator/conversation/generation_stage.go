// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/generation"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/prompt"
	"go.opentelemetry.io/otel/codes"
)

// GenerationStage answers the current question from the assembled prompt.
type GenerationStage struct {
	assembler *prompt.Assembler
	generator generation.Generator
}

// NewGenerationStage creates the stage.
func NewGenerationStage(assembler *prompt.Assembler, generator generation.Generator) *GenerationStage {
	return &GenerationStage{assembler: assembler, generator: generator}
}

// Run generates the answer and records the exchange in state.
//
// On failure the returned error matches ErrGenerationFailed and history is
// left untouched.
func (s *GenerationStage) Run(ctx context.Context, state *datatypes.ConversationState) error {
	ctx, span := tracer.Start(ctx, "GenerationStage.Run")
	defer span.End()

	layers, err := s.layers(state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prompt assembly failed")
		return err
	}

	answer, err := s.generator.Generate(ctx, layers)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		return err
	}
	if answer.Content == "" {
		err := fmt.Errorf("%w: model returned an empty answer", ErrGenerationFailed)
		span.SetStatus(codes.Error, "empty answer")
		return err
	}

	s.Commit(state, answer.Content)
	return nil
}

// Open starts a streamed answer for the current question. The caller
// drives the stream and calls Commit with the concatenated answer.
func (s *GenerationStage) Open(ctx context.Context, state *datatypes.ConversationState) (generation.DeltaStream, error) {
	layers, err := s.layers(state)
	if err != nil {
		return nil, err
	}
	stream, err := s.generator.GenerateStream(ctx, layers)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Commit appends the question and answer to history and fills the turn's
// answer fields.
func (s *GenerationStage) Commit(state *datatypes.ConversationState, answer string) {
	state.Turn.Answer = answer
	state.Turn.MergedDocuments = prompt.MergeContext(state.Turn.LocalContext, state.Turn.WebContext)
	state.AppendExchange(state.Turn.Question, answer)
}

func (s *GenerationStage) layers(state *datatypes.ConversationState) ([]datatypes.Message, error) {
	layers, err := s.assembler.Build(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	return layers, nil
}
