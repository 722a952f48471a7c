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
	"log/slog"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/generation"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/prompt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultSummarizationThreshold is the history length above which a
	// turn ends with summarization.
	DefaultSummarizationThreshold = 6

	// retainedMessages is how many of the newest messages survive pruning.
	retainedMessages = 2
)

// Outcome is the decision taken after generation.
type Outcome int

const (
	OutcomeEnd Outcome = iota
	OutcomeSummarize
)

func (o Outcome) String() string {
	if o == OutcomeSummarize {
		return "summarize"
	}
	return "end"
}

// SummarizationPolicy decides whether a turn summarizes.
type SummarizationPolicy struct {
	// Threshold is compared against len(History). Values below 1 use
	// DefaultSummarizationThreshold.
	Threshold int
}

// Decide returns OutcomeSummarize iff history is longer than the threshold.
func (p SummarizationPolicy) Decide(state *datatypes.ConversationState) Outcome {
	threshold := p.Threshold
	if threshold < 1 {
		threshold = DefaultSummarizationThreshold
	}
	if len(state.History) > threshold {
		return OutcomeSummarize
	}
	return OutcomeEnd
}

// SummarizationStage folds history into the running summary.
//
// # Description
//
// A successful run replaces Summary with the model output and prunes
// History down to the newest two messages. Pruning is a set difference on
// message identifiers: every identifier that appears before the retained
// tail is removed, wherever it occurs. A failed run changes nothing.
type SummarizationStage struct {
	assembler *prompt.Assembler
	generator generation.Generator
	metrics   *observability.Metrics
}

// NewSummarizationStage creates the stage. metrics may be nil.
func NewSummarizationStage(assembler *prompt.Assembler, generator generation.Generator,
	metrics *observability.Metrics) *SummarizationStage {
	return &SummarizationStage{assembler: assembler, generator: generator, metrics: metrics}
}

// Run summarizes state. Errors match ErrSummarizationFailed.
func (s *SummarizationStage) Run(ctx context.Context, state *datatypes.ConversationState) error {
	ctx, span := tracer.Start(ctx, "SummarizationStage.Run")
	defer span.End()
	span.SetAttributes(attribute.Int("summarization.history_len", len(state.History)))

	err := s.run(ctx, state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "summarization failed")
		slog.Error("Summarization failed, keeping previous summary",
			"sessionId", state.SessionID,
			"stage", StageSummarize.String(),
			"error", err)
		s.metrics.RecordSummarization(observability.SummarizationFailed)
		return err
	}
	s.metrics.RecordSummarization(observability.SummarizationSucceeded)
	return nil
}

func (s *SummarizationStage) run(ctx context.Context, state *datatypes.ConversationState) error {
	layers, err := s.assembler.BuildSummarization(state)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSummarizationFailed, err)
	}
	summary, err := s.generator.Generate(ctx, layers)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSummarizationFailed, err)
	}
	if summary.Content == "" {
		return fmt.Errorf("%w: model returned an empty summary", ErrSummarizationFailed)
	}

	state.Summary = summary.Content
	state.History = pruneHistory(state.History, retainedMessages)
	return nil
}

// pruneHistory removes every message older than the newest keep, by
// identifier. Messages without an identifier cannot be addressed and stay.
// A newer message sharing an identifier with a removed one goes too.
func pruneHistory(history []datatypes.Message, keep int) []datatypes.Message {
	if len(history) <= keep {
		return history
	}
	cut := len(history) - keep

	removed := make(map[string]struct{}, cut)
	for _, m := range history[:cut] {
		if m.ID != "" {
			removed[m.ID] = struct{}{}
		}
	}

	kept := make([]datatypes.Message, 0, keep)
	for _, m := range history {
		if m.ID == "" {
			kept = append(kept, m)
			continue
		}
		if _, gone := removed[m.ID]; gone {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}
