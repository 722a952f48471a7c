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
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/generation"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/prompt"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/session"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/streaming"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.orchestrator.conversation")

// =============================================================================
// Construction
// =============================================================================

// Dependencies are the collaborators of an Orchestrator.
type Dependencies struct {
	Sessions  *session.Manager
	Retrieval *retrieval.Facade
	Generator generation.Generator
	Assembler *prompt.Assembler
	Metrics   *observability.Metrics // optional
}

// Options tune turn behavior. Zero values take defaults.
type Options struct {
	SummarizationThreshold int
	StreamBuffer           int
	StreamErrorMessage     string
}

// TurnResult is the outcome of a non-streaming turn.
type TurnResult struct {
	SessionID string
	Answer    string
	Documents []datatypes.RetrievedDocument
}

// Orchestrator runs turns.
//
// # Thread Safety
//
// Safe for concurrent use. Turns on the same session queue behind each
// other; turns on different sessions run in parallel.
type Orchestrator struct {
	sessions      *session.Manager
	retrieval     *RetrievalStage
	generation    *GenerationStage
	policy        SummarizationPolicy
	summarization *SummarizationStage
	metrics       *observability.Metrics

	streamBuffer       int
	streamErrorMessage string
}

// NewOrchestrator wires the stages. A nil Assembler uses the built-in
// templates.
func NewOrchestrator(deps Dependencies, opts Options) *Orchestrator {
	assembler := deps.Assembler
	if assembler == nil {
		assembler = prompt.NewAssembler()
	}
	if opts.StreamBuffer < 1 {
		opts.StreamBuffer = 1
	}
	if opts.StreamErrorMessage == "" {
		opts.StreamErrorMessage = streaming.DefaultErrorMessage
	}
	return &Orchestrator{
		sessions:           deps.Sessions,
		retrieval:          NewRetrievalStage(deps.Retrieval, deps.Metrics),
		generation:         NewGenerationStage(assembler, deps.Generator),
		policy:             SummarizationPolicy{Threshold: opts.SummarizationThreshold},
		summarization:      NewSummarizationStage(assembler, deps.Generator, deps.Metrics),
		metrics:            deps.Metrics,
		streamBuffer:       opts.StreamBuffer,
		streamErrorMessage: opts.StreamErrorMessage,
	}
}

// Sessions returns the session manager.
func (o *Orchestrator) Sessions() *session.Manager {
	return o.sessions
}

// =============================================================================
// Non-streaming turns
// =============================================================================

// Ask runs one complete turn and returns the answer.
//
// # Description
//
// Once the session lease is held the turn is detached from ctx
// cancellation, so a caller that goes away does not abort generation or
// lose the exchange. ctx still bounds the wait for the lease. A failed
// turn still saves the session with its history unchanged.
//
// # Outputs
//
//   - *TurnResult: the answer and the documents it was grounded on.
//   - error: matches ErrInvalidInput or ErrGenerationFailed, or wraps a
//     session store failure. Always a *StageError.
func (o *Orchestrator) Ask(ctx context.Context, sessionID, question string) (*TurnResult, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Ask",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	result, err := o.ask(ctx, sessionID, question)
	o.metrics.RecordTurn(observability.ModeSync, err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) ask(ctx context.Context, sessionID, question string) (*TurnResult, error) {
	lease, err := o.start(ctx, sessionID, question)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	runCtx := context.WithoutCancel(ctx)
	state := lease.State

	if err := o.timed(StageParallelRetrieval, func() error {
		return o.retrieval.Run(runCtx, state)
	}); err != nil {
		o.persistUnchanged(runCtx, lease)
		return nil, stageError(StageParallelRetrieval, sessionID, err)
	}

	if err := o.timed(StageGenerate, func() error {
		return o.generation.Run(runCtx, state)
	}); err != nil {
		slog.Error("Generation failed", "sessionId", sessionID, "stage", StageGenerate.String(), "error", err)
		o.persistUnchanged(runCtx, lease)
		return nil, stageError(StageGenerate, sessionID, err)
	}

	if err := o.finish(runCtx, lease); err != nil {
		return nil, err
	}

	return &TurnResult{
		SessionID: sessionID,
		Answer:    state.Turn.Answer,
		Documents: state.Turn.MergedDocuments,
	}, nil
}

// =============================================================================
// Streaming turns
// =============================================================================

// StreamOption configures AskStream.
type StreamOption func(*streamConfig)

type streamConfig struct {
	framer   streaming.Framer
	onChunk  func(streaming.Chunk)
	onCancel func()
}

// WithFramer selects the chunk framing. The default is SSE.
func WithFramer(f streaming.Framer) StreamOption {
	return func(c *streamConfig) { c.framer = f }
}

// WithChunkObserver is called after each chunk reaches the consumer.
func WithChunkObserver(fn func(streaming.Chunk)) StreamOption {
	return func(c *streamConfig) { c.onChunk = fn }
}

// WithCancelObserver is called when the consumer's context ends first.
func WithCancelObserver(fn func()) StreamOption {
	return func(c *streamConfig) { c.onCancel = fn }
}

// AskStream runs a turn whose answer is delivered as framed chunks.
//
// # Description
//
// Start and ParallelRetrieval run before AskStream returns; any failure
// up to and including opening the generation stream is returned as an
// error and no channel is created. After that the returned channel
// carries one chunk per delta. When the model finishes, the exchange is
// committed, the summarization policy applied and the state saved, all
// before the terminal chunk is sent. Cancelling ctx stops generation and
// leaves the session unchanged.
//
// # Outputs
//
//   - <-chan streaming.Chunk: closed when the turn ends on any path.
//   - error: a *StageError matching ErrInvalidInput or ErrGenerationFailed,
//     or wrapping a store failure.
func (o *Orchestrator) AskStream(ctx context.Context, sessionID, question string,
	opts ...StreamOption) (<-chan streaming.Chunk, error) {

	cfg := streamConfig{framer: streaming.SSEFramer{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, span := tracer.Start(ctx, "Orchestrator.AskStream",
		trace.WithAttributes(attribute.String("session.id", sessionID)))

	fail := func(err error) (<-chan streaming.Chunk, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed before streaming")
		span.End()
		o.metrics.RecordTurn(observability.ModeStream, false)
		return nil, err
	}

	lease, err := o.start(ctx, sessionID, question)
	if err != nil {
		return fail(err)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			lease.Release()
		}
	}()
	state := lease.State

	if err := o.timed(StageParallelRetrieval, func() error {
		return o.retrieval.Run(ctx, state)
	}); err != nil {
		o.persistUnchanged(context.WithoutCancel(ctx), lease)
		return fail(stageError(StageParallelRetrieval, sessionID, err))
	}

	genStart := time.Now()
	stream, err := o.generation.Open(ctx, state)
	if err != nil {
		slog.Error("Opening generation stream failed", "sessionId", sessionID, "stage", StageGenerate.String(), "error", err)
		o.persistUnchanged(context.WithoutCancel(ctx), lease)
		return fail(stageError(StageGenerate, sessionID, err))
	}

	committed := false
	completion := func(cctx context.Context, answer string) error {
		o.metrics.ObserveStage(StageGenerate.String(), time.Since(genStart).Seconds())
		if answer == "" {
			return stageError(StageGenerate, sessionID,
				fmt.Errorf("%w: model returned an empty answer", ErrGenerationFailed))
		}
		o.generation.Commit(state, answer)
		if err := o.finish(context.WithoutCancel(cctx), lease); err != nil {
			return err
		}
		committed = true
		return nil
	}
	finalizer := func() {
		lease.Release()
		o.metrics.RecordTurn(observability.ModeStream, committed)
		if !committed {
			span.SetStatus(codes.Error, "stream ended without commit")
		}
		span.End()
	}
	cancelled := func() {
		slog.Info("Stream cancelled by client, discarding turn",
			"sessionId", sessionID, "stage", StageGenerate.String())
		if cfg.onCancel != nil {
			cfg.onCancel()
		}
	}

	bridgeOpts := []streaming.Option{
		streaming.WithBuffer(o.streamBuffer),
		streaming.WithErrorMessage(o.streamErrorMessage),
		streaming.WithCompletion(completion),
		streaming.WithFinalizer(finalizer),
		streaming.WithCancelObserver(cancelled),
	}
	if cfg.onChunk != nil {
		bridgeOpts = append(bridgeOpts, streaming.WithChunkObserver(cfg.onChunk))
	}

	chunks, err := streaming.NewBridge(stream, cfg.framer, bridgeOpts...).Run(ctx)
	if err != nil {
		_ = stream.Close()
		return fail(stageError(StageGenerate, sessionID, err))
	}
	handedOff = true
	return chunks, nil
}

// =============================================================================
// Shared stages
// =============================================================================

// start validates the session id, waits for the session lease and begins the turn.
func (o *Orchestrator) start(ctx context.Context, sessionID, question string) (*session.Lease, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, stageError(StageStart, sessionID, fmt.Errorf("%w: session id is required", ErrInvalidInput))
	}

	lease, err := o.sessions.Acquire(ctx, sessionID)
	if err != nil {
		slog.Error("Acquiring session failed", "sessionId", sessionID, "stage", StageStart.String(), "error", err)
		return nil, stageError(StageStart, sessionID, err)
	}
	lease.State.BeginTurn(question)
	return lease, nil
}

// finish applies the summarization policy and persists the state.
func (o *Orchestrator) finish(ctx context.Context, lease *session.Lease) error {
	state := lease.State

	outcome := o.policy.Decide(state)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("turn.outcome", outcome.String()))
	if outcome == OutcomeSummarize {
		// Failure is logged and counted by the stage; the turn still ends.
		_ = o.timed(StageSummarize, func() error {
			return o.summarization.Run(ctx, state)
		})
	} else {
		o.metrics.RecordSummarization(observability.SummarizationSkipped)
	}

	if err := lease.Commit(ctx); err != nil {
		slog.Error("Persisting session failed", "sessionId", state.SessionID, "stage", StageEnd.String(), "error", err)
		return stageError(StageEnd, state.SessionID, fmt.Errorf("save session: %w", err))
	}
	slog.Debug("Turn complete",
		"sessionId", state.SessionID,
		"historyLen", len(state.History),
		"turnCount", state.TurnCount)
	return nil
}

// persistUnchanged saves the session after a failed turn. History is left
// as it was before the turn, so a first-turn failure still creates the
// session. A save error is logged and the turn's own error is returned.
func (o *Orchestrator) persistUnchanged(ctx context.Context, lease *session.Lease) {
	if err := lease.Commit(ctx); err != nil {
		slog.Error("Persisting session after failed turn failed",
			"sessionId", lease.State.SessionID, "stage", StageEnd.String(), "error", err)
	}
}

func (o *Orchestrator) timed(stage Stage, fn func() error) error {
	start := time.Now()
	err := fn()
	o.metrics.ObserveStage(stage.String(), time.Since(start).Seconds())
	return err
}
