// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation runs a single question/answer turn against a
// session's state.
//
// # Turn Flow
//
//	Start ──▶ ParallelRetrieval ──▶ Generate ──▶ (policy) ──┬─▶ Summarize ──▶ End
//	                                                        └──────────────▶ End
//
// The orchestrator holds the session lease for the whole turn, so turns
// on the same session never interleave. The only fork inside a turn is
// the local/web retrieval pair.
package conversation

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/generation"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/retrieval"
)

// Stage names a step of the turn.
type Stage int

const (
	StageStart Stage = iota
	StageParallelRetrieval
	StageGenerate
	StageSummarize
	StageEnd
)

// String returns the label used in logs, spans and metrics.
func (s Stage) String() string {
	switch s {
	case StageStart:
		return "start"
	case StageParallelRetrieval:
		return "parallel_retrieval"
	case StageGenerate:
		return "generate"
	case StageSummarize:
		return "summarize"
	case StageEnd:
		return "end"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

var (
	// ErrInvalidInput is returned for a blank session id or question.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRetrievalUnavailable matches a backend failure. Turns absorb it.
	ErrRetrievalUnavailable = retrieval.ErrRetrievalUnavailable

	// ErrGenerationFailed matches a model failure while answering.
	ErrGenerationFailed = generation.ErrGenerationFailed

	// ErrSummarizationFailed matches a model failure while summarizing.
	// Turns absorb it.
	ErrSummarizationFailed = errors.New("summarization failed")
)

// StageError attaches the stage and session to a turn failure.
type StageError struct {
	Stage     Stage
	SessionID string
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed for session %s: %v", e.Stage, e.SessionID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsStageError returns err as a *StageError when it is one.
func IsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func stageError(stage Stage, sessionID string, err error) error {
	return &StageError{Stage: stage, SessionID: sessionID, Err: err}
}
