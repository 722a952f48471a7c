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
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/prompt"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/retrieval"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stateWithMessages(n int) *datatypes.ConversationState {
	state := datatypes.NewConversationState("s1")
	for i := 0; i < n; i++ {
		role := datatypes.RoleHuman
		if i%2 == 1 {
			role = datatypes.RoleAssistant
		}
		state.History = append(state.History, datatypes.NewMessage(role, "m"))
	}
	return state
}

// =============================================================================
// Summarization policy
// =============================================================================

func TestSummarizationPolicy_Decide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		threshold int
		history   int
		want      Outcome
	}{
		{"empty history", 0, 0, OutcomeEnd},
		{"at default threshold", 0, 6, OutcomeEnd},
		{"above default threshold", 0, 7, OutcomeSummarize},
		{"custom threshold not exceeded", 2, 2, OutcomeEnd},
		{"custom threshold exceeded", 2, 3, OutcomeSummarize},
		{"negative threshold uses default", -1, 7, OutcomeSummarize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := SummarizationPolicy{Threshold: tt.threshold}
			assert.Equal(t, tt.want, p.Decide(stateWithMessages(tt.history)))
		})
	}
}

// =============================================================================
// Pruning
// =============================================================================

func TestPruneHistory_KeepsNewestTwoByIdentity(t *testing.T) {
	t.Parallel()

	state := stateWithMessages(8)
	want := []string{state.History[6].ID, state.History[7].ID}

	pruned := pruneHistory(state.History, 2)
	require.Len(t, pruned, 2)
	assert.Equal(t, want, []string{pruned[0].ID, pruned[1].ID})
}

func TestPruneHistory_ShortHistoryUntouched(t *testing.T) {
	t.Parallel()

	state := stateWithMessages(2)
	assert.Equal(t, state.History, pruneHistory(state.History, 2))
}

func TestPruneHistory_RemovesRepeatedIdentifier(t *testing.T) {
	t.Parallel()

	state := stateWithMessages(4)
	state.History[3].ID = state.History[0].ID

	pruned := pruneHistory(state.History, 2)
	require.Len(t, pruned, 1)
	assert.Equal(t, state.History[2].ID, pruned[0].ID)
}

func TestPruneHistory_KeepsMessagesWithoutIdentifier(t *testing.T) {
	t.Parallel()

	state := stateWithMessages(5)
	state.History[1].ID = ""
	legacy := state.History[1]

	pruned := pruneHistory(state.History, 2)
	require.Len(t, pruned, 3)
	assert.Equal(t, legacy, pruned[0])
	assert.Equal(t, state.History[3].ID, pruned[1].ID)
	assert.Equal(t, state.History[4].ID, pruned[2].ID)
}

// =============================================================================
// Summarization stage
// =============================================================================

func TestSummarizationStage_ReplacesSummaryAndPrunes(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{Summary: "new summary"}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	stage := NewSummarizationStage(prompt.NewAssembler(), gen, metrics)

	state := stateWithMessages(8)
	state.Summary = "old summary"
	tail := []datatypes.Message{state.History[6], state.History[7]}

	require.NoError(t, stage.Run(context.Background(), state))
	assert.Equal(t, "new summary", state.Summary)
	assert.Equal(t, tail, state.History)
	assert.Equal(t, 1, gen.SummaryCalls())
	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.SummarizationsTotal.WithLabelValues(observability.SummarizationSucceeded)))
}

func TestSummarizationStage_FailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{SummaryErr: errors.New("model down")}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	stage := NewSummarizationStage(prompt.NewAssembler(), gen, metrics)

	state := stateWithMessages(8)
	state.Summary = "old summary"
	before := append([]datatypes.Message(nil), state.History...)

	err := stage.Run(context.Background(), state)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSummarizationFailed)
	assert.Equal(t, "old summary", state.Summary)
	assert.Equal(t, before, state.History)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.SummarizationsTotal.WithLabelValues(observability.SummarizationFailed)))
}

func TestSummarizationStage_EmptySummaryIsFailure(t *testing.T) {
	t.Parallel()

	stage := NewSummarizationStage(prompt.NewAssembler(), &fakeGenerator{}, nil)
	state := stateWithMessages(8)

	err := stage.Run(context.Background(), state)
	assert.ErrorIs(t, err, ErrSummarizationFailed)
	assert.Len(t, state.History, 8)
}

// =============================================================================
// Retrieval stage
// =============================================================================

func TestRetrievalStage_SlotsFollowSourceNotArrival(t *testing.T) {
	t.Parallel()

	webDone := make(chan struct{})
	local := retrieval.RetrieverFunc(func(ctx context.Context, q string, k int) ([]datatypes.RetrievedDocument, error) {
		<-webDone
		return docs("local", "L1", "L2"), nil
	})
	web := retrieval.RetrieverFunc(func(ctx context.Context, q string, k int) ([]datatypes.RetrievedDocument, error) {
		defer close(webDone)
		return docs("web", "W1"), nil
	})

	stage := NewRetrievalStage(retrieval.NewFacade(local, web, 0, 0), nil)
	state := datatypes.NewConversationState("s1")
	state.BeginTurn("What is X?")

	require.NoError(t, stage.Run(context.Background(), state))
	assert.Equal(t, docs("local", "L1", "L2"), state.Turn.LocalContext)
	assert.Equal(t, docs("web", "W1"), state.Turn.WebContext)

	merged := prompt.MergeContext(state.Turn.LocalContext, state.Turn.WebContext)
	contents := make([]string, 0, len(merged))
	for _, d := range merged {
		contents = append(contents, d.Content)
	}
	assert.Equal(t, []string{"L1", "L2", "W1"}, contents)
}

func TestRetrievalStage_PassesQuestionAndK(t *testing.T) {
	t.Parallel()

	type call struct {
		query string
		k     int
	}
	calls := make(chan call, 2)
	record := retrieval.RetrieverFunc(func(ctx context.Context, q string, k int) ([]datatypes.RetrievedDocument, error) {
		calls <- call{q, k}
		return nil, nil
	})

	stage := NewRetrievalStage(retrieval.NewFacade(record, record, 3, 1), nil)
	state := datatypes.NewConversationState("s1")
	state.BeginTurn("  What is X?  ")
	require.NoError(t, stage.Run(context.Background(), state))

	got := []call{<-calls, <-calls}
	assert.ElementsMatch(t, []call{{"What is X?", 3}, {"What is X?", 1}}, got)
	assert.NotNil(t, state.Turn.LocalContext)
	assert.NotNil(t, state.Turn.WebContext)
}

func TestRetrievalStage_WebFailureDegrades(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	stage := NewRetrievalStage(retrieval.NewFacade(
		staticRetriever(docs("local", "L1"), nil),
		staticRetriever(nil, errors.New("search api down")),
		0, 0,
	), metrics)

	state := datatypes.NewConversationState("s1")
	state.BeginTurn("What is X?")

	require.NoError(t, stage.Run(context.Background(), state))
	assert.Equal(t, docs("local", "L1"), state.Turn.LocalContext)
	assert.Empty(t, state.Turn.WebContext)
	assert.NotNil(t, state.Turn.WebContext)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RetrievalFailuresTotal.WithLabelValues(retrieval.BackendWeb)))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.RetrievalFailuresTotal.WithLabelValues(retrieval.BackendLocal)))
}

func TestRetrievalStage_CancelledContext(t *testing.T) {
	t.Parallel()

	ctxErr := retrieval.RetrieverFunc(func(ctx context.Context, q string, k int) ([]datatypes.RetrievedDocument, error) {
		return nil, ctx.Err()
	})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	stage := NewRetrievalStage(retrieval.NewFacade(ctxErr, ctxErr, 0, 0), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state := datatypes.NewConversationState("s1")
	state.BeginTurn("q")
	err := stage.Run(ctx, state)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.RetrievalFailuresTotal.WithLabelValues(retrieval.BackendWeb)))
}

// =============================================================================
// Generation stage
// =============================================================================

func TestGenerationStage_RunAppendsExchange(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{Answer: "X is a letter."}
	stage := NewGenerationStage(prompt.NewAssembler(), gen)

	state := datatypes.NewConversationState("s1")
	state.BeginTurn("What is X?")
	state.Turn.LocalContext = docs("local", "L1")
	state.Turn.WebContext = docs("web", "W1")

	require.NoError(t, stage.Run(context.Background(), state))
	require.Len(t, state.History, 2)
	assert.Equal(t, datatypes.RoleHuman, state.History[0].Role)
	assert.Equal(t, "What is X?", state.History[0].Content)
	assert.Equal(t, datatypes.RoleAssistant, state.History[1].Role)
	assert.Equal(t, "X is a letter.", state.History[1].Content)
	assert.NotEmpty(t, state.History[0].ID)
	assert.NotEqual(t, state.History[0].ID, state.History[1].ID)
	assert.Equal(t, "X is a letter.", state.Turn.Answer)
	assert.Len(t, state.Turn.MergedDocuments, 2)
	assert.Equal(t, 1, state.TurnCount)

	layers := gen.LastLayers()
	require.NotEmpty(t, layers)
	assert.Equal(t, datatypes.HumanMessage(prompt.AnswerInstruction), layers[len(layers)-1])
}

func TestGenerationStage_FailureLeavesHistory(t *testing.T) {
	t.Parallel()

	stage := NewGenerationStage(prompt.NewAssembler(), &fakeGenerator{AnswerErr: errors.New("boom")})
	state := datatypes.NewConversationState("s1")
	state.BeginTurn("What is X?")

	err := stage.Run(context.Background(), state)
	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.Empty(t, state.History)
	assert.Zero(t, state.TurnCount)
}

func TestGenerationStage_EmptyAnswerIsFailure(t *testing.T) {
	t.Parallel()

	stage := NewGenerationStage(prompt.NewAssembler(), &fakeGenerator{})
	state := datatypes.NewConversationState("s1")
	state.BeginTurn("What is X?")

	assert.ErrorIs(t, stage.Run(context.Background(), state), ErrGenerationFailed)
	assert.Empty(t, state.History)
}

// =============================================================================
// Errors
// =============================================================================

func TestStageError_Wrapping(t *testing.T) {
	t.Parallel()

	err := stageError(StageGenerate, "alice", ErrGenerationFailed)
	assert.ErrorIs(t, err, ErrGenerationFailed)

	se, ok := IsStageError(err)
	require.True(t, ok)
	assert.Equal(t, StageGenerate, se.Stage)
	assert.Equal(t, "alice", se.SessionID)
	assert.Contains(t, err.Error(), "generate stage failed for session alice")

	_, ok = IsStageError(errors.New("plain"))
	assert.False(t, ok)
}

func TestStage_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "parallel_retrieval", StageParallelRetrieval.String())
	assert.Equal(t, "stage(42)", Stage(42).String())
}
