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
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/generation"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/prompt"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/session"
	"github.com/prometheus/client_golang/prometheus"
)

// fakeGenerator answers and summarizes with canned text. Summarization
// calls are recognized by their final instruction layer.
type fakeGenerator struct {
	mu sync.Mutex

	Answer     string
	AnswerErr  error
	Summary    string
	SummaryErr error

	// Deltas are streamed by GenerateStream, ending with StreamErr or EOF.
	Deltas    []string
	StreamErr error
	OpenErr   error
	// Block makes the stream wait for Close after Deltas are sent.
	Block bool
	// Gate, when set, holds every answer call until it is closed.
	Gate chan struct{}

	answerCalls  int
	summaryCalls int
	lastLayers   []datatypes.Message
}

var _ generation.Generator = (*fakeGenerator)(nil)

func isSummarization(layers []datatypes.Message) bool {
	return len(layers) > 0 && layers[len(layers)-1].Content == prompt.SummarizeInstruction
}

func (g *fakeGenerator) Generate(ctx context.Context, layers []datatypes.Message) (datatypes.Message, error) {
	g.mu.Lock()
	if isSummarization(layers) {
		g.summaryCalls++
		summary, err := g.Summary, g.SummaryErr
		g.mu.Unlock()
		if err != nil {
			return datatypes.Message{}, fmt.Errorf("%w: %w", generation.ErrGenerationFailed, err)
		}
		return datatypes.NewMessage(datatypes.RoleAssistant, summary), nil
	}
	g.answerCalls++
	g.lastLayers = layers
	answer, err, gate := g.Answer, g.AnswerErr, g.Gate
	g.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return datatypes.Message{}, fmt.Errorf("%w: %w", generation.ErrGenerationFailed, err)
	}
	return datatypes.NewMessage(datatypes.RoleAssistant, answer), nil
}

func (g *fakeGenerator) GenerateStream(ctx context.Context, layers []datatypes.Message) (generation.DeltaStream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.answerCalls++
	g.lastLayers = layers
	if g.OpenErr != nil {
		return nil, fmt.Errorf("%w: %w", generation.ErrGenerationFailed, g.OpenErr)
	}
	if g.Block {
		return newBlockingStream(g.Deltas...), nil
	}
	return &generation.StaticStream{Deltas: append([]string(nil), g.Deltas...), Err: g.StreamErr}, nil
}

func (g *fakeGenerator) AnswerCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.answerCalls
}

func (g *fakeGenerator) SummaryCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.summaryCalls
}

func (g *fakeGenerator) LastLayers() []datatypes.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastLayers
}

// blockingStream yields its deltas and then blocks until closed.
type blockingStream struct {
	deltas chan string
	done   chan struct{}
	once   sync.Once
}

func newBlockingStream(deltas ...string) *blockingStream {
	s := &blockingStream{deltas: make(chan string, len(deltas)), done: make(chan struct{})}
	for _, d := range deltas {
		s.deltas <- d
	}
	return s
}

func (s *blockingStream) Recv() (string, error) {
	select {
	case d := <-s.deltas:
		return d, nil
	default:
	}
	<-s.done
	return "", fmt.Errorf("%w: stream closed", generation.ErrGenerationFailed)
}

func (s *blockingStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func docs(source string, contents ...string) []datatypes.RetrievedDocument {
	out := make([]datatypes.RetrievedDocument, 0, len(contents))
	for _, c := range contents {
		out = append(out, datatypes.RetrievedDocument{Content: c, Metadata: map[string]string{"source": source}})
	}
	return out
}

func staticRetriever(out []datatypes.RetrievedDocument, err error) retrieval.Retriever {
	return retrieval.RetrieverFunc(func(ctx context.Context, query string, k int) ([]datatypes.RetrievedDocument, error) {
		if err != nil {
			return nil, err
		}
		return out, nil
	})
}

type testRig struct {
	orch    *Orchestrator
	gen     *fakeGenerator
	store   *session.MemoryStore
	metrics *observability.Metrics
}

func newTestRig(t *testing.T, gen *fakeGenerator, local, web retrieval.Retriever) *testRig {
	t.Helper()
	store := session.NewMemoryStore()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	orch := NewOrchestrator(Dependencies{
		Sessions:  session.NewManager(store),
		Retrieval: retrieval.NewFacade(local, web, 0, 0),
		Generator: gen,
		Metrics:   metrics,
	}, Options{})
	return &testRig{orch: orch, gen: gen, store: store, metrics: metrics}
}

func (r *testRig) load(t *testing.T, sessionID string) *datatypes.ConversationState {
	t.Helper()
	state, err := r.store.Load(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("load %s: %v", sessionID, err)
	}
	return state
}

func seedExchanges(t *testing.T, store session.Store, sessionID string, n int) {
	t.Helper()
	state := datatypes.NewConversationState(sessionID)
	for i := 0; i < n; i++ {
		state.AppendExchange(fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}
	if err := store.Save(context.Background(), state); err != nil {
		t.Fatalf("seed %s: %v", sessionID, err)
	}
}
