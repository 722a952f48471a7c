// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockLLMClient is a test double for llm.LLMClient.
type MockLLMClient struct {
	mu sync.Mutex

	// ChatResponse is returned by Chat.
	ChatResponse string
	// ChatError is returned by Chat and at the end of ChatStream.
	ChatError error
	// StreamTokens are emitted by ChatStream in order.
	StreamTokens []string
	// BlockAfterTokens makes ChatStream wait for ctx cancellation once all
	// tokens are sent.
	BlockAfterTokens bool

	ChatCallCount int
	LastMessages  []datatypes.Message
}

func (m *MockLLMClient) Chat(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChatCallCount++
	m.LastMessages = messages
	return m.ChatResponse, m.ChatError
}

func (m *MockLLMClient) ChatStream(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams, callback llm.StreamCallback) error {
	m.mu.Lock()
	m.ChatCallCount++
	m.LastMessages = messages
	tokens := append([]string(nil), m.StreamTokens...)
	block := m.BlockAfterTokens
	chatErr := m.ChatError
	m.mu.Unlock()

	_ = callback(llm.StreamEvent{Type: llm.StreamEventThinking, Content: "ignored"})
	for _, tok := range tokens {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: tok}); err != nil {
			return err
		}
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return chatErr
}

func drain(t *testing.T, s DeltaStream) ([]string, error) {
	t.Helper()
	var out []string
	for {
		d, err := s.Recv()
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
}

func TestLLMGenerator_Generate(t *testing.T) {
	t.Parallel()

	mock := &MockLLMClient{ChatResponse: "X is a thing."}
	gen := NewLLMGenerator(mock, llm.GenerationParams{})

	layers := []datatypes.Message{datatypes.HumanMessage("Answer the question.")}
	msg, err := gen.Generate(context.Background(), layers)

	require.NoError(t, err)
	assert.Equal(t, datatypes.RoleAssistant, msg.Role)
	assert.Equal(t, "X is a thing.", msg.Content)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, layers, mock.LastMessages)
}

func TestLLMGenerator_GenerateFailure(t *testing.T) {
	t.Parallel()

	cause := errors.New("backend down")
	gen := NewLLMGenerator(&MockLLMClient{ChatError: cause}, llm.GenerationParams{})

	_, err := gen.Generate(context.Background(), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, cause)
}

func TestLLMGenerator_GenerateStream_InOrder(t *testing.T) {
	t.Parallel()

	gen := NewLLMGenerator(&MockLLMClient{StreamTokens: []string{"Hel", "lo", " world"}}, llm.GenerationParams{})

	stream, err := gen.GenerateStream(context.Background(), nil)
	require.NoError(t, err)
	defer stream.Close()

	deltas, err := drain(t, stream)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"Hel", "lo", " world"}, deltas)
}

func TestLLMGenerator_GenerateStream_Failure(t *testing.T) {
	t.Parallel()

	gen := NewLLMGenerator(&MockLLMClient{
		StreamTokens: []string{"partial"},
		ChatError:    errors.New("model crashed"),
	}, llm.GenerationParams{})

	stream, err := gen.GenerateStream(context.Background(), nil)
	require.NoError(t, err)
	defer stream.Close()

	deltas, err := drain(t, stream)
	assert.Equal(t, []string{"partial"}, deltas)
	assert.ErrorIs(t, err, ErrGenerationFailed)
}

func TestLLMGenerator_GenerateStream_CloseStopsProducer(t *testing.T) {
	t.Parallel()

	gen := NewLLMGenerator(&MockLLMClient{
		StreamTokens:     []string{"a", "b", "c"},
		BlockAfterTokens: true,
	}, llm.GenerationParams{})

	stream, err := gen.GenerateStream(context.Background(), nil)
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a", first)

	done := make(chan struct{})
	go func() {
		_ = stream.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after cancelling the producer")
	}

	_, err = stream.Recv()
	assert.Error(t, err)
	assert.NoError(t, stream.Close())
}

func TestLLMGenerator_GenerateStream_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := NewLLMGenerator(&MockLLMClient{}, llm.GenerationParams{})
	_, err := gen.GenerateStream(ctx, nil)
	assert.ErrorIs(t, err, ErrGenerationFailed)
}

func TestStaticStream(t *testing.T) {
	t.Parallel()

	s := NewStaticStream("a", "b")
	deltas, err := drain(t, s)
	assert.Equal(t, []string{"a", "b"}, deltas)
	assert.ErrorIs(t, err, io.EOF)

	failing := &StaticStream{Deltas: []string{"x"}, Err: ErrGenerationFailed}
	_, err = drain(t, failing)
	assert.ErrorIs(t, err, ErrGenerationFailed)

	require.NoError(t, failing.Close())
	assert.True(t, failing.Closed())
}
