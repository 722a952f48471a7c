// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/streaming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAsker replays a fixed chunk sequence.
type fakeAsker struct {
	chunks    []streaming.Chunk
	err       error
	sessionID string
	question  string
}

func (f *fakeAsker) AskStream(ctx context.Context, sessionID, question string,
	opts ...conversation.StreamOption) (<-chan streaming.Chunk, error) {
	f.sessionID = sessionID
	f.question = question
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan streaming.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func TestRunAsk_PrintsDeltas(t *testing.T) {
	t.Parallel()

	asker := &fakeAsker{chunks: []streaming.Chunk{
		{Payload: []byte("Hel")},
		{Payload: []byte("lo")},
		{Payload: []byte(" world")},
		{Terminal: true},
	}}
	var out bytes.Buffer

	err := runAsk(context.Background(), asker, &out, "alice", "hi?")

	require.NoError(t, err)
	assert.Equal(t, "Hello world\n", out.String())
	assert.Equal(t, "alice", asker.sessionID)
	assert.Equal(t, "hi?", asker.question)
}

func TestRunAsk_ErrorChunk(t *testing.T) {
	t.Parallel()

	asker := &fakeAsker{chunks: []streaming.Chunk{
		{Payload: []byte("partial")},
		{Payload: []byte("An error occurred"), Err: true},
		{Terminal: true},
	}}
	var out bytes.Buffer

	err := runAsk(context.Background(), asker, &out, "s", "q")

	require.Error(t, err)
	assert.ErrorIs(t, err, errStreamFailed)
	assert.Contains(t, err.Error(), "An error occurred")
	assert.Equal(t, "partial\n", out.String())
}

func TestRunAsk_MissingTerminal(t *testing.T) {
	t.Parallel()

	asker := &fakeAsker{chunks: []streaming.Chunk{{Payload: []byte("cut")}}}
	err := runAsk(context.Background(), asker, &bytes.Buffer{}, "s", "q")
	assert.ErrorIs(t, err, errStreamFailed)
}

func TestRunAsk_OpenError(t *testing.T) {
	t.Parallel()

	asker := &fakeAsker{err: conversation.ErrInvalidInput}
	var out bytes.Buffer
	err := runAsk(context.Background(), asker, &out, "s", " ")
	assert.ErrorIs(t, err, conversation.ErrInvalidInput)
	assert.Empty(t, out.String())
}

func TestTextFramer(t *testing.T) {
	t.Parallel()

	f := textFramer{}
	assert.Equal(t, []byte("abc"), f.Frame("abc"))
	assert.Equal(t, []byte("oops"), f.Error("oops"))
	assert.Empty(t, f.Terminal())
}

// =============================================================================
// Configuration Layering
// =============================================================================

func TestLoadConfig_FileThenEnvThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatbot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm_backend: openai\nsession_store: memory\nlocal_k: 7\n"), 0o600))
	t.Setenv("SESSION_STORE", "badger")
	t.Setenv("LLM_BACKEND_TYPE", "")

	root := newRootCmd()
	require.NoError(t, root.ParseFlags([]string{"--config", path, "--summarization-threshold", "3"}))

	cfg, err := loadConfig(root, path)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLMBackend, "file value")
	assert.Equal(t, 7, cfg.LocalK, "file value")
	assert.Equal(t, "badger", cfg.SessionStore, "env overrides file")
	assert.Equal(t, 3, cfg.SummarizationThreshold, "flag overrides all")
}

func TestLoadConfig_FlagOverridesEnv(t *testing.T) {
	t.Setenv("LLM_BACKEND_TYPE", "openai")

	root := newRootCmd()
	require.NoError(t, root.ParseFlags([]string{"--llm-backend", "ollama"}))

	cfg, err := loadConfig(root, filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err, "a missing default config file is not an error")
	assert.Equal(t, "ollama", cfg.LLMBackend)
}

func TestLoadConfig_ExplicitMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	root := newRootCmd()
	require.NoError(t, root.ParseFlags([]string{"--config", missing}))

	_, err := loadConfig(root, missing)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
