// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/generation"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/session"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubGenerator answers every prompt with fixed text.
type stubGenerator struct {
	answer    string
	err       error
	deltas    []string
	streamErr error
	openErr   error
}

func (g *stubGenerator) Generate(ctx context.Context, layers []datatypes.Message) (datatypes.Message, error) {
	if g.err != nil {
		return datatypes.Message{}, fmt.Errorf("%w: %w", generation.ErrGenerationFailed, g.err)
	}
	return datatypes.NewMessage(datatypes.RoleAssistant, g.answer), nil
}

func (g *stubGenerator) GenerateStream(ctx context.Context, layers []datatypes.Message) (generation.DeltaStream, error) {
	if g.openErr != nil {
		return nil, fmt.Errorf("%w: %w", generation.ErrGenerationFailed, g.openErr)
	}
	return &generation.StaticStream{Deltas: append([]string(nil), g.deltas...), Err: g.streamErr}, nil
}

type testServer struct {
	router *gin.Engine
	store  *session.MemoryStore
}

func newTestServer(t *testing.T, gen generation.Generator) *testServer {
	t.Helper()
	store := session.NewMemoryStore()
	orch := conversation.NewOrchestrator(conversation.Dependencies{
		Sessions:  session.NewManager(store),
		Retrieval: retrieval.NewFacade(nil, nil, 0, 0),
		Generator: gen,
	}, conversation.Options{})

	h := NewChatHandler(orch, nil, WithHeartbeat(0))
	router := gin.New()
	router.GET("/hello", HandleHello)
	router.GET("/health", HealthCheck)
	router.POST("/chatbot", h.HandleChatbot)
	router.POST("/chatbot/stream", h.HandleChatbotStream)
	router.GET("/chatbot/ws", h.HandleChatWebSocket)
	router.GET("/v1/sessions/:sessionId", GetSession(store))
	return &testServer{router: router, store: store}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}
