// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/generation"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// echoGenerator answers "ok" and streams a single delta.
type echoGenerator struct{}

func (echoGenerator) Generate(context.Context, []datatypes.Message) (datatypes.Message, error) {
	return datatypes.NewMessage(datatypes.RoleAssistant, "ok"), nil
}

func (echoGenerator) GenerateStream(context.Context, []datatypes.Message) (generation.DeltaStream, error) {
	return generation.NewStaticStream("ok"), nil
}

func setup(t *testing.T, opts Options) *gin.Engine {
	t.Helper()
	store := session.NewMemoryStore()
	orch := conversation.NewOrchestrator(conversation.Dependencies{
		Sessions:  session.NewManager(store),
		Retrieval: retrieval.NewFacade(nil, nil, 0, 0),
		Generator: echoGenerator{},
		Metrics:   opts.Metrics,
	}, conversation.Options{})

	router := gin.New()
	SetupRoutes(router, handlers.NewChatHandler(orch, opts.Metrics), store, opts)
	return router
}

func withMetrics() Options {
	reg := prometheus.NewRegistry()
	return Options{Gatherer: reg, Metrics: observability.NewMetrics(reg)}
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_RegistersEndpoints(t *testing.T) {
	t.Parallel()
	router := setup(t, withMetrics())

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/hello"},
		{"GET", "/metrics"},
		{"POST", "/chatbot"},
		{"POST", "/chatbot/stream"},
		{"GET", "/chatbot/ws"},
		{"GET", "/v1/sessions/:sessionId"},
	}

	routes := router.Routes()
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		assert.True(t, found, "route %s %s not registered", want.method, want.path)
	}
}

func TestSetupRoutes_MetricsOptional(t *testing.T) {
	t.Parallel()
	router := setup(t, Options{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	t.Parallel()
	router := setup(t, withMetrics())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chatbot", strings.NewReader(`{"question":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aleutian_chatbot_turns_total")
	assert.Contains(t, w.Body.String(), "aleutian_streaming_requests_total")
}

func TestSetupRoutes_ChatbotRoundTrip(t *testing.T) {
	t.Parallel()
	router := setup(t, Options{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chatbot", strings.NewReader(`{"question":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"answer":"ok"}`, w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestSetupRoutes_RateLimitAppliesToChatbotOnly(t *testing.T) {
	t.Parallel()
	opts := withMetrics()
	opts.RateLimitRPS = 0.001
	opts.RateLimitBurst = 1
	router := setup(t, opts)

	post := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/chatbot", strings.NewReader(`{"question":"hi"}`))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, post())
	assert.Equal(t, http.StatusTooManyRequests, post())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/hello", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetupRoutes_NilDependenciesPanic(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { SetupRoutes(gin.New(), nil, session.NewMemoryStore(), Options{}) })
}
