// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers is the HTTP transport of the chatbot. Handlers decode
// requests, pick the session, hand the turn to the conversation
// orchestrator and encode the result. They hold no conversation logic.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/streaming"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var chatTracer = otel.Tracer("aleutian.orchestrator.handlers")

const (
	// SessionHeader carries the session id on requests and responses.
	SessionHeader = "X-Session-ID"

	// DefaultSessionID is used when neither header nor body names a session.
	DefaultSessionID = "default"

	// InternalErrorMessage is returned for any failure that is not the
	// client's fault.
	InternalErrorMessage = "An error occurred while processing the question"

	heartbeatInterval = 15 * time.Second
)

// TurnRunner runs conversation turns.
type TurnRunner interface {
	Ask(ctx context.Context, sessionID, question string) (*conversation.TurnResult, error)
	AskStream(ctx context.Context, sessionID, question string,
		opts ...conversation.StreamOption) (<-chan streaming.Chunk, error)
}

var _ TurnRunner = (*conversation.Orchestrator)(nil)

// ChatHandler serves the chatbot endpoints.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type ChatHandler struct {
	runner           TurnRunner
	metrics          *observability.Metrics
	defaultSessionID string
	heartbeat        time.Duration
}

// ChatHandlerOption configures a ChatHandler.
type ChatHandlerOption func(*ChatHandler)

// WithDefaultSessionID overrides DefaultSessionID.
func WithDefaultSessionID(id string) ChatHandlerOption {
	return func(h *ChatHandler) {
		if id != "" {
			h.defaultSessionID = id
		}
	}
}

// WithHeartbeat sets the SSE keepalive interval. Zero disables keepalives.
func WithHeartbeat(d time.Duration) ChatHandlerOption {
	return func(h *ChatHandler) { h.heartbeat = d }
}

// NewChatHandler creates the handler. metrics may be nil. Panics if runner
// is nil.
func NewChatHandler(runner TurnRunner, metrics *observability.Metrics, opts ...ChatHandlerOption) *ChatHandler {
	if runner == nil {
		panic("NewChatHandler: runner must not be nil")
	}
	h := &ChatHandler{
		runner:           runner,
		metrics:          metrics,
		defaultSessionID: DefaultSessionID,
		heartbeat:        heartbeatInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// =============================================================================
// POST /chatbot
// =============================================================================

// HandleChatbot answers one question.
//
// # Responses
//
//   - 200 {"answer": "..."}
//   - 400 {"error": "A valid 'question' (string) is required"}
//   - 500 {"error": "..."}
func (h *ChatHandler) HandleChatbot(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "HandleChatbot")
	defer span.End()
	endpoint := observability.EndpointChatbot

	req, sessionID, ok := h.bindRequest(c, endpoint)
	if !ok {
		span.SetStatus(codes.Error, "invalid request")
		return
	}
	span.SetAttributes(attribute.String("session.id", sessionID))
	c.Header(SessionHeader, sessionID)

	result, err := h.runner.Ask(ctx, sessionID, req.QuestionText())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		h.fail(c, endpoint, sessionID, err)
		return
	}

	h.metrics.RecordRequest(endpoint, true)
	c.JSON(http.StatusOK, datatypes.ChatbotResponse{Answer: result.Answer})
}

// =============================================================================
// POST /chatbot/stream
// =============================================================================

// HandleChatbotStream answers one question as a server-sent event stream.
//
// # Description
//
// Validation and everything up to the first model token happen before
// any byte is written, so those failures still produce a JSON error with
// a 400 or 500 status. Once streaming starts, failures arrive as an
// "error" event followed by the [DONE] marker. A client disconnect
// cancels generation and the turn is discarded.
func (h *ChatHandler) HandleChatbotStream(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "HandleChatbotStream")
	defer span.End()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	endpoint := observability.EndpointChatbotStream
	start := time.Now()

	req, sessionID, ok := h.bindRequest(c, endpoint)
	if !ok {
		span.SetStatus(codes.Error, "invalid request")
		return
	}
	span.SetAttributes(attribute.String("session.id", sessionID))

	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		slog.Error("Streaming not supported by response writer", "error", err)
		h.metrics.RecordError(endpoint, observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{"error": InternalErrorMessage})
		return
	}

	chunks, err := h.runner.AskStream(ctx, sessionID, req.QuestionText(),
		conversation.WithFramer(streaming.SSEFramer{}),
		conversation.WithCancelObserver(func() { h.metrics.RecordClientDisconnect(endpoint) }))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed before streaming")
		c.Header(SessionHeader, sessionID)
		h.fail(c, endpoint, sessionID, err)
		return
	}

	SetSSEHeaders(c.Writer)
	c.Header(SessionHeader, sessionID)
	c.Status(http.StatusOK)

	h.metrics.StreamStarted(endpoint)
	defer h.metrics.StreamEnded(endpoint)

	stopHeartbeat := h.startHeartbeat(ctx, writer, endpoint)
	defer stopHeartbeat()

	success := h.pumpChunks(chunks, endpoint, start, func(payload []byte) error {
		return writer.WriteChunk(payload)
	})
	if !success {
		span.SetStatus(codes.Error, "stream did not complete")
	}
	h.metrics.RecordRequest(endpoint, success)
	h.metrics.RecordStreamDuration(endpoint, time.Since(start).Seconds(), success)
}

// pumpChunks forwards chunks through write until the channel closes or a
// write fails. It reports whether the stream ended cleanly.
func (h *ChatHandler) pumpChunks(chunks <-chan streaming.Chunk, endpoint observability.Endpoint,
	start time.Time, write func([]byte) error) bool {

	first := true
	failed := false
	terminal := false
	for chunk := range chunks {
		if first {
			h.metrics.RecordTimeToFirstToken(endpoint, time.Since(start).Seconds())
			first = false
		}
		if err := write(chunk.Payload); err != nil {
			slog.Warn("Client write failed, abandoning stream", "endpoint", endpoint, "error", err)
			h.metrics.RecordClientDisconnect(endpoint)
			return false
		}
		h.metrics.RecordChunk(endpoint)
		if chunk.Err {
			failed = true
			h.metrics.RecordError(endpoint, observability.ErrorCodeLLMError)
		}
		if chunk.Terminal {
			terminal = true
		}
	}
	return terminal && !failed
}

// startHeartbeat writes keepalives every h.heartbeat until the returned stop
// is called or ctx ends. stop returns only after the goroutine has exited,
// so no keepalive is written once the handler has returned.
func (h *ChatHandler) startHeartbeat(ctx context.Context, writer ChunkWriter,
	endpoint observability.Endpoint) (stop func()) {

	if h.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.runHeartbeat(ctx, writer, endpoint, done)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func (h *ChatHandler) runHeartbeat(ctx context.Context, writer ChunkWriter,
	endpoint observability.Endpoint, done <-chan struct{}) {

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			h.metrics.RecordKeepAlive(endpoint)
		}
	}
}

// =============================================================================
// GET /hello
// =============================================================================

// HelloMessage is the liveness greeting.
const HelloMessage = "Hello, I'm working"

// HandleHello reports that the service is up.
func HandleHello(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.HelloResponse{
		Message: HelloMessage,
		Version: datatypes.ServiceVersion,
	})
}

// HealthCheck is the container health probe.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// =============================================================================
// Helpers
// =============================================================================

// bindRequest decodes and validates the body and resolves the session id.
// On failure it has already written the 400 response.
func (h *ChatHandler) bindRequest(c *gin.Context, endpoint observability.Endpoint) (*datatypes.ChatbotRequest, string, bool) {
	var req datatypes.ChatbotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Warn("Rejected malformed chatbot request", "endpoint", endpoint, "error", err)
		h.reject(c, endpoint, datatypes.QuestionRequiredMessage)
		return nil, "", false
	}
	if err := req.Validate(); err != nil {
		msg := "invalid request"
		if errors.Is(err, datatypes.ErrQuestionRequired) {
			msg = datatypes.QuestionRequiredMessage
		}
		slog.Warn("Rejected invalid chatbot request", "endpoint", endpoint, "error", err)
		h.reject(c, endpoint, msg)
		return nil, "", false
	}

	sessionID, err := h.resolveSessionID(c.GetHeader(SessionHeader), req.SessionID)
	if err != nil {
		slog.Warn("Rejected invalid session id", "endpoint", endpoint, "error", err)
		h.reject(c, endpoint, "invalid session id")
		return nil, "", false
	}
	return &req, sessionID, true
}

// resolveSessionID prefers the header, then the body, then the default.
func (h *ChatHandler) resolveSessionID(header, body string) (string, error) {
	for _, candidate := range []string{header, body} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if err := datatypes.Validator().Var(candidate, "max=128,printascii"); err != nil {
			return "", err
		}
		return candidate, nil
	}
	return h.defaultSessionID, nil
}

func (h *ChatHandler) reject(c *gin.Context, endpoint observability.Endpoint, msg string) {
	h.metrics.RecordRequest(endpoint, false)
	h.metrics.RecordError(endpoint, observability.ErrorCodeValidation)
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// fail maps a turn error to a status code and a sanitized message.
func (h *ChatHandler) fail(c *gin.Context, endpoint observability.Endpoint, sessionID string, err error) {
	h.metrics.RecordRequest(endpoint, false)

	if errors.Is(err, conversation.ErrInvalidInput) {
		h.metrics.RecordError(endpoint, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": datatypes.QuestionRequiredMessage})
		return
	}

	code := observability.ErrorCodeInternal
	switch {
	case errors.Is(err, conversation.ErrGenerationFailed):
		code = observability.ErrorCodeLLMError
	case errors.Is(err, context.DeadlineExceeded):
		code = observability.ErrorCodeTimeout
	}
	h.metrics.RecordError(endpoint, code)
	slog.Error("Chatbot turn failed", "sessionId", sessionID, "endpoint", endpoint, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": InternalErrorMessage})
}
