// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides chat clients for the language model backends the
// chatbot can run against.
package llm

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// GenerationParams tunes a single model call. Nil fields use backend defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// =============================================================================
// Streaming Events
// =============================================================================

// StreamEventType classifies a StreamEvent.
type StreamEventType string

const (
	// StreamEventToken carries a fragment of the answer.
	StreamEventToken StreamEventType = "token"

	// StreamEventThinking carries reasoning output from models that emit it.
	// It is never part of the answer.
	StreamEventThinking StreamEventType = "thinking"

	// StreamEventError reports a backend failure reported inside the stream.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is delivered to a StreamCallback for every streamed chunk.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives events in production order. Returning an error
// aborts the stream and ChatStream returns that error wrapped.
type StreamCallback func(event StreamEvent) error

// ErrEmptyResponse is returned when a backend answers with no content.
var ErrEmptyResponse = errors.New("llm returned an empty response")

// =============================================================================
// Client Interface
// =============================================================================

// LLMClient is implemented by every model backend.
//
// # Description
//
// Chat returns the full assistant reply for a list of role-tagged
// messages. ChatStream delivers the same reply incrementally through the
// callback and returns once the backend signals completion, the context
// is cancelled, or the callback returns an error.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type LLMClient interface {
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}
