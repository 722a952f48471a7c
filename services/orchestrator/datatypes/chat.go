// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the chatbot orchestrator.
//
// This file contains the request and response types of the chatbot HTTP
// endpoints. Conversation state lives in state.go.
package datatypes

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxQuestionBytes is the maximum size of a single question.
	MaxQuestionBytes = 32 * 1024

	// MaxSessionIDLength bounds client supplied session identifiers.
	MaxSessionIDLength = 128

	// ServiceVersion is reported by the liveness endpoint.
	ServiceVersion = "1.0"
)

// QuestionRequiredMessage is the client facing text for a bad question.
const QuestionRequiredMessage = "A valid 'question' (string) is required"

// ErrQuestionRequired is returned when a request carries no usable question.
var ErrQuestionRequired = errors.New("valid 'question' (string) is required")

// =============================================================================
// Shared Validator Instance
// =============================================================================

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQuestionBytes
}

// Validator exposes the shared validator so other packages (configuration,
// transport) validate with the same registered rules.
func Validator() *validator.Validate {
	return chatValidate
}

// =============================================================================
// Chatbot Request Types
// =============================================================================

// ChatbotRequest is the body of POST /chatbot and POST /chatbot/stream.
//
// # Description
//
// Question is a pointer so a missing field can be told apart from an empty
// one; only a missing or null question is rejected. A non-string question
// fails JSON binding before Validate is reached. SessionID is optional; the transport falls back to
// the X-Session-ID header and then to the configured default.
//
// # Examples
//
//	{"question": "What is X?"}
//	{"question": "And Y?", "session_id": "alice"}
type ChatbotRequest struct {
	Question  *string `json:"question" validate:"required,maxbytes"`
	SessionID string  `json:"session_id,omitempty" validate:"omitempty,max=128,printascii"`
}

// Validate checks the request and returns ErrQuestionRequired for a missing
// or null question. Any string, including "", is a question.
func (r *ChatbotRequest) Validate() error {
	if r.Question == nil {
		return ErrQuestionRequired
	}
	return chatValidate.Struct(r)
}

// QuestionText returns the question, or "" when absent.
func (r *ChatbotRequest) QuestionText() string {
	if r.Question == nil {
		return ""
	}
	return *r.Question
}

// =============================================================================
// Chatbot Response Types
// =============================================================================

// ChatbotResponse is the body of a successful POST /chatbot.
type ChatbotResponse struct {
	Answer string `json:"answer"`
}

// HelloResponse is the body of GET /hello.
type HelloResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

// SessionView is the read-only projection of a stored conversation.
type SessionView struct {
	SessionID string    `json:"session_id"`
	Summary   string    `json:"summary"`
	History   []Message `json:"history"`
	TurnCount int       `json:"turn_count"`
}

// NewSessionView projects state for the session inspection endpoint.
func NewSessionView(state *ConversationState) SessionView {
	history := state.History
	if history == nil {
		history = []Message{}
	}
	return SessionView{
		SessionID: state.SessionID,
		Summary:   state.Summary,
		History:   history,
		TurnCount: state.TurnCount,
	}
}
