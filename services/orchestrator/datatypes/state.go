// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Messages
// =============================================================================

// Role identifies the author of a Message.
type Role string

const (
	// RoleSystem marks instruction layers built by the prompt assembler.
	RoleSystem Role = "system"

	// RoleHuman marks messages written by the end user. Serialized as "user"
	// because that is the role name every chat backend accepts.
	RoleHuman Role = "user"

	// RoleAssistant marks model output.
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleHuman, RoleAssistant:
		return true
	}
	return false
}

// Message is a single conversational unit.
//
// # Description
//
// Messages are immutable once created. ID is what summarization uses to
// remove messages from history, so every message appended to a
// ConversationState must carry one. Prompt layers built on the fly may
// leave it empty since they are never stored.
type Message struct {
	ID      string `json:"id,omitempty"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewMessage creates a Message with a fresh UUID v4 identifier.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:      uuid.NewString(),
		Role:    role,
		Content: content,
	}
}

// SystemMessage builds an unstored system layer.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// HumanMessage builds an unstored human layer.
func HumanMessage(content string) Message {
	return Message{Role: RoleHuman, Content: content}
}

// =============================================================================
// Retrieval
// =============================================================================

// RetrievedDocument is a unit of context returned by a retrieval backend.
type RetrievedDocument struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Source returns the "source" metadata entry, or "" when absent.
func (d RetrievedDocument) Source() string {
	if d.Metadata == nil {
		return ""
	}
	return d.Metadata["source"]
}

// =============================================================================
// Conversation State
// =============================================================================

// TurnScratch holds values produced while a single turn runs. It is reset at
// the start of every turn and never persisted.
type TurnScratch struct {
	Question        string
	LocalContext    []RetrievedDocument
	WebContext      []RetrievedDocument
	Answer          string
	MergedDocuments []RetrievedDocument
}

// ConversationState is the per-session record carried between turns.
//
// # Description
//
// History holds the retained messages in append order. Summary condenses
// everything that was pruned from History. Turn is scratch space for the
// turn currently executing.
//
// # Thread Safety
//
// Not safe for concurrent use. Callers serialize access per session
// through session.Manager.
type ConversationState struct {
	SessionID string    `json:"session_id"`
	History   []Message `json:"history"`
	Summary   string    `json:"summary"`
	TurnCount int       `json:"turn_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Turn TurnScratch `json:"-"`
}

// NewConversationState returns an empty state for sessionID.
func NewConversationState(sessionID string) *ConversationState {
	now := time.Now().UTC()
	return &ConversationState{
		SessionID: sessionID,
		History:   []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// BeginTurn clears the scratch area and records the question for a new turn.
func (s *ConversationState) BeginTurn(question string) {
	s.Turn = TurnScratch{Question: question}
}

// AppendExchange appends the human question and assistant answer as one
// unit. Both messages get fresh identifiers.
func (s *ConversationState) AppendExchange(question, answer string) {
	s.History = append(s.History,
		NewMessage(RoleHuman, question),
		NewMessage(RoleAssistant, answer),
	)
	s.TurnCount++
	s.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy of the persisted fields. Scratch is not copied.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := *s
	out.History = make([]Message, len(s.History))
	copy(out.History, s.History)
	out.Turn = TurnScratch{}
	return &out
}
