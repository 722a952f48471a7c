// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session persists conversation state between turns and
// serializes turns that target the same session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// ErrInvalidSessionID is returned for blank session identifiers.
var ErrInvalidSessionID = errors.New("session id must not be empty")

// Store loads and saves ConversationState by session id.
//
// # Description
//
// Load returns a fresh empty state for unknown ids; it never fails for a
// missing session. Save replaces the stored state wholesale. Returned
// states are owned by the caller: mutating them never changes the stored
// copy until Save is called.
//
// # Thread Safety
//
// Implementations are safe for concurrent use. Callers that need
// read-modify-write atomicity per session go through Manager.
type Store interface {
	Load(ctx context.Context, sessionID string) (*datatypes.ConversationState, error)
	Save(ctx context.Context, state *datatypes.ConversationState) error
	Close() error
}

// =============================================================================
// In-memory Store
// =============================================================================

// MemoryStore keeps state in a map. Contents are lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*datatypes.ConversationState
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*datatypes.ConversationState)}
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context, sessionID string) (*datatypes.ConversationState, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	m.mu.RLock()
	state, ok := m.states[sessionID]
	m.mu.RUnlock()
	if !ok {
		return datatypes.NewConversationState(sessionID), nil
	}
	return state.Clone(), nil
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, state *datatypes.ConversationState) error {
	if state == nil || state.SessionID == "" {
		return ErrInvalidSessionID
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	m.mu.Lock()
	m.states[state.SessionID] = state.Clone()
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// ExpireIdle removes sessions not updated since cutoff and returns how
// many were removed.
func (m *MemoryStore) ExpireIdle(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, state := range m.states {
		if state.UpdatedAt.Before(cutoff) {
			delete(m.states, id)
			removed++
		}
	}
	return removed, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
