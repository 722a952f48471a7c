// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"golang.org/x/sync/semaphore"
)

// Manager serializes turns per session on top of a Store.
//
// # Description
//
// Each session id maps to a weight-1 semaphore. A turn acquires it before
// loading state and releases it after saving, so turns on the same session
// run one after another in arrival order while different sessions proceed
// independently. Lock entries are reference counted and dropped once no
// turn holds or waits on them.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	sem  *semaphore.Weighted
	refs int
}

// NewManager wraps store.
func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		locks: make(map[string]*sessionLock),
	}
}

// Store returns the underlying store for read-only access.
func (m *Manager) Store() Store {
	return m.store
}

// Acquire waits for exclusive access to sessionID and loads its state.
//
// # Outputs
//
//   - *Lease: holds the lock until Release. Never nil when err is nil.
//   - error: ErrInvalidSessionID, a wrapped ctx error if ctx ends while
//     waiting, or a store error.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}

	lock := m.ref(sessionID)
	if err := lock.sem.Acquire(ctx, 1); err != nil {
		m.unref(sessionID)
		return nil, fmt.Errorf("acquire session %s: %w", sessionID, err)
	}

	state, err := m.store.Load(ctx, sessionID)
	if err != nil {
		lock.sem.Release(1)
		m.unref(sessionID)
		return nil, err
	}

	return &Lease{State: state, manager: m, sessionID: sessionID, lock: lock}, nil
}

// ActiveSessions returns the number of sessions with a held or awaited lock.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) ref(sessionID string) *sessionLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sessionLock{sem: semaphore.NewWeighted(1)}
		m.locks[sessionID] = lock
	}
	lock.refs++
	return lock
}

func (m *Manager) unref(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[sessionID]
	if !ok {
		return
	}
	lock.refs--
	if lock.refs <= 0 {
		delete(m.locks, sessionID)
	}
}

// Lease is exclusive access to one session's state.
type Lease struct {
	// State is the loaded state. Mutate it freely; Commit persists it.
	State *datatypes.ConversationState

	manager   *Manager
	sessionID string
	lock      *sessionLock
	once      sync.Once
}

// Commit persists State.
func (l *Lease) Commit(ctx context.Context) error {
	l.State.UpdatedAt = time.Now().UTC()
	return l.manager.store.Save(ctx, l.State)
}

// Release gives up the lock. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.lock.sem.Release(1)
		l.manager.unref(l.sessionID)
	})
}
