// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl evicts idle conversation sessions on a schedule.
//
// Stores with native expiry (badger) do not need it. The in-memory store
// relies on this scheduler to bound its growth.
package ttl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Expirer removes sessions that have not been updated since cutoff.
type Expirer interface {
	ExpireIdle(ctx context.Context, cutoff time.Time) (int, error)
}

// SchedulerConfig configures the cleanup loop.
type SchedulerConfig struct {
	// Interval between cleanup cycles.
	Interval time.Duration
	// MaxIdle is how long a session may go without a turn.
	MaxIdle time.Duration
}

// DefaultSchedulerConfig returns hourly cleanup of sessions idle for a day.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: 1 * time.Hour,
		MaxIdle:  24 * time.Hour,
	}
}

// CleanupResult describes one cleanup cycle.
type CleanupResult struct {
	StartTime       time.Time
	EndTime         time.Time
	SessionsDeleted int
}

// Duration returns how long the cycle took.
func (r CleanupResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Scheduler runs cleanup cycles in the background.
//
// # Thread Safety
//
// Safe for concurrent use.
type Scheduler struct {
	expirer Expirer
	config  SchedulerConfig
	now     func() time.Time

	done    chan struct{}
	stopped chan struct{}
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a stopped scheduler. Non-positive config values
// take the defaults.
func NewScheduler(expirer Expirer, config SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxIdle <= 0 {
		config.MaxIdle = defaults.MaxIdle
	}
	return &Scheduler{
		expirer: expirer,
		config:  config,
		now:     time.Now,
	}
}

// Start launches the loop. The first cycle runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	slog.Info("Session cleanup scheduler starting",
		"interval", s.config.Interval.String(),
		"max_idle", s.config.MaxIdle.String())

	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop ends the loop and waits for an in-flight cycle. Safe to call when
// not running.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	slog.Info("Session cleanup scheduler stopped")
	return nil
}

// RunNow runs one cycle synchronously.
func (s *Scheduler) RunNow(ctx context.Context) (CleanupResult, error) {
	result := CleanupResult{StartTime: s.now()}
	deleted, err := s.expirer.ExpireIdle(ctx, result.StartTime.Add(-s.config.MaxIdle))
	result.EndTime = s.now()
	result.SessionsDeleted = deleted
	if err != nil {
		return result, fmt.Errorf("expire idle sessions: %w", err)
	}
	return result, nil
}

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.executeCleanup(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.executeCleanup(ctx)
		}
	}
}

func (s *Scheduler) executeCleanup(ctx context.Context) {
	result, err := s.RunNow(ctx)
	if err != nil {
		slog.Error("Session cleanup cycle failed", "error", err)
		return
	}
	if result.SessionsDeleted > 0 {
		slog.Info("Session cleanup cycle completed",
			"sessions_deleted", result.SessionsDeleted,
			"duration_ms", result.Duration().Milliseconds())
	} else {
		slog.Debug("Session cleanup cycle completed (no idle sessions)")
	}
}
