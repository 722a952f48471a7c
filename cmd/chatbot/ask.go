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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/orchestrator"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/streaming"
	"github.com/spf13/cobra"
)

// errStreamFailed is returned when the answer stream ends with an error
// chunk or without its terminal chunk.
var errStreamFailed = errors.New("answer stream failed")

// streamAsker starts a streaming turn.
type streamAsker interface {
	AskStream(ctx context.Context, sessionID, question string,
		opts ...conversation.StreamOption) (<-chan streaming.Chunk, error)
}

var _ streamAsker = (*conversation.Orchestrator)(nil)

func newAskCmd(state *cliState) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and stream the answer to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// ask is a one-shot process; keep HTTP metrics off.
			disabled := false
			state.config.EnableMetrics = &disabled

			svc, err := orchestrator.New(state.config)
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Close(); err != nil {
					slog.Warn("cleanup failed", "error", err)
				}
			}()

			question := strings.Join(args, " ")
			return runAsk(cmd.Context(), svc.Orchestrator(), cmd.OutOrStdout(), sessionID, question)
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "default", "Session to continue")
	return cmd
}

// runAsk streams one turn to out as plain text.
func runAsk(ctx context.Context, asker streamAsker, out io.Writer, sessionID, question string) error {
	chunks, err := asker.AskStream(ctx, sessionID, question, conversation.WithFramer(textFramer{}))
	if err != nil {
		return err
	}

	var failure string
	terminal := false
	for chunk := range chunks {
		switch {
		case chunk.Err:
			failure = string(chunk.Payload)
		case chunk.Terminal:
			terminal = true
		default:
			if _, err := out.Write(chunk.Payload); err != nil {
				return fmt.Errorf("write answer: %w", err)
			}
		}
	}
	if _, err := io.WriteString(out, "\n"); err != nil {
		return fmt.Errorf("write answer: %w", err)
	}

	if failure != "" {
		return fmt.Errorf("%w: %s", errStreamFailed, failure)
	}
	if !terminal {
		return errStreamFailed
	}
	return nil
}

// textFramer passes deltas through untouched for terminal output.
type textFramer struct{}

var _ streaming.Framer = textFramer{}

func (textFramer) Frame(delta string) []byte   { return []byte(delta) }
func (textFramer) Error(message string) []byte { return []byte(message) }
func (textFramer) Terminal() []byte            { return nil }
