// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/retrieval"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// RetrievalStage fetches local and web context concurrently.
//
// # Description
//
// Both backends are queried with the question text and joined before the
// stage returns. Results land in the slot of the backend that produced
// them, so the merged order is always local then web regardless of which
// branch finished first. A failing branch degrades to no documents.
//
// # Thread Safety
//
// Safe for concurrent use across sessions. Run mutates only the state it
// is given.
type RetrievalStage struct {
	facade  *retrieval.Facade
	metrics *observability.Metrics
}

// NewRetrievalStage creates the stage. metrics may be nil.
func NewRetrievalStage(facade *retrieval.Facade, metrics *observability.Metrics) *RetrievalStage {
	return &RetrievalStage{facade: facade, metrics: metrics}
}

// Run fills state.Turn.LocalContext and state.Turn.WebContext.
//
// # Outputs
//
//   - error: only the context error when ctx ended during retrieval.
//     Backend failures are logged and absorbed.
func (s *RetrievalStage) Run(ctx context.Context, state *datatypes.ConversationState) error {
	ctx, span := tracer.Start(ctx, "RetrievalStage.Run")
	defer span.End()

	query := strings.TrimSpace(state.Turn.Question)

	var (
		local []datatypes.RetrievedDocument
		web   []datatypes.RetrievedDocument
		g     errgroup.Group
	)
	g.Go(func() error {
		local = s.branch(ctx, state.SessionID, retrieval.BackendLocal, func() ([]datatypes.RetrievedDocument, error) {
			return s.facade.RetrieveLocal(ctx, query, s.facade.LocalK())
		})
		return nil
	})
	g.Go(func() error {
		web = s.branch(ctx, state.SessionID, retrieval.BackendWeb, func() ([]datatypes.RetrievedDocument, error) {
			return s.facade.RetrieveWeb(ctx, query, s.facade.WebK())
		})
		return nil
	})
	_ = g.Wait()

	state.Turn.LocalContext = local
	state.Turn.WebContext = web
	span.SetAttributes(
		attribute.Int("retrieval.local_docs", len(local)),
		attribute.Int("retrieval.web_docs", len(web)),
	)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("retrieval interrupted: %w", err)
	}
	return nil
}

func (s *RetrievalStage) branch(ctx context.Context, sessionID, backend string,
	fetch func() ([]datatypes.RetrievedDocument, error)) []datatypes.RetrievedDocument {

	docs, err := fetch()
	if err == nil {
		return docs
	}
	if ctx.Err() == nil {
		slog.Warn("Retrieval branch failed, continuing without its context",
			"sessionId", sessionID,
			"stage", StageParallelRetrieval.String(),
			"backend", backend,
			"error", err)
		s.metrics.RecordRetrievalFailure(backend)
	}
	return []datatypes.RetrievedDocument{}
}
