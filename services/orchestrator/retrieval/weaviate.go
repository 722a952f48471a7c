// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.orchestrator.retrieval")

// Default Weaviate classes holding the two corpora.
const (
	DefaultLocalClass = "LocalDocument"
	DefaultWebClass   = "WebDocument"
)

// WeaviateRetriever runs nearVector queries against one Weaviate class.
//
// # Description
//
// The query is embedded with the configured Embedder and matched against
// the class's vectors. Rows are returned nearest first, as Weaviate orders
// them. Each document's metadata records the backend name, the object id,
// the vector distance, and any source/title properties.
//
// # Assumptions
//
//   - The class has "content", "source" and "title" text properties.
type WeaviateRetriever struct {
	client    *weaviate.Client
	embedder  Embedder
	className string
	backend   string
}

var _ Retriever = (*WeaviateRetriever)(nil)

// NewWeaviateRetriever builds a retriever over className. backend names
// the corpus in metadata and logs.
func NewWeaviateRetriever(client *weaviate.Client, embedder Embedder, className, backend string) *WeaviateRetriever {
	return &WeaviateRetriever{
		client:    client,
		embedder:  embedder,
		className: className,
		backend:   backend,
	}
}

var documentFields = []graphql.Field{
	{Name: "content"},
	{Name: "source"},
	{Name: "title"},
	{Name: "_additional", Fields: []graphql.Field{
		{Name: "id"},
		{Name: "distance"},
	}},
}

// Retrieve implements Retriever.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, query string, k int) ([]datatypes.RetrievedDocument, error) {
	ctx, span := tracer.Start(ctx, "WeaviateRetriever.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("retrieval.backend", r.backend),
		attribute.String("retrieval.class", r.className),
		attribute.Int("retrieval.k", k),
	)

	if k <= 0 {
		return []datatypes.RetrievedDocument{}, nil
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	nearVector := r.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	result, err := r.client.GraphQL().Get().
		WithClassName(r.className).
		WithFields(documentFields...).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "weaviate query failed")
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	docs, err := parseDocuments(result, r.className, r.backend)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("retrieval.results", len(docs)))
	slog.Debug("Retrieved documents", "backend", r.backend, "count", len(docs))
	return docs, nil
}

// parseDocuments converts a Get response over className into documents,
// preserving Weaviate's order.
func parseDocuments(resp *models.GraphQLResponse, className, backend string) ([]datatypes.RetrievedDocument, error) {
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.DocumentQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse search results: %w", err)
	}
	rows := parsed.Get[className]
	docs := make([]datatypes.RetrievedDocument, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, row.ToRetrievedDocument(backend))
	}
	return docs, nil
}
