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
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// Converts Weaviate's dynamic response (map[string]models.JSONObject) into a
// strongly-typed struct via a marshal/unmarshal round trip. GraphQL level
// errors reported by Weaviate are returned as an error.
//
// # Inputs
//
//   - resp: The GraphQL response from the client's Do() method.
//
// # Outputs
//
//   - *T: Pointer to the parsed struct.
//   - error: Non-nil if the response is nil, carries errors, or parsing fails.
//
// # Limitations
//
//   - Type mismatches will result in zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Document Query Types
// =============================================================================

// DocumentQueryResponse is the shape of a Get query over any document class.
// The class name is configurable so results are keyed by it.
type DocumentQueryResponse struct {
	Get map[string][]DocumentResult `json:"Get"`
}

// DocumentResult is a single document row from a nearVector query.
type DocumentResult struct {
	Content    string `json:"content"`
	Source     string `json:"source"`
	Title      string `json:"title"`
	Additional struct {
		ID       string   `json:"id"`
		Distance *float64 `json:"distance"`
	} `json:"_additional"`
}

// ToRetrievedDocument flattens a row into the engine's document type.
func (r DocumentResult) ToRetrievedDocument(backend string) RetrievedDocument {
	meta := map[string]string{"backend": backend}
	if r.Source != "" {
		meta["source"] = r.Source
	}
	if r.Title != "" {
		meta["title"] = r.Title
	}
	if r.Additional.ID != "" {
		meta["id"] = r.Additional.ID
	}
	if r.Additional.Distance != nil {
		meta["distance"] = strconv.FormatFloat(*r.Additional.Distance, 'f', 4, 64)
	}
	return RetrievedDocument{Content: r.Content, Metadata: meta}
}
