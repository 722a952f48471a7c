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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

const (
	// DefaultEmbeddingTimeout bounds a single embedding request.
	DefaultEmbeddingTimeout = 30 * time.Second

	// DefaultMaxEmbedLength truncates queries before embedding.
	DefaultMaxEmbedLength = 2048
)

// ErrEmptyText is returned when asked to embed an empty string.
var ErrEmptyText = errors.New("text to embed is empty")

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingClient calls the embedding service over HTTP. The service
// accepts {"text": ...} and replies with {"vector": [...]}.
type EmbeddingClient struct {
	url            string
	httpClient     *http.Client
	maxEmbedLength int
}

var _ Embedder = (*EmbeddingClient)(nil)

// NewEmbeddingClient returns a client posting to url.
func NewEmbeddingClient(url string) *EmbeddingClient {
	return &EmbeddingClient{
		url:            url,
		httpClient:     &http.Client{Timeout: DefaultEmbeddingTimeout},
		maxEmbedLength: DefaultMaxEmbedLength,
	}
}

// WithTimeout overrides the request timeout.
func (c *EmbeddingClient) WithTimeout(timeout time.Duration) *EmbeddingClient {
	c.httpClient.Timeout = timeout
	return c
}

// Embed implements Embedder.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	if len(text) > c.maxEmbedLength {
		text = text[:c.maxEmbedLength]
	}

	body, err := json.Marshal(datatypes.EmbeddingRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var embResp datatypes.EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(embResp.Vector) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	return embResp.Vector, nil
}
