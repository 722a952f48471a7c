// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval provides the two context sources a turn draws on, the
// local knowledge base and the indexed web corpus, behind one facade.
package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

const (
	// DefaultLocalK is the number of local documents fetched per turn.
	DefaultLocalK = 4

	// DefaultWebK is the number of web documents fetched per turn.
	DefaultWebK = 2
)

// Backend names, used in logs and metrics.
const (
	BackendLocal = "local"
	BackendWeb   = "web"
)

// ErrRetrievalUnavailable marks any failure of a retrieval backend.
var ErrRetrievalUnavailable = errors.New("retrieval unavailable")

// RetrievalError wraps a backend failure with the backend's name.
type RetrievalError struct {
	Backend string
	Err     error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("%s retrieval unavailable: %v", e.Backend, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// Is makes every RetrievalError match ErrRetrievalUnavailable.
func (e *RetrievalError) Is(target error) bool {
	return target == ErrRetrievalUnavailable
}

// IsRetrievalError reports whether err is a RetrievalError and returns it.
func IsRetrievalError(err error) (*RetrievalError, bool) {
	var re *RetrievalError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Retriever returns up to k documents relevant to query, most relevant
// first. Implementations are safe for concurrent use.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]datatypes.RetrievedDocument, error)
}

// RetrieverFunc adapts a function to Retriever.
type RetrieverFunc func(ctx context.Context, query string, k int) ([]datatypes.RetrievedDocument, error)

// Retrieve implements Retriever.
func (f RetrieverFunc) Retrieve(ctx context.Context, query string, k int) ([]datatypes.RetrievedDocument, error) {
	return f(ctx, query, k)
}

// NoopRetriever always returns no documents. Used when a backend is not
// configured.
type NoopRetriever struct{}

// Retrieve implements Retriever.
func (NoopRetriever) Retrieve(context.Context, string, int) ([]datatypes.RetrievedDocument, error) {
	return []datatypes.RetrievedDocument{}, nil
}

// =============================================================================
// Facade
// =============================================================================

// Facade exposes local and web retrieval with per-source default counts.
type Facade struct {
	local  Retriever
	web    Retriever
	localK int
	webK   int
}

// NewFacade builds a facade. Nil retrievers become NoopRetriever and
// non-positive counts fall back to the defaults.
func NewFacade(local, web Retriever, localK, webK int) *Facade {
	if local == nil {
		local = NoopRetriever{}
	}
	if web == nil {
		web = NoopRetriever{}
	}
	if localK <= 0 {
		localK = DefaultLocalK
	}
	if webK <= 0 {
		webK = DefaultWebK
	}
	return &Facade{local: local, web: web, localK: localK, webK: webK}
}

// LocalK returns the configured local document count.
func (f *Facade) LocalK() int { return f.localK }

// WebK returns the configured web document count.
func (f *Facade) WebK() int { return f.webK }

// RetrieveLocal queries the local knowledge base. k <= 0 uses LocalK.
func (f *Facade) RetrieveLocal(ctx context.Context, query string, k int) ([]datatypes.RetrievedDocument, error) {
	if k <= 0 {
		k = f.localK
	}
	return retrieve(ctx, f.local, BackendLocal, query, k)
}

// RetrieveWeb queries the web corpus. k <= 0 uses WebK.
func (f *Facade) RetrieveWeb(ctx context.Context, query string, k int) ([]datatypes.RetrievedDocument, error) {
	if k <= 0 {
		k = f.webK
	}
	return retrieve(ctx, f.web, BackendWeb, query, k)
}

func retrieve(ctx context.Context, r Retriever, backend, query string, k int) ([]datatypes.RetrievedDocument, error) {
	docs, err := r.Retrieve(ctx, query, k)
	if err != nil {
		return nil, &RetrievalError{Backend: backend, Err: err}
	}
	if len(docs) > k {
		docs = docs[:k]
	}
	if docs == nil {
		docs = []datatypes.RetrievedDocument{}
	}
	return docs, nil
}
