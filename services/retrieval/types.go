// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval provides evidence sources for the answering workflow:
// a Weaviate-backed knowledge retriever and a Tavily web search client.
package retrieval

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Evidence Model
// =============================================================================

// SourceKind distinguishes where an evidence chunk came from.
type SourceKind string

const (
	// SourceInternal marks chunks retrieved from the indexed corpus.
	SourceInternal SourceKind = "internal"

	// SourceWeb marks chunks obtained from web search.
	SourceWeb SourceKind = "web"
)

// EvidenceChunk is one unit of supporting material for generation.
type EvidenceChunk struct {
	// Content is the chunk text.
	Content string `json:"content"`

	// Source says whether the chunk is internal or from the web.
	Source SourceKind `json:"source"`

	// Locator identifies the origin: a document path for internal chunks,
	// a URL for web chunks.
	Locator string `json:"locator,omitempty"`
}

// =============================================================================
// Interfaces
// =============================================================================

// KnowledgeRetriever searches the indexed corpus.
//
// # Description
//
// Implementations perform semantic search over ingested documents and
// return the top-k chunks in relevance order. Order must be preserved by
// callers; downstream grading depends on it.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type KnowledgeRetriever interface {
	// Search returns up to k chunks relevant to query, most relevant first.
	//
	// Returns *UnavailableError when the backing store cannot be reached.
	Search(ctx context.Context, query string, k int) ([]EvidenceChunk, error)
}

// WebSearcher queries an external web search provider.
//
// Implementations return result snippets as evidence chunks with the
// result URL as locator.
type WebSearcher interface {
	// Search returns up to k result chunks for query.
	//
	// Returns *UnavailableError when the provider cannot be reached.
	Search(ctx context.Context, query string, k int) ([]EvidenceChunk, error)
}

// =============================================================================
// Errors
// =============================================================================

// UnavailableError indicates an evidence backend could not be reached.
//
// The workflow treats this as "try the other source": a failed corpus
// search escalates to web search and vice versa. Only when no source is
// left does the run fail.
type UnavailableError struct {
	// Backend names the failing system ("weaviate", "tavily").
	Backend string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Backend, e.Cause)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// IsUnavailable checks if an error is an UnavailableError.
func IsUnavailable(err error) bool {
	var unavailErr *UnavailableError
	return errors.As(err, &unavailErr)
}
