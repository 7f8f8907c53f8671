// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflow

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/answerflow/services/classifier"
	"github.com/AleutianAI/answerflow/services/retrieval"
)

// =============================================================================
// Document Grader
// =============================================================================

// DocumentGrader filters retrieved chunks by relevance to the query.
type DocumentGrader struct {
	port     classifier.Port
	defaults Defaults
	logger   *slog.Logger
}

// NewDocumentGrader creates a DocumentGrader over the classifier port.
func NewDocumentGrader(port classifier.Port, defaults Defaults) *DocumentGrader {
	return &DocumentGrader{
		port:     port,
		defaults: defaults,
		logger:   slog.Default().With("component", "document_grader"),
	}
}

// Grade returns the chunks judged relevant, preserving input order, and
// whether web search is needed because nothing survived.
//
// Chunks are graded independently. A chunk is dropped only on an explicit
// "no"; classifier failures keep the chunk per the fail-open policy.
func (g *DocumentGrader) Grade(ctx context.Context, query string, evidence []retrieval.EvidenceChunk) ([]retrieval.EvidenceChunk, bool) {
	kept := make([]retrieval.EvidenceChunk, 0, len(evidence))

	for _, chunk := range evidence {
		if g.gradeOne(ctx, query, chunk) {
			kept = append(kept, chunk)
		}
	}

	return kept, len(kept) == 0
}

// gradeOne decides whether to keep a single chunk.
func (g *DocumentGrader) gradeOne(ctx context.Context, query string, chunk retrieval.EvidenceChunk) bool {
	raw, err := g.port.Classify(ctx, docGraderInstructions, docGraderInput(query, chunk.Content))
	if err != nil {
		g.logger.Warn("document grading failed, applying default",
			"keep", g.defaults.KeepDocument,
			"error", err)
		return g.defaults.KeepDocument
	}

	decision, err := classifier.ParseBinary(raw)
	if err != nil {
		g.logger.Warn("document grade unparseable, applying default",
			"keep", g.defaults.KeepDocument,
			"error", err)
		return g.defaults.KeepDocument
	}

	return decision.Score
}

// =============================================================================
// Grounding Grader
// =============================================================================

// GroundingGrader checks whether a draft answer is supported by evidence.
type GroundingGrader struct {
	port     classifier.Port
	defaults Defaults
	logger   *slog.Logger
}

// NewGroundingGrader creates a GroundingGrader over the classifier port.
func NewGroundingGrader(port classifier.Port, defaults Defaults) *GroundingGrader {
	return &GroundingGrader{
		port:     port,
		defaults: defaults,
		logger:   slog.Default().With("component", "grounding_grader"),
	}
}

// Grounded reports whether the draft's claims are supported by evidence.
// Classifier failures return the configured default.
func (g *GroundingGrader) Grounded(ctx context.Context, evidence []retrieval.EvidenceChunk, draft string) bool {
	raw, err := g.port.Classify(ctx, groundingGraderInstructions, groundingGraderInput(evidence, draft))
	if err != nil {
		g.logger.Warn("grounding check failed, applying default",
			"grounded", g.defaults.Grounded,
			"error", err)
		return g.defaults.Grounded
	}

	decision, err := classifier.ParseBinary(raw)
	if err != nil {
		g.logger.Warn("grounding grade unparseable, applying default",
			"grounded", g.defaults.Grounded,
			"error", err)
		return g.defaults.Grounded
	}

	if !decision.Score {
		g.logger.Info("draft not grounded", "explanation", decision.Explanation)
	}
	return decision.Score
}

// =============================================================================
// Relevance Grader
// =============================================================================

// RelevanceGrader checks whether a draft answer resolves the query.
type RelevanceGrader struct {
	port     classifier.Port
	defaults Defaults
	logger   *slog.Logger
}

// NewRelevanceGrader creates a RelevanceGrader over the classifier port.
func NewRelevanceGrader(port classifier.Port, defaults Defaults) *RelevanceGrader {
	return &RelevanceGrader{
		port:     port,
		defaults: defaults,
		logger:   slog.Default().With("component", "relevance_grader"),
	}
}

// Useful reports whether the draft resolves the original query.
// Classifier failures return the configured default.
func (g *RelevanceGrader) Useful(ctx context.Context, query, draft string) bool {
	raw, err := g.port.Classify(ctx, relevanceGraderInstructions, relevanceGraderInput(query, draft))
	if err != nil {
		g.logger.Warn("relevance check failed, applying default",
			"useful", g.defaults.Useful,
			"error", err)
		return g.defaults.Useful
	}

	decision, err := classifier.ParseBinary(raw)
	if err != nil {
		g.logger.Warn("relevance grade unparseable, applying default",
			"useful", g.defaults.Useful,
			"error", err)
		return g.defaults.Useful
	}

	if !decision.Score {
		g.logger.Info("draft not useful", "explanation", decision.Explanation)
	}
	return decision.Score
}
