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
)

// Defaults is the safe-default policy applied when a classifier call
// fails. The zero value is not useful; use DefaultPolicy.
//
// The values are policy, not truth: they are chosen so a broken grader
// degrades the workflow instead of halting it, and deployments may tune
// them.
type Defaults struct {
	// Route is the search mode when routing fails. Default: internal.
	Route SearchMode

	// KeepDocument keeps a chunk when its grading fails. Default: true
	// (under-filtering beats discarding possibly useful evidence).
	KeepDocument bool

	// Grounded is the grounding verdict on failure. Default: true
	// (avoids retry loops driven by a broken grader).
	Grounded bool

	// Useful is the relevance verdict on failure. Default: true.
	Useful bool
}

// DefaultPolicy returns the standard fail-open defaults.
func DefaultPolicy() Defaults {
	return Defaults{
		Route:        SearchInternal,
		KeepDocument: true,
		Grounded:     true,
		Useful:       true,
	}
}

// Router decides whether a query goes to the corpus or to web search.
type Router struct {
	port     classifier.Port
	defaults Defaults
	logger   *slog.Logger
}

// NewRouter creates a Router over the given classifier port.
func NewRouter(port classifier.Port, defaults Defaults) *Router {
	return &Router{
		port:     port,
		defaults: defaults,
		logger:   slog.Default().With("component", "router"),
	}
}

// Route picks the search mode for a query. Classifier failures fall back
// to the configured default and are never propagated.
func (r *Router) Route(ctx context.Context, query string) SearchMode {
	raw, err := r.port.Classify(ctx, routerInstructions, query)
	if err != nil {
		r.logger.Warn("routing classifier failed, using default",
			"default", string(r.defaults.Route),
			"error", err)
		return r.defaults.Route
	}

	choice, err := classifier.ParseChoice(raw, "datasource", []string{"websearch", "vectorstore"})
	if err != nil {
		r.logger.Warn("routing decision unparseable, using default",
			"default", string(r.defaults.Route),
			"error", err)
		return r.defaults.Route
	}

	if choice == "websearch" {
		return SearchWeb
	}
	return SearchInternal
}
