// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package workflow implements the adaptive answering state machine:
// route a question to the corpus or the web, grade the evidence, generate
// an answer, and check it for grounding and relevance, bounded by a retry
// budget. Progress is reported through an event sink and state is
// checkpointed per session after every transition.
package workflow

import (
	"github.com/AleutianAI/answerflow/services/retrieval"
)

// =============================================================================
// State Machine Names
// =============================================================================

// StateName identifies a step of the answering state machine.
type StateName string

const (
	StateRouting           StateName = "routing"
	StateRetrieving        StateName = "retrieving"
	StateGrading           StateName = "grading"
	StateGenerating        StateName = "generating"
	StateCheckingGrounding StateName = "checking_grounding"
	StateCheckingRelevance StateName = "checking_relevance"
	StateAnswered          StateName = "answered"
	StateExhausted         StateName = "exhausted"
	StateErrored           StateName = "errored"
)

// Terminal reports whether the state ends a run.
func (s StateName) Terminal() bool {
	switch s {
	case StateAnswered, StateExhausted, StateErrored:
		return true
	default:
		return false
	}
}

// =============================================================================
// Run State
// =============================================================================

// SearchMode selects the evidence source for the current loop.
type SearchMode string

const (
	// SearchInternal targets the indexed corpus.
	SearchInternal SearchMode = "internal"

	// SearchWeb targets the web search provider.
	SearchWeb SearchMode = "web"
)

// TerminalStatus is the outcome of a run.
type TerminalStatus string

const (
	StatusPending   TerminalStatus = "pending"
	StatusAnswered  TerminalStatus = "answered"
	StatusExhausted TerminalStatus = "exhausted"
	StatusError     TerminalStatus = "error"
)

// Turn is one exchange in the session's conversation history.
type Turn struct {
	// Role is "user" or "assistant".
	Role string `json:"role"`

	// Content is the turn text.
	Content string `json:"content"`
}

// WorkflowState is the single mutable record threaded through a run.
//
// Evidence is replaced wholesale by grading and web search, never patched
// in place. LoopCount increments exactly once per generation pass and
// never exceeds MaxLoops. Status only moves forward from pending.
type WorkflowState struct {
	// Query is the original question for this run. Immutable.
	Query string `json:"query"`

	// Evidence is the current ordered evidence set.
	Evidence []retrieval.EvidenceChunk `json:"evidence"`

	// DraftAnswer is the current best answer text.
	DraftAnswer string `json:"draft_answer"`

	// SearchMode is the evidence source chosen by the router, escalated
	// to web by failed relevance checks.
	SearchMode SearchMode `json:"search_mode"`

	// LoopCount is the number of completed generation passes.
	LoopCount int `json:"loop_count"`

	// MaxLoops bounds generation passes for the run. Immutable.
	MaxLoops int `json:"max_loops"`

	// Answers counts drafts produced so far.
	Answers int `json:"answers"`

	// Status is the run outcome, pending until a terminal state.
	Status TerminalStatus `json:"terminal_status"`

	// History carries prior turns of the session, oldest first.
	History []Turn `json:"history,omitempty"`
}

// newRunState builds the state for a fresh run.
func newRunState(query string, maxLoops int, history []Turn) *WorkflowState {
	return &WorkflowState{
		Query:      query,
		SearchMode: SearchInternal,
		MaxLoops:   maxLoops,
		Status:     StatusPending,
		History:    history,
	}
}
