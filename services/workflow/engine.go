// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/answerflow/services/retrieval"
	"github.com/AleutianAI/answerflow/services/workflow/checkpoint"
)

// =============================================================================
// Configuration
// =============================================================================

// EngineConfig holds engine tuning knobs.
type EngineConfig struct {
	// MaxConcurrentRuns bounds simultaneous runs to protect the external
	// services. Default: 16.
	MaxConcurrentRuns int64

	// DefaultMaxLoops is the generation budget when the request does not
	// set one. Default: 3.
	DefaultMaxLoops int

	// RetrieveK is the corpus search depth. Default: 5.
	RetrieveK int

	// WebSearchK is the web search depth. Default: 5.
	WebSearchK int
}

// applyEngineDefaults fills in missing configuration values.
func applyEngineDefaults(cfg EngineConfig) EngineConfig {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 16
	}
	if cfg.DefaultMaxLoops <= 0 {
		cfg.DefaultMaxLoops = 3
	}
	if cfg.RetrieveK <= 0 {
		cfg.RetrieveK = 5
	}
	if cfg.WebSearchK <= 0 {
		cfg.WebSearchK = 5
	}
	return cfg
}

// Dependencies bundles the engine's collaborators.
type Dependencies struct {
	Router          *Router
	Retriever       retrieval.KnowledgeRetriever
	WebSearcher     retrieval.WebSearcher
	DocumentGrader  *DocumentGrader
	GroundingGrader *GroundingGrader
	RelevanceGrader *RelevanceGrader
	Generator       *Generator
	Checkpoints     checkpoint.Store
}

// =============================================================================
// Runner Interface
// =============================================================================

// Runner is the engine contract the HTTP layer depends on.
type Runner interface {
	// Run executes one query through the workflow, publishing progress to
	// sink. It returns the final state; err is non-nil only for errored
	// runs (both answered and exhausted return nil).
	Run(ctx context.Context, sessionID, query string, maxLoops int, sink EventSink) (*WorkflowState, error)
}

// =============================================================================
// Engine
// =============================================================================

// Engine sequences the answering state machine.
//
// # Description
//
// Engine drives one run per call to Run: route, retrieve, grade,
// generate, check grounding, check relevance, bounded by the state's
// loop budget. Progress events go to the caller's sink; state is
// checkpointed per session after every transition.
//
// # Thread Safety
//
// Safe for concurrent use. Runs for different sessions proceed in
// parallel up to MaxConcurrentRuns; runs for the same session serialize
// on a per-session lock.
type Engine struct {
	deps   Dependencies
	config EngineConfig
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

// NewEngine creates an Engine with the given collaborators.
func NewEngine(deps Dependencies, cfg EngineConfig) *Engine {
	cfg = applyEngineDefaults(cfg)
	return &Engine{
		deps:     deps,
		config:   cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentRuns),
		logger:   slog.Default().With("component", "workflow_engine"),
		sessions: make(map[string]*sync.Mutex),
	}
}

// Run executes one query through the workflow.
//
// # Description
//
// Emits a start event, walks the state machine until a terminal state,
// and finishes the stream with exactly one done or error event. The
// returned state carries the final status and draft answer.
//
// # Inputs
//
//   - ctx: Cancelled when the client disconnects; no further steps are
//     scheduled after cancellation.
//   - sessionID: Session key for checkpointing and history.
//   - query: The user question. Must be non-empty (validated upstream).
//   - maxLoops: Generation budget; <= 0 uses the configured default.
//   - sink: Receives progress events. Must not be nil.
//
// # Outputs
//
//   - *WorkflowState: Final state (also on error, for inspection).
//   - error: Non-nil only when the run errored.
func (e *Engine) Run(ctx context.Context, sessionID, query string, maxLoops int, sink EventSink) (*WorkflowState, error) {
	tracer := otel.Tracer("workflow")
	ctx, span := tracer.Start(ctx, "engine.Run")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire run slot: %w", err)
	}
	defer e.sem.Release(1)

	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if maxLoops <= 0 {
		maxLoops = e.config.DefaultMaxLoops
	}
	state := newRunState(query, maxLoops, e.loadHistory(ctx, sessionID))

	e.logger.Info("run started",
		"session_id", sessionID,
		"max_loops", maxLoops,
		"history_turns", len(state.History))

	sink.Publish(Event{Type: EventStart, Payload: StartPayload{
		Query:     query,
		Timestamp: eventTimestamp(),
	}})

	current := StateRouting
	for !current.Terminal() {
		if err := ctx.Err(); err != nil {
			// Client gone: stop scheduling steps, leave the last
			// checkpoint in place for resumption.
			state.Status = StatusError
			span.SetStatus(codes.Error, "run cancelled")
			return state, err
		}

		next, err := e.step(ctx, current, state, sink)
		if err != nil {
			state.Status = StatusError
			e.writeCheckpoint(ctx, sessionID, StateErrored, state)
			sink.Publish(Event{Type: EventError, Payload: ErrorPayload{
				Error:     "workflow_failed",
				Message:   userFacingMessage(err),
				Timestamp: eventTimestamp(),
			}})
			span.RecordError(err)
			span.SetStatus(codes.Error, "run errored")
			e.logger.Error("run errored",
				"session_id", sessionID,
				"state", string(current),
				"error", err)
			return state, err
		}

		current = next
		e.writeCheckpoint(ctx, sessionID, current, state)
	}

	switch current {
	case StateAnswered:
		state.Status = StatusAnswered
	case StateExhausted:
		state.Status = StatusExhausted
	}
	state.History = append(state.History,
		Turn{Role: "user", Content: query},
		Turn{Role: "assistant", Content: state.DraftAnswer},
	)
	e.writeCheckpoint(ctx, sessionID, current, state)

	sink.Publish(Event{Type: EventDone, Payload: DonePayload{
		FinalAnswer: state.DraftAnswer,
		Status:      string(state.Status),
		Timestamp:   eventTimestamp(),
	}})

	span.SetAttributes(
		attribute.String("status", string(state.Status)),
		attribute.Int("loop_count", state.LoopCount),
	)
	e.logger.Info("run finished",
		"session_id", sessionID,
		"status", string(state.Status),
		"loops", state.LoopCount)

	return state, nil
}

// step dispatches one state transition.
func (e *Engine) step(ctx context.Context, current StateName, state *WorkflowState, sink EventSink) (StateName, error) {
	switch current {
	case StateRouting:
		return e.stepRouting(ctx, state, sink)
	case StateRetrieving:
		return e.stepRetrieving(ctx, state, sink)
	case StateGrading:
		return e.stepGrading(ctx, state, sink)
	case StateGenerating:
		return e.stepGenerating(ctx, state, sink)
	case StateCheckingGrounding:
		return e.stepCheckingGrounding(ctx, state)
	case StateCheckingRelevance:
		return e.stepCheckingRelevance(ctx, state, sink)
	default:
		return "", fmt.Errorf("invalid workflow state %q", current)
	}
}

// stepRouting picks the evidence source. A web route that cannot reach
// the provider falls back to the corpus rather than failing the run.
func (e *Engine) stepRouting(ctx context.Context, state *WorkflowState, sink EventSink) (StateName, error) {
	state.SearchMode = e.deps.Router.Route(ctx, state.Query)

	if state.SearchMode == SearchWeb {
		chunks, err := e.searchWeb(ctx, state.Query)
		if err != nil {
			e.logger.Warn("web search unavailable, falling back to corpus", "error", err)
			state.SearchMode = SearchInternal
			return StateRetrieving, nil
		}
		state.Evidence = chunks
		publishDocuments(sink, state.Evidence)
		return StateGenerating, nil
	}

	return StateRetrieving, nil
}

// stepRetrieving searches the corpus, escalating to web search when the
// corpus is unreachable. Both sources down means the run cannot proceed.
func (e *Engine) stepRetrieving(ctx context.Context, state *WorkflowState, sink EventSink) (StateName, error) {
	chunks, err := e.searchCorpus(ctx, state.Query)
	if err != nil {
		e.logger.Warn("corpus retrieval unavailable, escalating to web search", "error", err)
		state.SearchMode = SearchWeb

		webChunks, webErr := e.searchWeb(ctx, state.Query)
		if webErr != nil {
			return "", fmt.Errorf("no evidence source available: %w", errors.Join(err, webErr))
		}
		state.Evidence = webChunks
		publishDocuments(sink, state.Evidence)
		return StateGenerating, nil
	}

	state.Evidence = chunks
	return StateGrading, nil
}

// stepGrading filters the retrieved evidence. An emptied evidence set
// escalates to web search; if that is also down the generator runs
// best-effort on nothing rather than failing a run that still has a
// working generation path.
func (e *Engine) stepGrading(ctx context.Context, state *WorkflowState, sink EventSink) (StateName, error) {
	kept, needWebSearch := e.deps.DocumentGrader.Grade(ctx, state.Query, state.Evidence)
	state.Evidence = kept

	if needWebSearch {
		state.SearchMode = SearchWeb
		chunks, err := e.searchWeb(ctx, state.Query)
		if err != nil {
			e.logger.Warn("web search unavailable after grading, generating without evidence", "error", err)
		} else {
			state.Evidence = append(state.Evidence, chunks...)
		}
	}

	publishDocuments(sink, state.Evidence)
	return StateGenerating, nil
}

// stepGenerating produces a draft, streaming fragments through a bounded
// channel to the sink while the engine waits for the full draft.
func (e *Engine) stepGenerating(ctx context.Context, state *WorkflowState, sink EventSink) (StateName, error) {
	webSearch := "No"
	if state.SearchMode == SearchWeb {
		webSearch = "Yes"
	}
	sink.Publish(Event{Type: EventWorkflowStep, Payload: WorkflowStepPayload{
		LoopStep:   state.LoopCount + 1,
		Answers:    state.Answers,
		MaxRetries: state.MaxLoops,
		WebSearch:  webSearch,
		Timestamp:  eventTimestamp(),
	}})

	fragments := make(chan string, 64)
	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		total := 0
		for fragment := range fragments {
			total += len(fragment)
			sink.Publish(Event{Type: EventChunk, Payload: ChunkPayload{
				Content:     fragment,
				TotalLength: total,
				Timestamp:   eventTimestamp(),
			}})
		}
	}()

	draft, err := e.deps.Generator.Generate(ctx, state, fragments)
	close(fragments)
	<-publisherDone

	if err != nil {
		return "", err
	}

	state.DraftAnswer = draft
	state.LoopCount++
	state.Answers++
	return StateCheckingGrounding, nil
}

// stepCheckingGrounding regenerates unsupported drafts with the same
// evidence, the only self-loop that does not re-retrieve.
func (e *Engine) stepCheckingGrounding(ctx context.Context, state *WorkflowState) (StateName, error) {
	if e.deps.GroundingGrader.Grounded(ctx, state.Evidence, state.DraftAnswer) {
		return StateCheckingRelevance, nil
	}
	if state.LoopCount < state.MaxLoops {
		return StateGenerating, nil
	}
	return StateExhausted, nil
}

// stepCheckingRelevance accepts useful drafts; unhelpful ones broaden
// the evidence via web search and regenerate while budget remains.
func (e *Engine) stepCheckingRelevance(ctx context.Context, state *WorkflowState, sink EventSink) (StateName, error) {
	if e.deps.RelevanceGrader.Useful(ctx, state.Query, state.DraftAnswer) {
		return StateAnswered, nil
	}
	if state.LoopCount >= state.MaxLoops {
		return StateExhausted, nil
	}

	state.SearchMode = SearchWeb
	chunks, err := e.searchWeb(ctx, state.Query)
	if err != nil {
		e.logger.Warn("web search unavailable during escalation, regenerating with existing evidence", "error", err)
	} else {
		state.Evidence = append(state.Evidence, chunks...)
	}
	publishDocuments(sink, state.Evidence)
	return StateGenerating, nil
}

// =============================================================================
// Helpers
// =============================================================================

var errBackendNotConfigured = errors.New("backend not configured")

// searchCorpus queries the corpus retriever. A missing retriever reports
// unavailable so the normal fallback paths apply.
func (e *Engine) searchCorpus(ctx context.Context, query string) ([]retrieval.EvidenceChunk, error) {
	if e.deps.Retriever == nil {
		return nil, &retrieval.UnavailableError{Backend: "weaviate", Cause: errBackendNotConfigured}
	}
	return e.deps.Retriever.Search(ctx, query, e.config.RetrieveK)
}

// searchWeb queries the web searcher. A missing searcher reports
// unavailable so the normal fallback paths apply.
func (e *Engine) searchWeb(ctx context.Context, query string) ([]retrieval.EvidenceChunk, error) {
	if e.deps.WebSearcher == nil {
		return nil, &retrieval.UnavailableError{Backend: "tavily", Cause: errBackendNotConfigured}
	}
	return e.deps.WebSearcher.Search(ctx, query, e.config.WebSearchK)
}

// publishDocuments emits the documents event for a finalized evidence set.
func publishDocuments(sink EventSink, evidence []retrieval.EvidenceChunk) {
	docs := evidence
	if docs == nil {
		docs = []retrieval.EvidenceChunk{}
	}
	sink.Publish(Event{Type: EventDocuments, Payload: DocumentsPayload{
		Count:     len(docs),
		Documents: docs,
		Timestamp: eventTimestamp(),
	}})
}

// writeCheckpoint persists the state after a transition. Checkpoint
// failures degrade resumability, not the run itself.
func (e *Engine) writeCheckpoint(ctx context.Context, sessionID string, step StateName, state *WorkflowState) {
	if e.deps.Checkpoints == nil {
		return
	}

	payload, err := json.Marshal(state)
	if err != nil {
		e.logger.Warn("checkpoint marshal failed", "session_id", sessionID, "error", err)
		return
	}
	err = e.deps.Checkpoints.Put(ctx, checkpoint.Checkpoint{
		SessionID: sessionID,
		Step:      string(step),
		State:     payload,
	})
	if err != nil {
		e.logger.Warn("checkpoint write failed", "session_id", sessionID, "error", err)
	}
}

// loadHistory restores prior conversation turns for a session. An unknown
// session starts fresh.
func (e *Engine) loadHistory(ctx context.Context, sessionID string) []Turn {
	if e.deps.Checkpoints == nil {
		return nil
	}

	cp, err := e.deps.Checkpoints.Get(ctx, sessionID)
	if errors.Is(err, checkpoint.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		e.logger.Warn("checkpoint read failed, starting fresh", "session_id", sessionID, "error", err)
		return nil
	}

	var prior WorkflowState
	if err := json.Unmarshal(cp.State, &prior); err != nil {
		e.logger.Warn("checkpoint state unreadable, starting fresh", "session_id", sessionID, "error", err)
		return nil
	}
	return prior.History
}

// sessionLock returns the mutex serializing runs for a session.
func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.sessions[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.sessions[sessionID] = lock
	}
	return lock
}

// userFacingMessage maps an internal error to a client-safe message.
func userFacingMessage(err error) string {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return "The answer generation service is currently unavailable."
	}
	if retrieval.IsUnavailable(err) || errors.Is(err, context.DeadlineExceeded) {
		return "No evidence source is currently available for this question."
	}
	return "The answering workflow failed unexpectedly."
}

var _ Runner = (*Engine)(nil)
