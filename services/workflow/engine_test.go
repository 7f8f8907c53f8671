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
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/answerflow/services/classifier"
	"github.com/AleutianAI/answerflow/services/llm"
	"github.com/AleutianAI/answerflow/services/retrieval"
	"github.com/AleutianAI/answerflow/services/workflow/checkpoint"
)

// =============================================================================
// Test Doubles
// =============================================================================

// scriptedPort scripts classifier verdicts per decision kind.
type scriptedPort struct {
	mu sync.Mutex

	// route is the datasource value; "" makes routing fail.
	route string

	// docGrade returns the binary_score for a chunk input; nil grades
	// everything "yes"; returning "" makes the call fail.
	docGrade func(input string) string

	// groundingSeq / relevanceSeq are consumed one verdict per call;
	// when exhausted the grader answers "yes".
	groundingSeq []string
	relevanceSeq []string
}

func (p *scriptedPort) Classify(ctx context.Context, instructions, input string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch instructions {
	case routerInstructions:
		if p.route == "" {
			return nil, &classifier.UnavailableError{Cause: fmt.Errorf("scripted failure")}
		}
		return json.RawMessage(fmt.Sprintf(`{"datasource": %q}`, p.route)), nil

	case docGraderInstructions:
		score := "yes"
		if p.docGrade != nil {
			score = p.docGrade(input)
		}
		if score == "" {
			return nil, &classifier.UnavailableError{Cause: fmt.Errorf("scripted failure")}
		}
		return json.RawMessage(fmt.Sprintf(`{"binary_score": %q}`, score)), nil

	case groundingGraderInstructions:
		return popVerdict(&p.groundingSeq), nil

	case relevanceGraderInstructions:
		return popVerdict(&p.relevanceSeq), nil

	default:
		return nil, fmt.Errorf("unexpected instructions")
	}
}

func popVerdict(seq *[]string) json.RawMessage {
	score := "yes"
	if len(*seq) > 0 {
		score = (*seq)[0]
		*seq = (*seq)[1:]
	}
	return json.RawMessage(fmt.Sprintf(`{"binary_score": %q, "explanation": "scripted"}`, score))
}

// failingPort always fails with an unavailable error.
type failingPort struct{}

func (failingPort) Classify(ctx context.Context, instructions, input string) (json.RawMessage, error) {
	return nil, &classifier.UnavailableError{Cause: fmt.Errorf("classifier down")}
}

// stubRetriever returns fixed chunks or an error, counting calls.
type stubRetriever struct {
	mu     sync.Mutex
	chunks []retrieval.EvidenceChunk
	err    error
	calls  int
}

func (s *stubRetriever) Search(ctx context.Context, query string, k int) ([]retrieval.EvidenceChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.chunks, nil
}

func (s *stubRetriever) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubLLM streams a distinct draft per generation attempt, recording the
// messages it was given.
type stubLLM struct {
	mu        sync.Mutex
	fragments []string // fragments per call; empty uses "draft-N"
	err       error
	calls     int
	messages  [][]llm.Message
}

func (s *stubLLM) Chat(ctx context.Context, messages []llm.Message, params *llm.GenerationParams) (string, error) {
	var out strings.Builder
	err := s.ChatStream(ctx, messages, params, func(content string) error {
		out.WriteString(content)
		return nil
	})
	return out.String(), err
}

func (s *stubLLM) ChatStream(ctx context.Context, messages []llm.Message, params *llm.GenerationParams, callback llm.StreamCallback) error {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.messages = append(s.messages, messages)
	err := s.err
	fragments := s.fragments
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if len(fragments) == 0 {
		fragments = []string{"draft-", fmt.Sprintf("%d", call)}
	}
	for _, f := range fragments {
		if cbErr := callback(f); cbErr != nil {
			return cbErr
		}
	}
	return nil
}

func (s *stubLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// =============================================================================
// Helpers
// =============================================================================

func evidenceChunks(contents ...string) []retrieval.EvidenceChunk {
	chunks := make([]retrieval.EvidenceChunk, 0, len(contents))
	for _, c := range contents {
		chunks = append(chunks, retrieval.EvidenceChunk{
			Content: c,
			Source:  retrieval.SourceInternal,
			Locator: "docs/" + c + ".md",
		})
	}
	return chunks
}

func buildEngine(t *testing.T, port classifier.Port, ret retrieval.KnowledgeRetriever, web retrieval.WebSearcher, model llm.LLMClient, store checkpoint.Store) *Engine {
	t.Helper()
	policy := DefaultPolicy()
	return NewEngine(Dependencies{
		Router:          NewRouter(port, policy),
		Retriever:       ret,
		WebSearcher:     web,
		DocumentGrader:  NewDocumentGrader(port, policy),
		GroundingGrader: NewGroundingGrader(port, policy),
		RelevanceGrader: NewRelevanceGrader(port, policy),
		Generator:       NewGenerator(model, 0),
		Checkpoints:     store,
	}, EngineConfig{})
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func chunkConcat(events []Event) string {
	var b strings.Builder
	for _, e := range eventsOfType(events, EventChunk) {
		b.WriteString(e.Payload.(ChunkPayload).Content)
	}
	return b.String()
}

// =============================================================================
// Tests
// =============================================================================

func TestRun_SafeDefaults_AnswersOnFirstPass(t *testing.T) {
	ret := &stubRetriever{chunks: evidenceChunks("alpha", "beta", "gamma")}
	web := &stubRetriever{err: fmt.Errorf("must not be called")}
	model := &stubLLM{fragments: []string{"The answer ", "is alpha."}}
	sink := &CollectorSink{}

	engine := buildEngine(t, failingPort{}, ret, web, model, nil)
	state, err := engine.Run(context.Background(), "sess-1", "what is alpha", 3, sink)
	require.NoError(t, err)

	assert.Equal(t, StatusAnswered, state.Status)
	assert.Equal(t, 1, state.LoopCount, "all-failing classifiers must answer on the first pass")
	assert.Len(t, state.Evidence, 3, "failed document grading must keep every chunk")
	assert.Equal(t, 0, web.callCount(), "router default must stay internal")

	events := sink.Events()
	require.Len(t, eventsOfType(events, EventStart), 1)
	require.Len(t, eventsOfType(events, EventDone), 1)
	assert.Empty(t, eventsOfType(events, EventError))

	done := eventsOfType(events, EventDone)[0].Payload.(DonePayload)
	assert.Equal(t, "answered", done.Status)
	assert.Equal(t, "The answer is alpha.", done.FinalAnswer)
	assert.Equal(t, done.FinalAnswer, chunkConcat(events),
		"chunk concatenation must equal the final answer")
}

func TestRun_EventSequenceInvariant(t *testing.T) {
	ret := &stubRetriever{chunks: evidenceChunks("alpha")}
	web := &stubRetriever{}
	model := &stubLLM{}
	sink := &CollectorSink{}

	engine := buildEngine(t, &scriptedPort{route: "vectorstore"}, ret, web, model, nil)
	_, err := engine.Run(context.Background(), "sess-seq", "question", 3, sink)
	require.NoError(t, err)

	events := sink.Events()
	assert.Len(t, eventsOfType(events, EventStart), 1)
	assert.GreaterOrEqual(t, len(eventsOfType(events, EventWorkflowStep)), 1)
	assert.GreaterOrEqual(t, len(eventsOfType(events, EventDocuments)), 1)
	assert.GreaterOrEqual(t, len(eventsOfType(events, EventChunk)), 1)
	assert.Len(t, eventsOfType(events, EventDone), 1)
	assert.Empty(t, eventsOfType(events, EventError))

	// start is first, the terminal event is last.
	assert.Equal(t, EventStart, events[0].Type)
	assert.Equal(t, EventDone, events[len(events)-1].Type)
}

func TestRun_ScenarioA_WebRouteSkipsRetrieval(t *testing.T) {
	ret := &stubRetriever{chunks: evidenceChunks("internal")}
	web := &stubRetriever{chunks: []retrieval.EvidenceChunk{
		{Content: "web snippet", Source: retrieval.SourceWeb, Locator: "https://example.com"},
	}}
	model := &stubLLM{}
	sink := &CollectorSink{}

	engine := buildEngine(t, &scriptedPort{route: "websearch"}, ret, web, model, nil)
	state, err := engine.Run(context.Background(), "sess-a", "who won the game last night", 3, sink)
	require.NoError(t, err)

	assert.Equal(t, StatusAnswered, state.Status)
	assert.Equal(t, 0, ret.callCount(), "web route must not enter retrieval")
	assert.Equal(t, 1, web.callCount())

	docEvents := eventsOfType(sink.Events(), EventDocuments)
	require.Len(t, docEvents, 1)
	payload := docEvents[0].Payload.(DocumentsPayload)
	require.Equal(t, 1, payload.Count)
	for _, doc := range payload.Documents {
		assert.Equal(t, retrieval.SourceWeb, doc.Source, "evidence must be sourced from web search")
	}
}

func TestRun_ScenarioB_GradingFiltersAndPreservesOrder(t *testing.T) {
	ret := &stubRetriever{chunks: evidenceChunks("one", "two", "three", "four", "five")}
	web := &stubRetriever{err: fmt.Errorf("must not be called")}
	model := &stubLLM{}
	sink := &CollectorSink{}

	port := &scriptedPort{
		route: "vectorstore",
		docGrade: func(input string) string {
			if strings.Contains(input, "two") || strings.Contains(input, "four") {
				return "yes"
			}
			return "no"
		},
	}

	engine := buildEngine(t, port, ret, web, model, nil)
	state, err := engine.Run(context.Background(), "sess-b", "question", 3, sink)
	require.NoError(t, err)

	require.Len(t, state.Evidence, 2)
	assert.Equal(t, "two", state.Evidence[0].Content, "surviving chunks keep input order")
	assert.Equal(t, "four", state.Evidence[1].Content)
	assert.Equal(t, 0, web.callCount(), "non-empty graded evidence must not trigger web search")

	docEvents := eventsOfType(sink.Events(), EventDocuments)
	require.Len(t, docEvents, 1)
	assert.Equal(t, 2, docEvents[0].Payload.(DocumentsPayload).Count)
}

func TestRun_ScenarioC_GroundingRetriesThenAnswers(t *testing.T) {
	ret := &stubRetriever{chunks: evidenceChunks("alpha")}
	web := &stubRetriever{}
	model := &stubLLM{}
	sink := &CollectorSink{}

	port := &scriptedPort{
		route:        "vectorstore",
		groundingSeq: []string{"no", "no", "yes"},
	}

	engine := buildEngine(t, port, ret, web, model, nil)
	state, err := engine.Run(context.Background(), "sess-c", "question", 3, sink)
	require.NoError(t, err)

	assert.Equal(t, StatusAnswered, state.Status)
	assert.Equal(t, 3, state.LoopCount)
	assert.Len(t, eventsOfType(sink.Events(), EventWorkflowStep), 3,
		"one workflow_step per generation attempt")
	assert.Equal(t, 0, web.callCount(),
		"grounding retries regenerate with the same evidence")

	done := eventsOfType(sink.Events(), EventDone)[0].Payload.(DonePayload)
	assert.Equal(t, "answered", done.Status)
}

func TestRun_ScenarioD_ExhaustionKeepsLastDraft(t *testing.T) {
	ret := &stubRetriever{chunks: evidenceChunks("alpha")}
	web := &stubRetriever{}
	model := &stubLLM{}
	sink := &CollectorSink{}

	port := &scriptedPort{
		route:        "vectorstore",
		groundingSeq: []string{"no", "no", "no", "no"},
	}

	engine := buildEngine(t, port, ret, web, model, nil)
	state, err := engine.Run(context.Background(), "sess-d", "question", 2, sink)
	require.NoError(t, err)

	assert.Equal(t, StatusExhausted, state.Status)
	assert.Equal(t, 2, state.LoopCount)
	assert.Equal(t, 2, model.callCount())

	done := eventsOfType(sink.Events(), EventDone)[0].Payload.(DonePayload)
	assert.Equal(t, "exhausted", done.Status)
	assert.Equal(t, "draft-2", done.FinalAnswer,
		"exhausted runs return the last draft as best effort")
}

func TestRun_RelevanceEscalatesToWebSearch(t *testing.T) {
	ret := &stubRetriever{chunks: evidenceChunks("alpha")}
	web := &stubRetriever{chunks: []retrieval.EvidenceChunk{
		{Content: "broader context", Source: retrieval.SourceWeb, Locator: "https://example.com"},
	}}
	model := &stubLLM{}
	sink := &CollectorSink{}

	port := &scriptedPort{
		route:        "vectorstore",
		relevanceSeq: []string{"no", "yes"},
	}

	engine := buildEngine(t, port, ret, web, model, nil)
	state, err := engine.Run(context.Background(), "sess-esc", "question", 3, sink)
	require.NoError(t, err)

	assert.Equal(t, StatusAnswered, state.Status)
	assert.Equal(t, 2, state.LoopCount)
	assert.Equal(t, 1, web.callCount(), "failed relevance must broaden evidence via web search")
	assert.Equal(t, SearchWeb, state.SearchMode)

	// Original corpus evidence plus the appended web result.
	require.Len(t, state.Evidence, 2)
	assert.Equal(t, retrieval.SourceInternal, state.Evidence[0].Source)
	assert.Equal(t, retrieval.SourceWeb, state.Evidence[1].Source)
}

func TestRun_BothSourcesDown_Errored(t *testing.T) {
	ret := &stubRetriever{err: &retrieval.UnavailableError{Backend: "weaviate", Cause: fmt.Errorf("refused")}}
	web := &stubRetriever{err: &retrieval.UnavailableError{Backend: "tavily", Cause: fmt.Errorf("refused")}}
	model := &stubLLM{}
	sink := &CollectorSink{}

	engine := buildEngine(t, &scriptedPort{route: "vectorstore"}, ret, web, model, nil)
	state, err := engine.Run(context.Background(), "sess-err", "question", 3, sink)
	require.Error(t, err)

	assert.Equal(t, StatusError, state.Status)
	assert.Equal(t, 0, model.callCount(), "no generation without any evidence source")

	events := sink.Events()
	require.Len(t, eventsOfType(events, EventError), 1)
	assert.Empty(t, eventsOfType(events, EventDone), "error replaces done")
	assert.Empty(t, eventsOfType(events, EventChunk), "no partial answer after failure")
}

func TestRun_GenerationFailure_Errored(t *testing.T) {
	ret := &stubRetriever{chunks: evidenceChunks("alpha")}
	web := &stubRetriever{}
	model := &stubLLM{err: fmt.Errorf("model crashed")}
	sink := &CollectorSink{}

	engine := buildEngine(t, &scriptedPort{route: "vectorstore"}, ret, web, model, nil)
	state, err := engine.Run(context.Background(), "sess-gen", "question", 3, sink)
	require.Error(t, err)

	var genErr *GenerationError
	assert.ErrorAs(t, err, &genErr)
	assert.Equal(t, StatusError, state.Status)

	errEvents := eventsOfType(sink.Events(), EventError)
	require.Len(t, errEvents, 1)
	payload := errEvents[0].Payload.(ErrorPayload)
	assert.Equal(t, "workflow_failed", payload.Error)
	assert.NotContains(t, payload.Message, "model crashed",
		"internal error details must not leak to the client")
}

func TestRun_RetrieverDown_FallsBackToWeb(t *testing.T) {
	ret := &stubRetriever{err: &retrieval.UnavailableError{Backend: "weaviate", Cause: fmt.Errorf("refused")}}
	web := &stubRetriever{chunks: []retrieval.EvidenceChunk{
		{Content: "web result", Source: retrieval.SourceWeb, Locator: "https://example.com"},
	}}
	model := &stubLLM{}
	sink := &CollectorSink{}

	engine := buildEngine(t, &scriptedPort{route: "vectorstore"}, ret, web, model, nil)
	state, err := engine.Run(context.Background(), "sess-fb", "question", 3, sink)
	require.NoError(t, err)

	assert.Equal(t, StatusAnswered, state.Status)
	assert.Equal(t, SearchWeb, state.SearchMode)
	require.Len(t, state.Evidence, 1)
	assert.Equal(t, retrieval.SourceWeb, state.Evidence[0].Source)
}

func TestRun_BoundedTermination_AdversarialGraders(t *testing.T) {
	ret := &stubRetriever{chunks: evidenceChunks("alpha")}
	web := &stubRetriever{}
	model := &stubLLM{}
	sink := &CollectorSink{}

	// Grounding passes, relevance never does: worst case for looping.
	port := &scriptedPort{
		route:        "vectorstore",
		relevanceSeq: []string{"no", "no", "no", "no", "no", "no", "no", "no"},
	}

	maxLoops := 3
	engine := buildEngine(t, port, ret, web, model, nil)
	state, err := engine.Run(context.Background(), "sess-bound", "question", maxLoops, sink)
	require.NoError(t, err)

	assert.Equal(t, StatusExhausted, state.Status)
	assert.LessOrEqual(t, model.callCount(), maxLoops+1,
		"generation attempts must stay within the loop budget")
	assert.LessOrEqual(t, state.LoopCount, state.MaxLoops)
}

func TestRun_CheckpointPersistsAndRestoresHistory(t *testing.T) {
	store, err := checkpoint.NewBadgerStore(checkpoint.InMemoryConfig())
	require.NoError(t, err)
	defer store.Close()

	ret := &stubRetriever{chunks: evidenceChunks("alpha")}
	web := &stubRetriever{}
	model := &stubLLM{fragments: []string{"first answer"}}

	engine := buildEngine(t, &scriptedPort{route: "vectorstore"}, ret, web, model, store)

	_, err = engine.Run(context.Background(), "sess-hist", "first question", 3, &CollectorSink{})
	require.NoError(t, err)

	cp, err := store.Get(context.Background(), "sess-hist")
	require.NoError(t, err)
	assert.Equal(t, string(StateAnswered), cp.Step)

	// Second run on the same session must see the prior turns.
	_, err = engine.Run(context.Background(), "sess-hist", "second question", 3, &CollectorSink{})
	require.NoError(t, err)

	model.mu.Lock()
	lastMessages := model.messages[len(model.messages)-1]
	model.mu.Unlock()

	var sawHistory bool
	for _, m := range lastMessages {
		if m.Role == "user" && m.Content == "first question" {
			sawHistory = true
		}
	}
	assert.True(t, sawHistory, "second run must carry the first exchange as history")

	history, err := store.History(context.Background(), "sess-hist")
	require.NoError(t, err)
	assert.NotEmpty(t, history)
}

func TestRun_CancelledContextStopsScheduling(t *testing.T) {
	ret := &stubRetriever{chunks: evidenceChunks("alpha")}
	web := &stubRetriever{}
	model := &stubLLM{}
	sink := &CollectorSink{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := buildEngine(t, &scriptedPort{route: "vectorstore"}, ret, web, model, nil)
	_, err := engine.Run(ctx, "sess-cancel", "question", 3, sink)
	require.Error(t, err)
	assert.Empty(t, eventsOfType(sink.Events(), EventDone))
}
