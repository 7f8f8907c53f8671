// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/answerflow/services/llm"
)

// GenerationError indicates the generation service failed mid-run.
// There is no fallback for generation; the engine surfaces this as an
// errored run.
type GenerationError struct {
	Cause error
}

// Error implements the error interface.
func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Cause)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *GenerationError) Unwrap() error {
	return e.Cause
}

// Generator produces draft answers from the current evidence set.
type Generator struct {
	client  llm.LLMClient
	timeout time.Duration
	logger  *slog.Logger
}

// NewGenerator creates a Generator over the given LLM client.
// A zero timeout defaults to 2 minutes.
func NewGenerator(client llm.LLMClient, timeout time.Duration) *Generator {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &Generator{
		client:  client,
		timeout: timeout,
		logger:  slog.Default().With("component", "generator"),
	}
}

// Generate streams a draft answer for the state's query and evidence.
//
// Fragments are sent to the fragments channel in arrival order as they
// come off the model; the full draft is returned once the stream ends.
// The channel is NOT closed here - the caller owns its lifecycle.
//
// Empty evidence still generates a best-effort answer.
func (g *Generator) Generate(ctx context.Context, state *WorkflowState, fragments chan<- string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	messages := make([]llm.Message, 0, len(state.History)+2)
	messages = append(messages, llm.Message{Role: "system", Content: generationSystemPrompt})
	for _, turn := range state.History {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, llm.Message{
		Role:    "user",
		Content: generationUserPrompt(state.Query, state.Evidence),
	})

	var draft strings.Builder
	err := g.client.ChatStream(callCtx, messages, nil, func(content string) error {
		draft.WriteString(content)
		select {
		case fragments <- content:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return "", &GenerationError{Cause: err}
	}

	g.logger.Debug("draft generated",
		"evidence_count", len(state.Evidence),
		"draft_length", draft.Len())

	return draft.String(), nil
}
