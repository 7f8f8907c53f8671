// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package classifier turns an LLM into a structured decision maker.
//
// A classifier call sends a fixed instruction block plus a per-call input
// to the model and expects a small JSON object back. The package handles
// fence stripping, parsing, retries, request coalescing, and concurrency
// limits. It never picks defaults: when a call fails the caller applies
// its own safe default, because the right fallback depends on the decision
// being made.
package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/answerflow/services/llm"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Port defines the contract for structured LLM decisions.
//
// # Description
//
// Port abstracts the "ask the model for a tiny JSON verdict" pattern used
// by the routing and grading steps. Implementations must return either a
// valid JSON object or a typed error (*FormatError, *UnavailableError).
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Limitations
//
//   - Responses larger than a few KB are not expected and not optimized for
//
// # Assumptions
//
//   - Instructions direct the model to answer with JSON only
type Port interface {
	// Classify sends instructions plus input to the model and returns the
	// parsed JSON object from the response.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation.
	//   - instructions: System prompt describing the decision and schema.
	//   - input: Per-call content the decision is about.
	//
	// # Outputs
	//
	//   - json.RawMessage: The JSON object emitted by the model.
	//   - error: *FormatError if the output was unparseable,
	//     *UnavailableError if the model call failed.
	Classify(ctx context.Context, instructions, input string) (json.RawMessage, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds classifier tuning knobs.
type Config struct {
	// Timeout bounds a single model call. Default: 30s
	Timeout time.Duration

	// MaxConcurrent limits in-flight model calls. Default: 4
	MaxConcurrent int

	// RetryAttempts is the number of tries for transport failures. Default: 3
	RetryAttempts int

	// RetryBackoff is the base backoff, doubled per attempt. Default: 1s
	RetryBackoff time.Duration
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		MaxConcurrent: 4,
		RetryAttempts: 3,
		RetryBackoff:  time.Second,
	}
}

// =============================================================================
// Implementation
// =============================================================================

// llmClassifier implements Port on top of an llm.LLMClient.
//
// Identical in-flight requests are coalesced with singleflight so a burst
// of grading calls for the same chunk costs one model round trip. A
// buffered-channel semaphore caps concurrent calls.
type llmClassifier struct {
	client llm.LLMClient
	config Config
	group  singleflight.Group
	sem    chan struct{}
	logger *slog.Logger
}

// New creates a Port backed by the given LLM client.
func New(client llm.LLMClient, config Config) Port {
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = DefaultConfig().RetryAttempts
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = DefaultConfig().RetryBackoff
	}

	return &llmClassifier{
		client: client,
		config: config,
		sem:    make(chan struct{}, config.MaxConcurrent),
		logger: slog.Default().With("component", "classifier"),
	}
}

// Classify sends instructions plus input to the model and parses the reply.
func (c *llmClassifier) Classify(ctx context.Context, instructions, input string) (json.RawMessage, error) {
	key := classifyKey(instructions, input)

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.classifyWithRetry(ctx, instructions, input)
	})
	if err != nil {
		return nil, err
	}

	return result.(json.RawMessage), nil
}

// classifyWithRetry retries transport failures with exponential backoff.
// Format errors are not retried: a model that answered off-schema once
// tends to do it again, and the caller has a safe default anyway.
func (c *llmClassifier) classifyWithRetry(ctx context.Context, instructions, input string) (json.RawMessage, error) {
	var lastErr error

	for attempt := 1; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.config.RetryBackoff * time.Duration(1<<(attempt-2))
			c.logger.Warn("retrying classifier call",
				"attempt", attempt,
				"max_attempts", c.config.RetryAttempts,
				"backoff", backoff.String())

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &UnavailableError{Cause: ctx.Err()}
			}
		}

		raw, err := c.doClassify(ctx, instructions, input)
		if err == nil {
			return raw, nil
		}
		if IsFormatError(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, &UnavailableError{Cause: lastErr}
}

// doClassify performs a single model call and parses the response.
func (c *llmClassifier) doClassify(ctx context.Context, instructions, input string) (json.RawMessage, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	temperature := 0.0
	response, err := c.client.Chat(callCtx, []llm.Message{
		{Role: "system", Content: instructions},
		{Role: "user", Content: input},
	}, &llm.GenerationParams{Temperature: &temperature})
	if err != nil {
		return nil, fmt.Errorf("classifier model call: %w", err)
	}

	return parseDecision(response)
}

// parseDecision extracts the JSON object from a model response.
//
// Models wrap JSON in markdown fences often enough that stripping them
// here is cheaper than fighting it in the prompt.
func parseDecision(response string) (json.RawMessage, error) {
	cleaned := strings.TrimSpace(response)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if !strings.HasPrefix(cleaned, "{") {
		// Salvage an embedded object if the model added prose around it.
		start := strings.Index(cleaned, "{")
		end := strings.LastIndex(cleaned, "}")
		if start == -1 || end == -1 || end < start {
			return nil, &FormatError{Raw: truncate(response, 200), Reason: "no JSON object in response"}
		}
		cleaned = cleaned[start : end+1]
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &probe); err != nil {
		return nil, &FormatError{Raw: truncate(response, 200), Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	return json.RawMessage(cleaned), nil
}

// classifyKey builds the singleflight key for a request.
func classifyKey(instructions, input string) string {
	sum := sha256.Sum256([]byte(instructions + "\x00" + input))
	return hex.EncodeToString(sum[:])
}

// truncate shortens s to at most n bytes for log safety.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Port = (*llmClassifier)(nil)
