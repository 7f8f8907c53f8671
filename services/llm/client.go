// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides client interfaces for Large Language Model providers.
//
// The package exposes a single LLMClient interface with concrete backends
// for OpenAI-compatible APIs and Ollama. Callers pick a backend at startup
// and depend only on the interface.
package llm

import (
	"context"
)

// =============================================================================
// Messages and Parameters
// =============================================================================

// Message is a single turn in a chat conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`
}

// GenerationParams holds optional sampling parameters for a generation call.
//
// All fields are pointers so that nil means "use the provider default".
type GenerationParams struct {
	// Temperature controls randomness (0.0 = deterministic).
	Temperature *float64 `json:"temperature,omitempty"`

	// TopP enables nucleus sampling.
	TopP *float64 `json:"top_p,omitempty"`

	// MaxTokens limits the response length.
	MaxTokens *int `json:"max_tokens,omitempty"`

	// Stop lists sequences that terminate generation.
	Stop []string `json:"stop,omitempty"`
}

// StreamCallback receives one content fragment at a time during streaming.
//
// Returning a non-nil error aborts the stream; the error is propagated
// back to the ChatStream caller.
type StreamCallback func(content string) error

// =============================================================================
// Interface Definition
// =============================================================================

// LLMClient defines the contract for LLM provider backends.
//
// # Description
//
// LLMClient abstracts chat completion across providers so the rest of the
// service never depends on a specific vendor SDK. Implementations exist
// for OpenAI-compatible endpoints and Ollama.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Limitations
//
//   - No token accounting is exposed
//   - Providers differ in which GenerationParams they honor
//
// # Assumptions
//
//   - Credentials and endpoints are configured via environment variables
type LLMClient interface {
	// Chat runs a chat completion and returns the full response text.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation and deadlines.
	//   - messages: Conversation history, oldest first.
	//   - params: Optional sampling parameters. May be nil.
	//
	// # Outputs
	//
	//   - string: The assistant's response text.
	//   - error: Non-nil on transport or provider failure.
	Chat(ctx context.Context, messages []Message, params *GenerationParams) (string, error)

	// ChatStream runs a chat completion and streams fragments to callback.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation and deadlines.
	//   - messages: Conversation history, oldest first.
	//   - params: Optional sampling parameters. May be nil.
	//   - callback: Invoked once per content fragment, in arrival order.
	//
	// # Outputs
	//
	//   - error: Non-nil on transport failure or if callback returned an error.
	ChatStream(ctx context.Context, messages []Message, params *GenerationParams, callback StreamCallback) error
}
