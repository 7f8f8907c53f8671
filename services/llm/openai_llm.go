// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// openAIClient implements LLMClient against an OpenAI-compatible API.
type openAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates an LLMClient backed by the OpenAI API.
//
// Configuration comes from the environment:
//   - OPENAI_API_KEY: API key (required; falls back to OPENAI_API_KEY_FILE)
//   - OPENAI_MODEL: model name. Default: "gpt-4o-mini"
//   - OPENAI_BASE_URL: alternate endpoint for compatible servers (optional)
func NewOpenAIClient() (LLMClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		// Secret-file fallback for containerized deployments.
		if path := os.Getenv("OPENAI_API_KEY_FILE"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read OPENAI_API_KEY_FILE: %w", err)
			}
			apiKey = strings.TrimSpace(string(data))
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &openAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

// Chat runs a chat completion and returns the full response text.
func (c *openAIClient) Chat(ctx context.Context, messages []Message, params *GenerationParams) (string, error) {
	req := c.buildRequest(messages, params)

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat completion: empty choices")
	}

	return resp.Choices[0].Message.Content, nil
}

// ChatStream runs a streaming chat completion, invoking callback per fragment.
func (c *openAIClient) ChatStream(ctx context.Context, messages []Message, params *GenerationParams, callback StreamCallback) error {
	req := c.buildRequest(messages, params)
	req.Stream = true

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("openai chat stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("openai stream recv: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		content := resp.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		if err := callback(content); err != nil {
			return err
		}
	}
}

// buildRequest maps the provider-neutral request onto the OpenAI SDK types.
func (c *openAIClient) buildRequest(messages []Message, params *GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}

	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	if params != nil {
		if params.Temperature != nil {
			req.Temperature = float32(*params.Temperature)
		}
		if params.TopP != nil {
			req.TopP = float32(*params.TopP)
		}
		if params.MaxTokens != nil {
			req.MaxTokens = *params.MaxTokens
		}
		if len(params.Stop) > 0 {
			req.Stop = params.Stop
		}
	}

	return req
}

var _ LLMClient = (*openAIClient)(nil)
