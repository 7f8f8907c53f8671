// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// ollamaClient implements LLMClient against a local Ollama server.
type ollamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// ollamaChatRequest is the /api/chat request body.
type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// ollamaChatResponse is one /api/chat response object. In streaming mode
// Ollama sends one JSON object per line.
type ollamaChatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// NewOllamaClient creates an LLMClient backed by a local Ollama server.
//
// Configuration comes from the environment:
//   - OLLAMA_URL: server URL. Default: "http://localhost:11434"
//   - OLLAMA_MODEL: model name. Default: "llama3.2"
func NewOllamaClient() (LLMClient, error) {
	baseURL := os.Getenv("OLLAMA_URL")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := os.Getenv("OLLAMA_MODEL")
	if model == "" {
		model = "llama3.2"
	}

	return &ollamaClient{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			// Local models can be slow on first load.
			Timeout: 5 * time.Minute,
		},
	}, nil
}

// Chat runs a chat completion and returns the full response text.
func (c *ollamaClient) Chat(ctx context.Context, messages []Message, params *GenerationParams) (string, error) {
	resp, err := c.doChat(ctx, messages, params, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("ollama error: %s", parsed.Error)
	}

	return parsed.Message.Content, nil
}

// ChatStream runs a streaming chat completion, invoking callback per fragment.
func (c *ollamaClient) ChatStream(ctx context.Context, messages []Message, params *GenerationParams, callback StreamCallback) error {
	resp, err := c.doChat(ctx, messages, params, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("decode ollama stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			if err := callback(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ollama stream: %w", err)
	}
	return nil
}

// doChat issues the /api/chat request and checks the HTTP status.
func (c *ollamaClient) doChat(ctx context.Context, messages []Message, params *GenerationParams, stream bool) (*http.Response, error) {
	reqBody := ollamaChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   stream,
	}

	if params != nil {
		opts := map[string]any{}
		if params.Temperature != nil {
			opts["temperature"] = *params.Temperature
		}
		if params.TopP != nil {
			opts["top_p"] = *params.TopP
		}
		if params.MaxTokens != nil {
			opts["num_predict"] = *params.MaxTokens
		}
		if len(params.Stop) > 0 {
			opts["stop"] = params.Stop
		}
		if len(opts) > 0 {
			reqBody.Options = opts
		}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("ollama model %q not found (pull it with `ollama pull %s`): %s",
				c.model, c.model, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("ollama returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return resp, nil
}

var _ LLMClient = (*ollamaClient)(nil)
