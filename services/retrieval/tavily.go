// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/textsplitter"
	"golang.org/x/time/rate"
)

const (
	// defaultTavilyURL is the hosted Tavily search endpoint.
	defaultTavilyURL = "https://api.tavily.com/search"

	// webChunkSize bounds a single web evidence chunk. Search snippets are
	// usually short, but Tavily's raw content mode can return whole pages.
	webChunkSize    = 1200
	webChunkOverlap = 100
)

// TavilyConfig configures the web search client.
type TavilyConfig struct {
	// APIKey authenticates against Tavily. Required.
	APIKey string

	// Endpoint overrides the API URL (used by tests). Default: hosted API.
	Endpoint string

	// RequestsPerSecond throttles outbound calls. Default: 2.
	RequestsPerSecond float64

	// HTTPClient overrides the transport (used by tests).
	HTTPClient *http.Client
}

// tavilyClient implements WebSearcher against the Tavily REST API.
type tavilyClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	splitter   textsplitter.TextSplitter
	logger     *slog.Logger
}

// tavilyRequest is the /search request body.
type tavilyRequest struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

// tavilyResponse is the /search response body.
type tavilyResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// NewTavilyClient creates a WebSearcher backed by the Tavily API.
func NewTavilyClient(cfg TavilyConfig) (WebSearcher, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tavily API key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultTavilyURL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &tavilyClient{
		apiKey:     cfg.APIKey,
		endpoint:   cfg.Endpoint,
		httpClient: cfg.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(webChunkSize),
			textsplitter.WithChunkOverlap(webChunkOverlap),
		),
		logger: slog.Default().With("component", "tavily"),
	}, nil
}

// Search returns up to k web result chunks for query.
func (c *tavilyClient) Search(ctx context.Context, query string, k int) ([]EvidenceChunk, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &UnavailableError{Backend: "tavily", Cause: err}
	}

	payload, err := json.Marshal(tavilyRequest{
		APIKey:     c.apiKey,
		Query:      query,
		MaxResults: k,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tavily request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build tavily request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UnavailableError{Backend: "tavily", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &UnavailableError{
			Backend: "tavily",
			Cause:   fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var parsed tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &UnavailableError{
			Backend: "tavily",
			Cause:   fmt.Errorf("decode response: %w", err),
		}
	}

	chunks := make([]EvidenceChunk, 0, len(parsed.Results))
	for _, result := range parsed.Results {
		content := strings.TrimSpace(result.Content)
		if content == "" {
			continue
		}

		if len(content) <= webChunkSize {
			chunks = append(chunks, EvidenceChunk{
				Content: content,
				Source:  SourceWeb,
				Locator: result.URL,
			})
			continue
		}

		// Raw-content results can be whole pages; split them so the
		// grader sees units comparable to corpus chunks.
		parts, err := c.splitter.SplitText(content)
		if err != nil {
			c.logger.Warn("web result split failed, keeping whole result",
				"url", result.URL, "error", err)
			parts = []string{content}
		}
		for _, part := range parts {
			chunks = append(chunks, EvidenceChunk{
				Content: part,
				Source:  SourceWeb,
				Locator: result.URL,
			})
		}
	}

	c.logger.Debug("web search complete",
		"query_length", len(query),
		"result_count", len(chunks))

	return chunks, nil
}

var _ WebSearcher = (*tavilyClient)(nil)
