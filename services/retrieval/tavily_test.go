// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTavilyClient(t *testing.T, handler http.HandlerFunc) WebSearcher {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewTavilyClient(TavilyConfig{
		APIKey:            "test-key",
		Endpoint:          server.URL,
		RequestsPerSecond: 1000,
		HTTPClient:        server.Client(),
	})
	require.NoError(t, err)
	return client
}

func TestTavilySearch_ReturnsResultsInOrder(t *testing.T) {
	client := newTestTavilyClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req tavilyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-key", req.APIKey)
		assert.Equal(t, "current weather", req.Query)
		assert.Equal(t, 3, req.MaxResults)

		fmt.Fprintln(w, `{
			"results": [
				{"title": "A", "url": "https://a.example", "content": "first result", "score": 0.9},
				{"title": "B", "url": "https://b.example", "content": "second result", "score": 0.7}
			]
		}`)
	})

	chunks, err := client.Search(context.Background(), "current weather", 3)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "first result", chunks[0].Content)
	assert.Equal(t, "https://a.example", chunks[0].Locator)
	assert.Equal(t, SourceWeb, chunks[0].Source)
	assert.Equal(t, "second result", chunks[1].Content)
}

func TestTavilySearch_SplitsLongResults(t *testing.T) {
	long := strings.Repeat("Paragraph of page content. ", 200) // well over chunk size

	client := newTestTavilyClient(t, func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"results": []map[string]any{
				{"title": "Long", "url": "https://long.example", "content": long, "score": 0.8},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	chunks, err := client.Search(context.Background(), "q", 1)
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1, "long page content must be split into chunks")
	for _, chunk := range chunks {
		assert.Equal(t, SourceWeb, chunk.Source)
		assert.Equal(t, "https://long.example", chunk.Locator)
		assert.NotEmpty(t, chunk.Content)
	}
}

func TestTavilySearch_SkipsEmptyResults(t *testing.T) {
	client := newTestTavilyClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"results": [{"title": "Empty", "url": "https://e.example", "content": "  "}]}`)
	})

	chunks, err := client.Search(context.Background(), "q", 1)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestTavilySearch_ServerErrorIsUnavailable(t *testing.T) {
	client := newTestTavilyClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	})

	_, err := client.Search(context.Background(), "q", 1)
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))

	var unavailErr *UnavailableError
	require.ErrorAs(t, err, &unavailErr)
	assert.Equal(t, "tavily", unavailErr.Backend)
}

func TestNewTavilyClient_RequiresAPIKey(t *testing.T) {
	_, err := NewTavilyClient(TavilyConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestNewWeaviateRetriever_RejectsInvalidURL(t *testing.T) {
	_, err := NewWeaviateRetriever("not-a-url", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid Weaviate URL")
}
