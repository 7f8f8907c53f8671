// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

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

// newTestOllamaClient points an ollamaClient at a test server.
func newTestOllamaClient(t *testing.T, handler http.HandlerFunc) (*ollamaClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &ollamaClient{
		baseURL:    server.URL,
		model:      "test-model",
		httpClient: server.Client(),
	}, server
}

func TestOllamaChat_ReturnsContent(t *testing.T) {
	client, _ := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path, "should call the chat endpoint")

		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.False(t, req.Stream, "non-streaming call must set stream=false")

		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"hello there"},"done":true}`)
	})

	got, err := client.Chat(context.Background(), llmMessages("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, "hello there", got)
}

func TestOllamaChatStream_DeliversFragmentsInOrder(t *testing.T) {
	client, _ := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream, "streaming call must set stream=true")

		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"The "},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"answer"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"."},"done":true}`)
	})

	var fragments []string
	err := client.ChatStream(context.Background(), llmMessages("question"), nil,
		func(content string) error {
			fragments = append(fragments, content)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"The ", "answer", "."}, fragments)
	assert.Equal(t, "The answer.", strings.Join(fragments, ""))
}

func TestOllamaChatStream_CallbackErrorAbortsStream(t *testing.T) {
	client, _ := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"a"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"b"},"done":true}`)
	})

	wantErr := fmt.Errorf("consumer gone")
	err := client.ChatStream(context.Background(), llmMessages("q"), nil,
		func(content string) error {
			return wantErr
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
}

func TestOllamaChat_ModelNotFound(t *testing.T) {
	client, _ := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	})

	_, err := client.Chat(context.Background(), llmMessages("hi"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found", "404 should produce the friendly pull hint")
	assert.Contains(t, err.Error(), "ollama pull")
}

func TestOllamaChat_ServerError(t *testing.T) {
	client, _ := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := client.Chat(context.Background(), llmMessages("hi"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

// llmMessages builds a single-user-message conversation.
func llmMessages(content string) []Message {
	return []Message{{Role: "user", Content: content}}
}

