// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package answerer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/answerflow/services/workflow"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes workflow progress events to an HTTP response as
// Server-Sent Events.
//
// # Description
//
// Each event is written as `event: {type}\ndata: {json}\n\n` and flushed
// immediately so the client sees fragments as they are generated. The
// writer is the only place the event model touches the SSE wire format.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: the heartbeat
// goroutine and the event drain write through the same connection.
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders before the first write
type SSEWriter interface {
	// WriteEvent serializes one workflow event to the stream.
	WriteEvent(event workflow.Event) error

	// WriteKeepAlive sends an SSE comment to keep the connection open
	// through proxies with idle timeouts. Comments are invisible to
	// clients.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter creates an SSEWriter for the given ResponseWriter.
// Fails when the writer does not support flushing.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// WriteEvent serializes one workflow event to the stream.
func (w *sseWriter) WriteEvent(event workflow.Event) error {
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// WriteKeepAlive sends an SSE comment line.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders configures response headers for SSE streaming.
// Must be called before the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
