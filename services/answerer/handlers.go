// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package answerer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/answerflow/services/answerer/observability"
	"github.com/AleutianAI/answerflow/services/workflow"
	"github.com/AleutianAI/answerflow/services/workflow/checkpoint"
)

// heartbeatInterval paces SSE keep-alive comments. Load balancers
// commonly cut idle connections at 60s.
const heartbeatInterval = 15 * time.Second

// AnswerHandler serves the answer endpoints.
type AnswerHandler struct {
	runner      workflow.Runner
	checkpoints checkpoint.Store
	logger      *slog.Logger
}

// NewAnswerHandler creates the handler over an engine and checkpoint store.
func NewAnswerHandler(runner workflow.Runner, checkpoints checkpoint.Store) *AnswerHandler {
	return &AnswerHandler{
		runner:      runner,
		checkpoints: checkpoints,
		logger:      slog.Default().With("component", "answer_handler"),
	}
}

// StreamAnswer runs a query and streams progress events over SSE.
//
// # Description
//
// Validates the request, allocates a session id when absent, and bridges
// the engine's event sink onto the HTTP response. A heartbeat goroutine
// keeps the connection alive through long retrieval or generation calls.
// Client disconnects cancel the run context; the engine stops scheduling
// steps and the handler drains remaining events.
func (h *AnswerHandler) StreamAnswer(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "streaming_unsupported",
			Message: "Streaming is not supported on this connection.",
		})
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		m.ActiveStreams.Inc()
		defer m.ActiveStreams.Dec()
	}

	sink := workflow.NewChannelSink(64)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		defer sink.Close()
		h.runWithMetrics(c.Request.Context(), sessionID, req, sink)
	}()

	heartbeatDone := make(chan struct{})
	go h.runHeartbeat(writer, heartbeatDone)
	defer close(heartbeatDone)

	for event := range sink.Events() {
		if m := observability.DefaultMetrics; m != nil {
			m.EventsTotal.WithLabelValues(string(event.Type)).Inc()
		}
		if err := writer.WriteEvent(event); err != nil {
			h.logger.Info("client disconnected mid-stream",
				"session_id", sessionID,
				"error", err)
			// Keep draining so the engine's publishes never block.
			go func() {
				for range sink.Events() {
				}
			}()
			break
		}
	}

	<-runDone
}

// Answer runs a query to completion and returns the collected result.
func (h *AnswerHandler) Answer(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	sink := &workflow.CollectorSink{}
	state, err := h.runWithMetrics(c.Request.Context(), sessionID, req, sink)
	if err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "workflow_failed",
			Message: "The answering workflow failed; see server logs for details.",
		})
		return
	}

	steps := []workflow.WorkflowStepPayload{}
	for _, event := range sink.Events() {
		if event.Type == workflow.EventWorkflowStep {
			steps = append(steps, event.Payload.(workflow.WorkflowStepPayload))
		}
	}

	c.JSON(http.StatusOK, AnswerResponse{
		SessionID: sessionID,
		Answer:    state.DraftAnswer,
		Status:    string(state.Status),
		LoopCount: state.LoopCount,
		Sources:   state.Evidence,
		Steps:     steps,
	})
}

// SessionHistory returns past checkpoints for a session, oldest first.
func (h *AnswerHandler) SessionHistory(c *gin.Context) {
	sessionID := c.Param("id")

	checkpoints, err := h.checkpoints.History(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "history_unavailable",
			Message: "Could not read session history.",
		})
		return
	}

	entries := make([]HistoryEntry, 0, len(checkpoints))
	for _, cp := range checkpoints {
		var state any
		if err := json.Unmarshal(cp.State, &state); err != nil {
			continue
		}
		entries = append(entries, HistoryEntry{
			Step:      cp.Step,
			UpdatedAt: cp.UpdatedAt.UTC().Format(time.RFC3339Nano),
			State:     state,
		})
	}

	c.JSON(http.StatusOK, HistoryResponse{
		SessionID:   sessionID,
		Checkpoints: entries,
	})
}

// DeleteSession removes all checkpoints for a session.
func (h *AnswerHandler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("id")

	if err := h.checkpoints.Delete(c.Request.Context(), sessionID); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "delete_failed",
			Message: "Could not delete session.",
		})
		return
	}

	h.logger.Info("session deleted", "session_id", sessionID)
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"deleted":    true,
	})
}

// Health reports service liveness.
func (h *AnswerHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "answerflow",
	})
}

// bindRequest parses and validates the request body, writing the error
// response itself. The bool is false when handling already finished.
func (h *AnswerHandler) bindRequest(c *gin.Context) (AnswerRequest, bool) {
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Request body must be JSON with a query field.",
		})
		return req, false
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Query is required, non-empty, and at most 2000 characters; max_retries must be 1-5.",
		})
		return req, false
	}
	return req, true
}

// runWithMetrics executes the run and records outcome metrics.
func (h *AnswerHandler) runWithMetrics(ctx context.Context, sessionID string, req AnswerRequest, sink workflow.EventSink) (*workflow.WorkflowState, error) {
	start := time.Now()
	state, err := h.runner.Run(ctx, sessionID, req.Query, req.MaxRetries, sink)

	status := "error"
	if state != nil {
		status = string(state.Status)
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RunsTotal.WithLabelValues(status).Inc()
		m.RunDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		if state != nil && state.LoopCount > 0 {
			m.LoopsPerRun.Observe(float64(state.LoopCount))
		}
	}

	return state, err
}

// runHeartbeat emits keep-alive comments until done closes.
func (h *AnswerHandler) runHeartbeat(writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
