// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package answerer exposes the answering workflow over HTTP: a streaming
// SSE endpoint, a collected non-streaming endpoint, session history, and
// health/metrics surfaces.
package answerer

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/answerflow/services/retrieval"
	"github.com/AleutianAI/answerflow/services/workflow"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("notblank", validateNotBlank)
}

// validateNotBlank rejects strings that are empty after trimming.
func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// AnswerRequest is the inbound contract for both answer endpoints.
type AnswerRequest struct {
	// Query is the user question. Required, non-blank, bounded.
	Query string `json:"query" validate:"required,notblank,max=2000"`

	// SessionID continues an existing conversation. A new session is
	// created when absent.
	SessionID string `json:"session_id" validate:"omitempty,max=128"`

	// MaxRetries overrides the generation budget for this run.
	MaxRetries int `json:"max_retries" validate:"omitempty,min=1,max=5"`
}

// Validate checks the request against its constraints.
func (r *AnswerRequest) Validate() error {
	return validate.Struct(r)
}

// AnswerResponse is the non-streaming result of a collected run.
type AnswerResponse struct {
	SessionID string                         `json:"session_id"`
	Answer    string                         `json:"answer"`
	Status    string                         `json:"status"`
	LoopCount int                            `json:"loop_count"`
	Sources   []retrieval.EvidenceChunk      `json:"sources"`
	Steps     []workflow.WorkflowStepPayload `json:"steps"`
}

// HistoryResponse lists past checkpoints for a session.
type HistoryResponse struct {
	SessionID   string         `json:"session_id"`
	Checkpoints []HistoryEntry `json:"checkpoints"`
}

// HistoryEntry is one checkpoint summary.
type HistoryEntry struct {
	Step      string `json:"step"`
	UpdatedAt string `json:"updated_at"`
	State     any    `json:"state"`
}

// ErrorResponse is the JSON error body for non-streaming failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
