// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflow

import (
	"sync"
	"time"

	"github.com/AleutianAI/answerflow/services/retrieval"
)

// =============================================================================
// Event Model
// =============================================================================

// EventType tags a progress event.
type EventType string

const (
	EventStart        EventType = "start"
	EventWorkflowStep EventType = "workflow_step"
	EventDocuments    EventType = "documents"
	EventChunk        EventType = "chunk"
	EventDone         EventType = "done"
	EventError        EventType = "error"
)

// Event is one progress record emitted during a run.
//
// Payload is one of the *Payload structs below, matching Type. The HTTP
// layer serializes Payload as the SSE data line and Type as the SSE event
// name.
type Event struct {
	Type    EventType
	Payload any
}

// StartPayload announces a run, emitted once before routing.
type StartPayload struct {
	Query     string `json:"query"`
	Timestamp string `json:"timestamp"`
}

// WorkflowStepPayload is emitted on every entry to generation.
type WorkflowStepPayload struct {
	LoopStep   int    `json:"loop_step"`
	Answers    int    `json:"answers"`
	MaxRetries int    `json:"max_retries"`
	WebSearch  string `json:"web_search"` // "Yes" or "No"
	Timestamp  string `json:"timestamp"`
}

// DocumentsPayload reports the evidence set finalized for the current loop.
type DocumentsPayload struct {
	Count     int                       `json:"count"`
	Documents []retrieval.EvidenceChunk `json:"documents"`
	Timestamp string                    `json:"timestamp"`
}

// ChunkPayload carries one generated answer fragment.
type ChunkPayload struct {
	Content     string `json:"content"`
	TotalLength int    `json:"total_length"`
	Timestamp   string `json:"timestamp"`
}

// DonePayload terminates a successful or exhausted run.
type DonePayload struct {
	FinalAnswer string `json:"final_answer"`
	Status      string `json:"status"` // "answered" or "exhausted"
	Timestamp   string `json:"timestamp"`
}

// ErrorPayload terminates a failed run, emitted instead of done.
type ErrorPayload struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// eventTimestamp formats the wall clock for event payloads.
func eventTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// =============================================================================
// Sinks
// =============================================================================

// EventSink receives progress events from the engine.
//
// Publish is called from the run goroutine and, during generation, from
// the fragment publisher. Implementations must tolerate concurrent calls.
type EventSink interface {
	Publish(event Event)
}

// ChannelSink bridges engine events to a consumer over a bounded channel.
//
// Publish blocks when the buffer is full, applying backpressure to the
// run. Close signals end of stream; publishing after Close is a caller
// bug, which the engine avoids by closing only after the terminal event.
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Publish sends an event to the consumer, blocking when the buffer is full.
func (s *ChannelSink) Publish(event Event) {
	s.ch <- event
}

// Events returns the consumer side of the stream.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close ends the stream. Consumers see a closed channel after draining.
func (s *ChannelSink) Close() {
	close(s.ch)
}

// CollectorSink accumulates events in memory.
//
// Used by the non-streaming endpoint and by tests.
type CollectorSink struct {
	mu     sync.Mutex
	events []Event
}

// Publish appends the event.
func (s *CollectorSink) Publish(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of the collected events.
func (s *CollectorSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

var _ EventSink = (*ChannelSink)(nil)
var _ EventSink = (*CollectorSink)(nil)
