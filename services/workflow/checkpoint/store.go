// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package checkpoint persists workflow state snapshots keyed by session id.
//
// The workflow engine owns serialization: a checkpoint carries the state
// as opaque JSON plus the step it was taken at. The store never interprets
// the state payload.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrSessionNotFound is returned by Get for an unknown session id.
// Callers treat it as "start fresh", not as a hard failure.
var ErrSessionNotFound = errors.New("session not found")

// Checkpoint is a durable snapshot of one run's state.
type Checkpoint struct {
	// SessionID keys the checkpoint.
	SessionID string `json:"session_id"`

	// Step names the workflow step the snapshot was taken after.
	Step string `json:"step"`

	// State is the engine-serialized workflow state.
	State json.RawMessage `json:"state"`

	// UpdatedAt is when the snapshot was written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the contract for checkpoint persistence.
//
// # Description
//
// Put overwrites the latest checkpoint for a session and appends it to a
// bounded per-session history. Writes for a given session id are atomic;
// last writer wins. A session processes one query at a time, so concurrent
// writes to the same id are not expected.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use across sessions.
type Store interface {
	// Put stores cp as the latest checkpoint for cp.SessionID.
	Put(ctx context.Context, cp Checkpoint) error

	// Get returns the latest checkpoint for the session.
	// Returns ErrSessionNotFound for unknown ids.
	Get(ctx context.Context, sessionID string) (Checkpoint, error)

	// History returns past checkpoints for the session, oldest first.
	// Returns an empty slice for unknown ids.
	History(ctx context.Context, sessionID string) ([]Checkpoint, error)

	// Delete removes the latest checkpoint and history for the session.
	Delete(ctx context.Context, sessionID string) error

	// Close releases store resources.
	Close() error
}
