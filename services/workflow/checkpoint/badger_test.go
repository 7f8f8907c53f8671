// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewBadgerStore(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGet_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := json.RawMessage(`{"query":"what is a fjord","loop_count":1}`)
	err := store.Put(ctx, Checkpoint{
		SessionID: "sess-1",
		Step:      "generating",
		State:     state,
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "generating", got.Step)
	assert.JSONEq(t, string(state), string(got.State))
	assert.False(t, got.UpdatedAt.IsZero(), "Put must stamp UpdatedAt")
}

func TestGet_UnknownSession(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "never-seen")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPut_LatestWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		err := store.Put(ctx, Checkpoint{
			SessionID: "sess-2",
			Step:      fmt.Sprintf("step-%d", i),
			State:     json.RawMessage(`{}`),
			UpdatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
	}

	got, err := store.Get(ctx, "sess-2")
	require.NoError(t, err)
	assert.Equal(t, "step-3", got.Step)
}

func TestHistory_OldestFirstAndCapped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	total := historyLimit + 5
	for i := 0; i < total; i++ {
		err := store.Put(ctx, Checkpoint{
			SessionID: "sess-3",
			Step:      fmt.Sprintf("step-%03d", i),
			State:     json.RawMessage(`{}`),
			UpdatedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
	}

	history, err := store.History(ctx, "sess-3")
	require.NoError(t, err)
	require.Len(t, history, historyLimit, "history must be capped")

	// Oldest surviving entry is the first after the pruned head.
	assert.Equal(t, fmt.Sprintf("step-%03d", total-historyLimit), history[0].Step)
	assert.Equal(t, fmt.Sprintf("step-%03d", total-1), history[len(history)-1].Step)
}

func TestHistory_UnknownSessionIsEmpty(t *testing.T) {
	store := newTestStore(t)

	history, err := store.History(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDelete_RemovesLatestAndHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Checkpoint{
		SessionID: "sess-4",
		Step:      "answered",
		State:     json.RawMessage(`{}`),
	}))

	require.NoError(t, store.Delete(ctx, "sess-4"))

	_, err := store.Get(ctx, "sess-4")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	history, err := store.History(ctx, "sess-4")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSessionsAreIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Checkpoint{
		SessionID: "sess-a", Step: "answered", State: json.RawMessage(`{"a":1}`),
	}))
	require.NoError(t, store.Put(ctx, Checkpoint{
		SessionID: "sess-b", Step: "errored", State: json.RawMessage(`{"b":2}`),
	}))

	a, err := store.Get(ctx, "sess-a")
	require.NoError(t, err)
	b, err := store.Get(ctx, "sess-b")
	require.NoError(t, err)

	assert.Equal(t, "answered", a.Step)
	assert.Equal(t, "errored", b.Step)
}
