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
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	latestKeyPrefix  = "latest:"
	historyKeyPrefix = "hist:"

	// historyLimit caps retained checkpoints per session.
	historyLimit = 20
)

// Config holds Badger store configuration.
type Config struct {
	// Path is the on-disk database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps all data in RAM. Used by tests.
	InMemory bool

	// SyncWrites forces fsync on every write. Default: false.
	SyncWrites bool

	// GCInterval is how often value-log garbage collection runs.
	// Default: 10 minutes. Zero disables GC (in-memory mode needs none).
	GCInterval time.Duration

	// GCDiscardRatio is the reclaim threshold for GC. Default: 0.5.
	GCDiscardRatio float64

	// Logger receives Badger's internal logs. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the production configuration for the given path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerStore implements Store on top of Badger.
type badgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
}

// NewBadgerStore opens (or creates) a Badger-backed checkpoint store.
func NewBadgerStore(cfg Config) (Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GCDiscardRatio == 0 {
		cfg.GCDiscardRatio = 0.5
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("checkpoint store path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Path, err)
	}

	s := &badgerStore{
		db:     db,
		logger: cfg.Logger.With("component", "checkpoint_store"),
		stopGC: make(chan struct{}),
	}

	if !cfg.InMemory && cfg.GCInterval > 0 {
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}

	return s, nil
}

// Put stores cp as the latest checkpoint and appends it to session history.
func (s *badgerStore) Put(ctx context.Context, cp Checkpoint) error {
	if cp.SessionID == "" {
		return fmt.Errorf("checkpoint session id is empty")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	latestKey := []byte(latestKeyPrefix + cp.SessionID)
	histKey := []byte(fmt.Sprintf("%s%s:%020d", historyKeyPrefix, cp.SessionID, cp.UpdatedAt.UnixNano()))

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(latestKey, payload); err != nil {
			return err
		}
		return txn.Set(histKey, payload)
	})
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	return s.pruneHistory(cp.SessionID)
}

// Get returns the latest checkpoint for the session.
func (s *badgerStore) Get(ctx context.Context, sessionID string) (Checkpoint, error) {
	var cp Checkpoint

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(latestKeyPrefix + sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Checkpoint{}, ErrSessionNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}

	return cp, nil
}

// History returns past checkpoints for the session, oldest first.
func (s *badgerStore) History(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	prefix := []byte(historyKeyPrefix + sessionID + ":")
	history := []Checkpoint{}

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var cp Checkpoint
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cp)
			})
			if err != nil {
				return err
			}
			history = append(history, cp)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	return history, nil
}

// Delete removes the latest checkpoint and history for the session.
func (s *badgerStore) Delete(ctx context.Context, sessionID string) error {
	prefix := []byte(historyKeyPrefix + sessionID + ":")

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(latestKeyPrefix + sessionID)); err != nil &&
			!errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()

		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close stops background GC and closes the database.
func (s *badgerStore) Close() error {
	close(s.stopGC)
	return s.db.Close()
}

// pruneHistory drops the oldest history entries beyond historyLimit.
func (s *badgerStore) pruneHistory(sessionID string) error {
	prefix := []byte(historyKeyPrefix + sessionID + ":")

	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()

		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		if len(keys) <= historyLimit {
			return nil
		}
		// Keys sort by timestamp, so the head is the oldest.
		for _, key := range keys[:len(keys)-historyLimit] {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// runGC periodically reclaims value-log space.
func (s *badgerStore) runGC(interval time.Duration, discardRatio float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when there is nothing
			// to collect; that is the common case.
			if err := s.db.RunValueLogGC(discardRatio); err != nil &&
				!errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger GC failed", "error", err)
			}
		case <-s.stopGC:
			return
		}
	}
}

// =============================================================================
// Badger Logger Adapter
// =============================================================================

// badgerLogger adapts Badger's logger interface to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

var _ badger.Logger = (*badgerLogger)(nil)
var _ Store = (*badgerStore)(nil)
