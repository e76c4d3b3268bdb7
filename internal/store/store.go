package store

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("store closed")

// Store owns the latest committed Snapshot. Writers commit whole batches under one lock,
// so readers never observe a partially applied batch.
type Store struct {
	mu     sync.RWMutex
	snap   Snapshot
	closed bool
}

func New(initial Snapshot) *Store {
	return &Store{snap: initial}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Dispatch commits updates as one batch. An empty batch commits nothing.
func (s *Store) Dispatch(updates ...Update) (Snapshot, error) {
	return s.Transact(func(Snapshot) ([]Update, error) {
		return updates, nil
	})
}

// Transact computes a batch from the latest snapshot and commits it while holding the
// writer lock. fn must not call back into the Store.
func (s *Store) Transact(fn func(Snapshot) ([]Update, error)) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.snap, ErrClosed
	}
	updates, err := fn(s.snap)
	if err != nil {
		return s.snap, err
	}
	if len(updates) == 0 {
		return s.snap, nil
	}
	next, err := ApplyAll(s.snap, updates...)
	if err != nil {
		return s.snap, err
	}
	next.Version = s.snap.Version + 1
	s.snap = next
	return next, nil
}

// Close stops accepting writes. Snapshot keeps returning the last committed state.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
