// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package memstore is an in-memory metastore.Store for tests. It supports
// injecting a commit failure to exercise the commit-atomicity paths.
package memstore

import (
	"bytes"
	"slices"
	"sync"

	"github.com/hummockdb/hummock/metastore"
)

// Store implements metastore.Store on a sorted in-memory map.
type Store struct {
	mu        sync.RWMutex
	data      map[string][]byte
	commitErr error
	commits   int
}

var _ metastore.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// FailCommits makes every subsequent Commit fail with err, applying
// nothing, until cleared with FailCommits(nil).
func (s *Store) FailCommits(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

// Commits returns the number of successfully applied batches.
func (s *Store) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

// Get implements metastore.Store.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[string(key)]
	if !ok {
		return nil, metastore.ErrKeyNotFound
	}
	return slices.Clone(value), nil
}

// Commit implements metastore.Store.
func (s *Store) Commit(batch *metastore.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	_ = batch.Apply(func(key, value []byte, del bool) error {
		if del {
			delete(s.data, string(key))
			return nil
		}
		s.data[string(key)] = slices.Clone(value)
		return nil
	})
	s.commits++
	return nil
}

// Scan implements metastore.Store.
func (s *Store) Scan(prefix []byte, fn func(key, value []byte) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	values := make(map[string][]byte, len(keys))
	for _, k := range keys {
		values[k] = slices.Clone(s.data[k])
	}
	s.mu.RUnlock()

	slices.Sort(keys)
	for _, k := range keys {
		if err := fn([]byte(k), values[k]); err != nil {
			return err
		}
	}
	return nil
}

// Close implements metastore.Store.
func (s *Store) Close() error { return nil }
