// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package pebblestore backs the metadata store with an embedded pebble
// instance. Batches commit through a single synced pebble batch, which
// gives the atomic multi-key durability the delta log requires.
package pebblestore

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/hummockdb/hummock/metastore"
)

// Store implements metastore.Store on a pebble database.
type Store struct {
	db *pebble.DB
}

var _ metastore.Store = (*Store)(nil)

// Open opens or creates the store at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "pebblestore: open %s", dir)
	}
	return &Store{db: db}, nil
}

// Get implements metastore.Store.
func (s *Store) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, metastore.ErrKeyNotFound
		}
		return nil, err
	}
	out := append([]byte(nil), value...)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// Commit implements metastore.Store. The batch is applied with a synced
// WAL write; either every operation survives a crash or none does.
func (s *Store) Commit(batch *metastore.Batch) error {
	pb := s.db.NewBatch()
	defer pb.Close()
	if err := batch.Apply(func(key, value []byte, del bool) error {
		if del {
			return pb.Delete(key, nil)
		}
		return pb.Set(key, value, nil)
	}); err != nil {
		return err
	}
	return pb.Commit(pebble.Sync)
}

// Scan implements metastore.Store.
func (s *Store) Scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close implements metastore.Store.
func (s *Store) Close() error { return s.db.Close() }

// prefixUpperBound returns the smallest key greater than every key with
// the prefix, or nil if the prefix is all 0xff.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
