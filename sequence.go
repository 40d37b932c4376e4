// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package hummock

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/metastore"
)

// sequence is a crash-safe monotonic id allocator. It leases chunks of ids
// by durably advancing a high-water mark in the metadata store before
// handing any id out, so ids are never reused across restarts; ids inside
// an unconsumed lease are discarded on crash, which is harmless.
type sequence struct {
	store metastore.Store
	key   []byte
	chunk uint64

	mu     sync.Mutex
	next   uint64
	leased uint64
}

func newSequence(store metastore.Store, key []byte, chunk uint64) (*sequence, error) {
	s := &sequence{store: store, key: key, chunk: chunk}
	value, err := store.Get(key)
	switch {
	case errors.Is(err, metastore.ErrKeyNotFound):
		s.next, s.leased = 1, 1
	case err != nil:
		return nil, err
	default:
		if len(value) != 8 {
			return nil, errors.Newf("hummock: malformed sequence value for %q", key)
		}
		hwm := binary.BigEndian.Uint64(value)
		s.next, s.leased = hwm, hwm
	}
	return s, nil
}

// allocate reserves n contiguous ids and returns the first. The durable
// high-water mark is advanced before any id of the new lease escapes.
func (s *sequence) allocate(n uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == 0 {
		return 0, errors.AssertionFailedf("hummock: zero-length id allocation")
	}
	if s.next+n > s.leased {
		lease := s.leased + s.chunk
		if want := s.next + n; lease < want {
			lease = want
		}
		var value [8]byte
		binary.BigEndian.PutUint64(value[:], lease)
		batch := &metastore.Batch{}
		batch.Set(s.key, value[:])
		if err := s.store.Commit(batch); err != nil {
			return 0, errors.Wrap(err, "hummock: advancing id sequence")
		}
		s.leased = lease
	}
	start := s.next
	s.next += n
	return start, nil
}
