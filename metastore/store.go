// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package metastore abstracts the durable metadata store: atomic multi-key
// transactional writes plus crash-recoverable ordered reads, enough to
// persist version deltas and statistics together and replay them on
// restart.
package metastore

import "github.com/cockroachdb/errors"

// ErrKeyNotFound is returned by Get for missing keys.
var ErrKeyNotFound = errors.New("metastore: key not found")

// Batch is an ordered set of writes applied atomically by Store.Commit.
type Batch struct {
	ops []batchOp
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// Set queues a put. Key and value are retained until commit.
func (b *Batch) Set(key, value []byte) {
	b.ops = append(b.ops, batchOp{key: key, value: value})
}

// Delete queues a deletion.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: key, delete: true})
}

// Len returns the number of queued operations.
func (b *Batch) Len() int { return len(b.ops) }

// Apply replays the queued operations in order into fn. del is true for
// deletions. Used by Store implementations to translate the batch.
func (b *Batch) Apply(fn func(key, value []byte, del bool) error) error {
	for _, op := range b.ops {
		if err := fn(op.key, op.value, op.delete); err != nil {
			return err
		}
	}
	return nil
}

// Store is the durable metadata store contract. Implementations must make
// Commit atomic and durable: after Commit returns nil, a crash-restarted
// Scan observes every operation of the batch; after it returns an error,
// none.
type Store interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)

	// Commit applies the batch atomically and durably.
	Commit(batch *Batch) error

	// Scan visits every key with the given prefix in ascending key order.
	// Returning an error from fn stops the scan and propagates the error.
	Scan(prefix []byte, fn func(key, value []byte) error) error

	Close() error
}
