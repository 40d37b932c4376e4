// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package base exposes the identifier and epoch primitives shared by the
// version model, the commit coordinator and the compaction machinery.
package base

import "math"

// Epoch is a logical commit timestamp. Epochs are totally ordered and
// strictly increase across successful commits; they define MVCC visibility.
type Epoch uint64

const (
	// InvalidEpoch marks uninitialized epoch state.
	InvalidEpoch Epoch = 0
	// MaxEpoch is the open-ended sentinel: "never deleted" when returned
	// from a tombstone query, "unbounded" when used as a range end.
	MaxEpoch Epoch = math.MaxUint64
)

// IsMaxEpoch reports whether e is the open-ended sentinel.
func IsMaxEpoch(e Epoch) bool { return e == MaxEpoch }

// TableID identifies a logical table or materialized view. Every table
// belongs to exactly one compaction group at any point in time.
type TableID uint32

// CompactionGroupID identifies a partition of the LSM tree with its own
// compaction configuration.
type CompactionGroupID uint64

// Static compaction group ids. NewCompactionGroup is a placeholder assigned
// to SSTs whose declared group failed validation and that are about to be
// split; it never appears in a published version.
const (
	NewCompactionGroup    CompactionGroupID = 1
	StateDefaultGroup     CompactionGroupID = 2
	MaterializedViewGroup CompactionGroupID = 3
)

// SstableID identifies a physical SST object. Ids are allocated from a
// crash-safe monotonic sequence and are never reused.
type SstableID uint64

// VersionID identifies a version snapshot. Deltas carry the id of the
// version they produce plus the id of its predecessor.
type VersionID uint64

// FirstVersionID is the id of the bootstrap version.
const FirstVersionID VersionID = 1

// TaskID identifies a compaction task handed to a compactor.
type TaskID uint64

// ContextID identifies the worker context that produced an SST. It is an
// opaque token recorded for lease/GC bookkeeping outside this module.
type ContextID uint32
