// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package hummock

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/hummockdb/hummock/internal/base"
)

// Snapshot is the pair of epochs published after a successful commit:
// CommittedEpoch is durably visible to readers, CurrentEpoch is the newest
// epoch the cluster is writing at.
type Snapshot struct {
	CommittedEpoch base.Epoch
	CurrentEpoch   base.Epoch
}

// SafeFormat implements redact.SafeFormatter.
func (s Snapshot) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("snapshot(committed=%d,current=%d)", redact.Safe(s.CommittedEpoch), redact.Safe(s.CurrentEpoch))
}

// String implements fmt.Stringer.
func (s Snapshot) String() string { return redact.StringWithoutMarkers(s) }

// snapshotHolder publishes snapshots through an atomically swapped pointer
// so readers never block on the version lock.
type snapshotHolder struct {
	p atomic.Pointer[Snapshot]
}

func (h *snapshotHolder) load() Snapshot {
	if s := h.p.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

// store swaps in a new snapshot. Epoch regression relative to the previous
// snapshot is a fatal bug: commits are serialized under the version lock,
// so any regression means corrupted epoch accounting.
func (h *snapshotHolder) store(next Snapshot) {
	prev := h.p.Swap(&next)
	if prev == nil {
		return
	}
	if next.CommittedEpoch < prev.CommittedEpoch || next.CurrentEpoch < prev.CurrentEpoch {
		panic(errors.AssertionFailedf("hummock: snapshot regression: %s -> %s", *prev, next))
	}
}
