// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package tombstone

import (
	"container/heap"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
)

// SstableIterator is the per-SST cursor over a sorted event sequence. It
// sits between events: NextEventKey is the first event not yet consumed,
// and CurrentEpoch is the delete epoch in effect before it. A fresh cursor
// at index 0 reports MaxEpoch: no delete is in effect yet.
type SstableIterator struct {
	events  []MonotonicDeleteEvent
	nextIdx int
}

// NewSstableIterator wraps a sorted event sequence.
func NewSstableIterator(events []MonotonicDeleteEvent) *SstableIterator {
	return &SstableIterator{events: events}
}

// Valid reports whether an unconsumed event remains.
func (i *SstableIterator) Valid() bool { return i.nextIdx < len(i.events) }

// NextEventKey returns the boundary of the next unconsumed event. The
// cursor must be valid.
func (i *SstableIterator) NextEventKey() BoundaryKey {
	if !i.Valid() {
		panic(errors.AssertionFailedf("hummock: NextEventKey on exhausted tombstone cursor"))
	}
	return i.events[i.nextIdx].EventKey
}

// CurrentEpoch returns the delete epoch in effect at the cursor's position.
// It remains meaningful after the cursor is exhausted: the final event's
// epoch covers the unbounded tail.
func (i *SstableIterator) CurrentEpoch() base.Epoch {
	if i.nextIdx == 0 {
		return base.MaxEpoch
	}
	return i.events[i.nextIdx-1].NewEpoch
}

// Next consumes one event. The cursor must be valid.
func (i *SstableIterator) Next() {
	if !i.Valid() {
		panic(errors.AssertionFailedf("hummock: Next on exhausted tombstone cursor"))
	}
	i.nextIdx++
}

// Seek positions the cursor so that every event at or before target is
// consumed.
func (i *SstableIterator) Seek(target BoundaryKey) {
	i.nextIdx, _ = slices.BinarySearchFunc(i.events, target,
		func(e MonotonicDeleteEvent, t BoundaryKey) int {
			if Compare(e.EventKey, t) <= 0 {
				return -1
			}
			return 1
		})
}

type iterHeap []*SstableIterator

func (h iterHeap) Len() int { return len(h) }
func (h iterHeap) Less(a, b int) bool {
	return Compare(h[a].NextEventKey(), h[b].NextEventKey()) < 0
}
func (h iterHeap) Swap(a, b int) { h[a], h[b] = h[b], h[a] }

func (h *iterHeap) Push(x any) { *h = append(*h, x.(*SstableIterator)) }
func (h *iterHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// MergeIterator merges K per-SST event sequences into one global monotonic
// stream. It maintains a multiset of the delete epochs in effect at the
// merged cursor's position; an iterator that runs off its final event keeps
// contributing that event's epoch, covering unbounded ranges. The iterator
// is forward-only between seeks.
type MergeIterator struct {
	// iters owns every cursor, exhausted or not; the heap holds the valid
	// subset.
	iters  []*SstableIterator
	heap   iterHeap
	epochs epochMultiset
	// tmp buffers the cursors popped for one merged position.
	tmp []*SstableIterator
}

// NewMergeIterator builds a merge over the given cursors, positioned before
// the first event.
func NewMergeIterator(iters ...*SstableIterator) *MergeIterator {
	m := &MergeIterator{iters: iters}
	for _, it := range iters {
		if it.Valid() {
			m.heap = append(m.heap, it)
		}
	}
	heap.Init(&m.heap)
	return m
}

// Valid reports whether any cursor still has unconsumed events.
func (m *MergeIterator) Valid() bool { return len(m.heap) > 0 }

// NextEventKey returns the smallest unconsumed boundary across all
// cursors.
func (m *MergeIterator) NextEventKey() BoundaryKey {
	return m.heap[0].NextEventKey()
}

// Next advances the merged cursor past the smallest unconsumed boundary,
// stepping every cursor positioned at it.
func (m *MergeIterator) Next() {
	if !m.Valid() {
		panic(errors.AssertionFailedf("hummock: Next on exhausted tombstone merge"))
	}
	pos := m.heap[0].NextEventKey()
	m.tmp = m.tmp[:0]
	for len(m.heap) > 0 && Compare(m.heap[0].NextEventKey(), pos) == 0 {
		m.tmp = append(m.tmp, heap.Pop(&m.heap).(*SstableIterator))
	}
	for _, it := range m.tmp {
		if e := it.CurrentEpoch(); !base.IsMaxEpoch(e) {
			m.epochs.remove(e)
		}
	}
	for _, it := range m.tmp {
		it.Next()
		// The post-step epoch is recorded even when the cursor is
		// exhausted: its final event covers the unbounded tail.
		if e := it.CurrentEpoch(); !base.IsMaxEpoch(e) {
			m.epochs.insert(e)
		}
		if it.Valid() {
			heap.Push(&m.heap, it)
		}
	}
}

// Seek repositions every cursor at target and rebuilds the epoch multiset
// from scratch.
func (m *MergeIterator) Seek(target BoundaryKey) {
	m.heap = m.heap[:0]
	m.epochs.clear()
	for _, it := range m.iters {
		it.Seek(target)
		if e := it.CurrentEpoch(); !base.IsMaxEpoch(e) {
			m.epochs.insert(e)
		}
		if it.Valid() {
			m.heap = append(m.heap, it)
		}
	}
	heap.Init(&m.heap)
}

// EarliestEpoch returns the delete epoch currently in effect at the merged
// cursor's position, or MaxEpoch if none.
func (m *MergeIterator) EarliestEpoch() base.Epoch { return m.epochs.min() }

// EarliestDeleteSince returns the smallest delete epoch >= epoch in effect
// at the current position, or MaxEpoch if the position is not covered by
// any tombstone that recent.
func (m *MergeIterator) EarliestDeleteSince(epoch base.Epoch) base.Epoch {
	return m.epochs.ceil(epoch)
}

// EarliestDeleteWhichCanSeeKey advances the merged cursor to key and
// returns the earliest delete epoch >= epoch covering it. Keys must be
// queried in ascending order between seeks.
func (m *MergeIterator) EarliestDeleteWhichCanSeeKey(key []byte, epoch base.Epoch) base.Epoch {
	target := Inclusive(key)
	for m.Valid() && Compare(m.NextEventKey(), target) <= 0 {
		m.Next()
	}
	return m.EarliestDeleteSince(epoch)
}

// GetTombstonesBetween collects the merged event stream restricted to
// [smallest, largest]: the first event is clamped to smallest with the
// epoch in effect there, adjacent events with equal epochs are coalesced,
// and a MaxEpoch terminator at largest closes the sequence if a delete is
// still in effect. The merge is repositioned by an internal Seek.
func (m *MergeIterator) GetTombstonesBetween(smallest, largest BoundaryKey) []MonotonicDeleteEvent {
	m.Seek(smallest)
	var events []MonotonicDeleteEvent
	if e := m.EarliestEpoch(); !base.IsMaxEpoch(e) {
		events = append(events, MonotonicDeleteEvent{EventKey: smallest, NewEpoch: e})
	}
	for m.Valid() && Compare(m.NextEventKey(), largest) <= 0 {
		pos := m.NextEventKey()
		m.Next()
		e := m.EarliestEpoch()
		if n := len(events); n > 0 && events[n-1].NewEpoch == e {
			continue
		}
		events = append(events, MonotonicDeleteEvent{EventKey: pos, NewEpoch: e})
	}
	if n := len(events); n > 0 && !base.IsMaxEpoch(events[n-1].NewEpoch) {
		events = append(events, MonotonicDeleteEvent{EventKey: largest, NewEpoch: base.MaxEpoch})
	}
	return events
}
