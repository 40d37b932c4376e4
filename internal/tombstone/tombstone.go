// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package tombstone implements the range-delete aggregation engine: per-SST
// monotonic delete-event sequences and the k-way merge that answers
// "earliest delete epoch for key X at epoch E" across overlapping files.
package tombstone

import (
	"bytes"
	"slices"

	"github.com/hummockdb/hummock/internal/base"
)

// BoundaryKey is a position in extended user-key space. (k, false) is the
// position of k itself; (k, true) is the position immediately after k, so
// at equal user keys the inclusive form sorts first.
type BoundaryKey struct {
	UserKey   []byte
	Exclusive bool
}

// Compare orders boundary positions.
func Compare(a, b BoundaryKey) int {
	if c := bytes.Compare(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	switch {
	case a.Exclusive == b.Exclusive:
		return 0
	case !a.Exclusive:
		return -1
	default:
		return 1
	}
}

// Inclusive returns the position of k itself.
func Inclusive(k []byte) BoundaryKey { return BoundaryKey{UserKey: k} }

// Exclusive returns the position immediately after k.
func Exclusive(k []byte) BoundaryKey { return BoundaryKey{UserKey: k, Exclusive: true} }

// MonotonicDeleteEvent states that from EventKey onward, until the next
// event, the earliest visible delete epoch is NewEpoch. MaxEpoch means no
// delete is in effect.
type MonotonicDeleteEvent struct {
	EventKey BoundaryKey
	NewEpoch base.Epoch
}

// Range is one delete-range tombstone: every key in [Start, End) in
// boundary space is deleted as of Epoch. A nil End.UserKey with
// End.Exclusive unset denotes an unbounded range.
type Range struct {
	Start BoundaryKey
	End   BoundaryKey
	Epoch base.Epoch
}

// Unbounded reports whether the range has no right end.
func (r Range) Unbounded() bool { return r.End.UserKey == nil && !r.End.Exclusive }

// CreateMonotonicEvents flattens possibly-overlapping tombstone ranges into
// the sorted event sequence an SST carries: at every boundary where the set
// of covering tombstones changes, it records the new minimum epoch in
// effect. Adjacent events with equal epochs are coalesced.
func CreateMonotonicEvents(ranges []Range) []MonotonicDeleteEvent {
	type action struct {
		pos   BoundaryKey
		epoch base.Epoch
		enter bool
	}
	actions := make([]action, 0, 2*len(ranges))
	for _, r := range ranges {
		actions = append(actions, action{pos: r.Start, epoch: r.Epoch, enter: true})
		if !r.Unbounded() {
			actions = append(actions, action{pos: r.End, epoch: r.Epoch, enter: false})
		}
	}
	slices.SortStableFunc(actions, func(a, b action) int {
		return Compare(a.pos, b.pos)
	})

	var events []MonotonicDeleteEvent
	var active epochMultiset
	last := base.MaxEpoch
	for i := 0; i < len(actions); {
		j := i
		for j < len(actions) && Compare(actions[j].pos, actions[i].pos) == 0 {
			if actions[j].enter {
				active.insert(actions[j].epoch)
			} else {
				active.remove(actions[j].epoch)
			}
			j++
		}
		cur := active.min()
		if cur != last {
			events = append(events, MonotonicDeleteEvent{EventKey: actions[i].pos, NewEpoch: cur})
			last = cur
		}
		i = j
	}
	return events
}

// GetMinDeleteEpoch is the single-SST point query used on the read path: it
// returns the earliest delete epoch in effect at key, or MaxEpoch if key
// precedes every tombstone in the sequence.
func GetMinDeleteEpoch(events []MonotonicDeleteEvent, key []byte) base.Epoch {
	target := Inclusive(key)
	// Partition point of "event_key <= target": the index of the first
	// event strictly beyond the key.
	idx, _ := slices.BinarySearchFunc(events, target, func(e MonotonicDeleteEvent, t BoundaryKey) int {
		if Compare(e.EventKey, t) <= 0 {
			return -1
		}
		return 1
	})
	if idx == 0 {
		return base.MaxEpoch
	}
	return events[idx-1].NewEpoch
}

// epochMultiset tracks the delete epochs currently in effect, with
// duplicates, and answers ordered queries. Backed by a count map plus a
// sorted slice of distinct epochs.
type epochMultiset struct {
	counts map[base.Epoch]int
	sorted []base.Epoch
}

func (s *epochMultiset) insert(e base.Epoch) {
	if s.counts == nil {
		s.counts = make(map[base.Epoch]int)
	}
	s.counts[e]++
	if s.counts[e] == 1 {
		i, _ := slices.BinarySearch(s.sorted, e)
		s.sorted = slices.Insert(s.sorted, i, e)
	}
}

func (s *epochMultiset) remove(e base.Epoch) {
	s.counts[e]--
	if s.counts[e] == 0 {
		delete(s.counts, e)
		i, _ := slices.BinarySearch(s.sorted, e)
		s.sorted = slices.Delete(s.sorted, i, i+1)
	}
}

func (s *epochMultiset) clear() {
	clear(s.counts)
	s.sorted = s.sorted[:0]
}

// min returns the smallest epoch in effect, or MaxEpoch when empty.
func (s *epochMultiset) min() base.Epoch {
	if len(s.sorted) == 0 {
		return base.MaxEpoch
	}
	return s.sorted[0]
}

// ceil returns the smallest epoch >= e, or MaxEpoch if none.
func (s *epochMultiset) ceil(e base.Epoch) base.Epoch {
	i, _ := slices.BinarySearch(s.sorted, e)
	if i == len(s.sorted) {
		return base.MaxEpoch
	}
	return s.sorted[i]
}
