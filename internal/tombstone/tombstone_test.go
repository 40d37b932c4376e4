// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package tombstone

import (
	"testing"

	"github.com/hummockdb/hummock/internal/base"
	"github.com/stretchr/testify/require"
)

func rng(start BoundaryKey, end BoundaryKey, epoch base.Epoch) Range {
	return Range{Start: start, End: end, Epoch: epoch}
}

func TestCreateMonotonicEvents(t *testing.T) {
	events := CreateMonotonicEvents([]Range{
		rng(Inclusive([]byte("aaaaaa")), Inclusive([]byte("bbbddd")), 9),
		rng(Inclusive([]byte("bbbfff")), Inclusive([]byte("ffffff")), 9),
		rng(Inclusive([]byte("gggggg")), Inclusive([]byte("hhhhhh")), 9),
	})
	require.Equal(t, []MonotonicDeleteEvent{
		{EventKey: Inclusive([]byte("aaaaaa")), NewEpoch: 9},
		{EventKey: Inclusive([]byte("bbbddd")), NewEpoch: base.MaxEpoch},
		{EventKey: Inclusive([]byte("bbbfff")), NewEpoch: 9},
		{EventKey: Inclusive([]byte("ffffff")), NewEpoch: base.MaxEpoch},
		{EventKey: Inclusive([]byte("gggggg")), NewEpoch: 9},
		{EventKey: Inclusive([]byte("hhhhhh")), NewEpoch: base.MaxEpoch},
	}, events)

	// Overlapping ranges: the minimum epoch in effect wins at each boundary.
	// At "ee" the epoch-10 range ends but the minimum stays 5, so no event
	// is emitted there.
	events = CreateMonotonicEvents([]Range{
		rng(Inclusive([]byte("aa")), Inclusive([]byte("ee")), 10),
		rng(Inclusive([]byte("cc")), Inclusive([]byte("gg")), 5),
	})
	require.Equal(t, []MonotonicDeleteEvent{
		{EventKey: Inclusive([]byte("aa")), NewEpoch: 10},
		{EventKey: Inclusive([]byte("cc")), NewEpoch: 5},
		{EventKey: Inclusive([]byte("gg")), NewEpoch: base.MaxEpoch},
	}, events)
}

func TestGetMinDeleteEpoch(t *testing.T) {
	events := CreateMonotonicEvents([]Range{
		rng(Inclusive([]byte("bb")), Inclusive([]byte("dd")), 9),
		rng(Exclusive([]byte("ee")), Exclusive([]byte("gg")), 7),
	})
	require.Equal(t, base.MaxEpoch, GetMinDeleteEpoch(events, []byte("aa")))
	require.Equal(t, base.Epoch(9), GetMinDeleteEpoch(events, []byte("bb")))
	require.Equal(t, base.Epoch(9), GetMinDeleteEpoch(events, []byte("cc")))
	require.Equal(t, base.MaxEpoch, GetMinDeleteEpoch(events, []byte("dd")))
	require.Equal(t, base.MaxEpoch, GetMinDeleteEpoch(events, []byte("ee")), "exclusive start")
	require.Equal(t, base.Epoch(7), GetMinDeleteEpoch(events, []byte("ff")))
	require.Equal(t, base.Epoch(7), GetMinDeleteEpoch(events, []byte("gg")), "inclusive end")
	require.Equal(t, base.MaxEpoch, GetMinDeleteEpoch(events, []byte("gh")))
}

// Five files carrying the delete ranges
//
//	epoch  9: [aaaaaa,bbbddd) [bbbfff,ffffff) [gggggg,hhhhhh)
//	epoch 12: [aaaaaa,bbbccc)
//	epoch  8: (bbbeee,eeeeee]
//	epoch  6: [bbbaab,bbbdddf)
//	epoch  7: (hhhhhh,∞)
func mergeFixture() *MergeIterator {
	return NewMergeIterator(
		NewSstableIterator(CreateMonotonicEvents([]Range{
			rng(Inclusive([]byte("aaaaaa")), Inclusive([]byte("bbbddd")), 9),
			rng(Inclusive([]byte("bbbfff")), Inclusive([]byte("ffffff")), 9),
			rng(Inclusive([]byte("gggggg")), Inclusive([]byte("hhhhhh")), 9),
		})),
		NewSstableIterator(CreateMonotonicEvents([]Range{
			rng(Inclusive([]byte("aaaaaa")), Inclusive([]byte("bbbccc")), 12),
		})),
		NewSstableIterator(CreateMonotonicEvents([]Range{
			rng(Exclusive([]byte("bbbeee")), Exclusive([]byte("eeeeee")), 8),
		})),
		NewSstableIterator(CreateMonotonicEvents([]Range{
			rng(Inclusive([]byte("bbbaab")), Inclusive([]byte("bbbdddf")), 6),
		})),
		NewSstableIterator([]MonotonicDeleteEvent{
			{EventKey: Exclusive([]byte("hhhhhh")), NewEpoch: 7},
		}),
	)
}

func TestMergeEarliestDeleteWhichCanSeeKey(t *testing.T) {
	m := mergeFixture()
	require.Equal(t, base.MaxEpoch, m.EarliestDeleteWhichCanSeeKey([]byte("bbb"), 13))
	require.Equal(t, base.Epoch(12), m.EarliestDeleteWhichCanSeeKey([]byte("bbb"), 11))
	require.Equal(t, base.Epoch(9), m.EarliestDeleteWhichCanSeeKey([]byte("bbb"), 8))
	require.Equal(t, base.MaxEpoch, m.EarliestDeleteWhichCanSeeKey([]byte("hhhhhh"), 6))
	// The unbounded range keeps contributing after its cursor is exhausted.
	require.Equal(t, base.Epoch(7), m.EarliestDeleteWhichCanSeeKey([]byte("iiiiii"), 6))
}

func TestMergeSeekRebuildsEpochs(t *testing.T) {
	m := mergeFixture()
	require.Equal(t, base.Epoch(9), m.EarliestDeleteWhichCanSeeKey([]byte("bbb"), 8))

	// Seek backward; the epoch multiset must be rebuilt, not patched.
	m.Seek(Inclusive([]byte("aaaaaa")))
	require.Equal(t, base.Epoch(9), m.EarliestEpoch())
	require.Equal(t, base.Epoch(12), m.EarliestDeleteSince(10))

	m.Seek(Exclusive([]byte("hhhhhh")))
	require.Equal(t, base.Epoch(7), m.EarliestEpoch())
	require.False(t, m.Valid())
}

func TestMergeGetTombstonesBetween(t *testing.T) {
	// 13:[aaaa,cccc)  10:(cccc,dddd)  12:[cccc,eeee]  15:(eeee,ffff)
	m := NewMergeIterator(
		NewSstableIterator(CreateMonotonicEvents([]Range{
			rng(Inclusive([]byte("aaaa")), Inclusive([]byte("cccc")), 13),
		})),
		NewSstableIterator(CreateMonotonicEvents([]Range{
			rng(Exclusive([]byte("cccc")), Inclusive([]byte("dddd")), 10),
		})),
		NewSstableIterator(CreateMonotonicEvents([]Range{
			rng(Inclusive([]byte("cccc")), Exclusive([]byte("eeee")), 12),
		})),
		NewSstableIterator(CreateMonotonicEvents([]Range{
			rng(Exclusive([]byte("eeee")), Inclusive([]byte("ffff")), 15),
		})),
	)
	events := m.GetTombstonesBetween(Inclusive([]byte("bbbb")), Inclusive([]byte("eeeeee")))
	require.Equal(t, []MonotonicDeleteEvent{
		{EventKey: Inclusive([]byte("bbbb")), NewEpoch: 13},
		{EventKey: Inclusive([]byte("cccc")), NewEpoch: 12},
		{EventKey: Exclusive([]byte("cccc")), NewEpoch: 10},
		{EventKey: Inclusive([]byte("dddd")), NewEpoch: 12},
		{EventKey: Exclusive([]byte("eeee")), NewEpoch: 15},
		{EventKey: Inclusive([]byte("eeeeee")), NewEpoch: base.MaxEpoch},
	}, events)
}

func TestSstableIteratorBounds(t *testing.T) {
	it := NewSstableIterator(CreateMonotonicEvents([]Range{
		rng(Inclusive([]byte("aa")), Inclusive([]byte("bb")), 3),
	}))
	require.True(t, it.Valid())
	require.Equal(t, base.MaxEpoch, it.CurrentEpoch())
	it.Next()
	require.Equal(t, base.Epoch(3), it.CurrentEpoch())
	it.Next()
	require.False(t, it.Valid())
	require.Equal(t, base.MaxEpoch, it.CurrentEpoch())
	require.Panics(t, func() { it.Next() })
}
