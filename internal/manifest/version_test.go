// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package manifest

import (
	"testing"

	"github.com/hummockdb/hummock/internal/base"
	"github.com/stretchr/testify/require"
)

func sst(id base.SstableID, left, right string, size uint64, tables ...base.TableID) *SstableInfo {
	return &SstableInfo{
		ObjectID: id,
		SstID:    id,
		KeyRange: KeyRange{Left: []byte(left), Right: []byte(right)},
		FileSize: size,
		TableIDs: tables,
	}
}

func TestVersionApplyCommit(t *testing.T) {
	v := NewInitVersion(DefaultCompactionConfig())
	require.Equal(t, base.FirstVersionID, v.ID)
	require.Len(t, v.Levels, 2)

	d := v.DeltaAfter()
	d.MaxCommittedEpoch = 100
	d.GroupDeltas[base.StateDefaultGroup] = &GroupDeltas{
		LevelDeltas: []*LevelDelta{{
			LevelIdx:     0,
			SublevelID:   100,
			InsertedSsts: []*SstableInfo{sst(1, "a", "c", 64, 10), sst(2, "d", "f", 32, 11)},
		}},
	}
	d.StateTableInfoDelta = map[base.TableID]StateTableInfoDelta{
		10: {CommittedEpoch: 100, SafeEpoch: 100, CompactionGroupID: base.StateDefaultGroup},
		11: {CommittedEpoch: 100, SafeEpoch: 100, CompactionGroupID: base.StateDefaultGroup},
	}

	next, changed, err := v.Apply(d)
	require.NoError(t, err)
	require.Equal(t, v.ID+1, next.ID)
	require.Equal(t, base.Epoch(100), next.MaxCommittedEpoch)
	require.Len(t, changed, 2)
	require.Nil(t, changed[10])

	// The predecessor snapshot is untouched.
	require.Zero(t, v.SstableCount())
	require.Zero(t, v.StateTableInfo.Len())

	levels := next.Levels[base.StateDefaultGroup]
	require.Len(t, levels.L0, 1)
	require.Equal(t, uint64(100), levels.L0[0].SublevelID)
	require.Equal(t, uint64(96), levels.L0[0].TotalFileSize)
	require.Equal(t, []base.TableID{10, 11}, next.StateTableInfo.GroupMemberTableIDs(base.StateDefaultGroup))

	// The untouched group shares its structure with the predecessor.
	require.Same(t, v.Levels[base.MaterializedViewGroup], next.Levels[base.MaterializedViewGroup])
}

func TestVersionApplyWrongPredecessor(t *testing.T) {
	v := NewInitVersion(DefaultCompactionConfig())
	d := v.DeltaAfter()
	d.PrevID = v.ID + 5
	_, _, err := v.Apply(d)
	require.Error(t, err)
}

func TestVersionApplyDuplicateSublevel(t *testing.T) {
	v := NewInitVersion(DefaultCompactionConfig())
	d := v.DeltaAfter()
	d.MaxCommittedEpoch = 100
	d.GroupDeltas[base.StateDefaultGroup] = &GroupDeltas{
		LevelDeltas: []*LevelDelta{{SublevelID: 100, InsertedSsts: []*SstableInfo{sst(1, "a", "b", 1)}}},
	}
	v2, _, err := v.Apply(d)
	require.NoError(t, err)

	d2 := v2.DeltaAfter()
	d2.GroupDeltas[base.StateDefaultGroup] = &GroupDeltas{
		LevelDeltas: []*LevelDelta{{SublevelID: 100, InsertedSsts: []*SstableInfo{sst(2, "c", "d", 1)}}},
	}
	_, _, err = v2.Apply(d2)
	require.ErrorContains(t, err, "duplicate L0 sub-level")
}

func TestVersionApplyCompaction(t *testing.T) {
	v := NewInitVersion(DefaultCompactionConfig())
	d := v.DeltaAfter()
	d.MaxCommittedEpoch = 100
	d.GroupDeltas[base.StateDefaultGroup] = &GroupDeltas{
		LevelDeltas: []*LevelDelta{{SublevelID: 100, InsertedSsts: []*SstableInfo{
			sst(1, "a", "c", 10), sst(2, "d", "f", 10),
		}}},
	}
	v2, _, err := v.Apply(d)
	require.NoError(t, err)

	// Compact the sub-level into L6.
	d2 := v2.DeltaAfter()
	d2.GroupDeltas[base.StateDefaultGroup] = &GroupDeltas{
		LevelDeltas: []*LevelDelta{{
			LevelIdx:      6,
			RemovedSstIDs: []base.SstableID{1, 2},
			InsertedSsts:  []*SstableInfo{sst(3, "a", "f", 18)},
		}},
	}
	v3, _, err := v2.Apply(d2)
	require.NoError(t, err)

	levels := v3.Levels[base.StateDefaultGroup]
	require.Empty(t, levels.L0, "emptied sub-level must be dropped")
	require.Len(t, levels.Levels[5].Tables, 1)
	require.Equal(t, uint64(18), levels.TotalFileSize())
	// v2 still shows the pre-compaction shape.
	require.Len(t, v2.Levels[base.StateDefaultGroup].L0, 1)
}

func TestVersionApplyGroupLifecycle(t *testing.T) {
	v := NewInitVersion(DefaultCompactionConfig())
	const g = base.CompactionGroupID(42)

	d := v.DeltaAfter()
	d.GroupDeltas[g] = &GroupDeltas{
		GroupConstruct: &GroupConstruct{Config: DefaultCompactionConfig(), ParentGroupID: base.StateDefaultGroup},
	}
	v2, _, err := v.Apply(d)
	require.NoError(t, err)
	require.Contains(t, v2.Levels, g)

	// Destroying a group that still holds data fails.
	d2 := v2.DeltaAfter()
	d2.GroupDeltas[g] = &GroupDeltas{
		LevelDeltas:  []*LevelDelta{{SublevelID: 1, InsertedSsts: []*SstableInfo{sst(9, "a", "b", 8)}}},
		GroupDestroy: true,
	}
	_, _, err = v2.Apply(d2)
	require.ErrorContains(t, err, "destroying group")

	// An empty group destroys cleanly.
	d3 := v2.DeltaAfter()
	d3.GroupDeltas[g] = &GroupDeltas{GroupDestroy: true}
	v3, _, err := v2.Apply(d3)
	require.NoError(t, err)
	require.NotContains(t, v3.Levels, g)
}

func TestVersionApplySafeEpoch(t *testing.T) {
	v := NewInitVersion(DefaultCompactionConfig())
	d := v.DeltaAfter()
	d.MaxCommittedEpoch = 100
	v2, _, err := v.Apply(d)
	require.NoError(t, err)

	d2 := v2.DeltaAfter()
	require.Zero(t, d2.SafeEpoch)
	d2.SafeEpoch = 50
	v3, _, err := v2.Apply(d2)
	require.NoError(t, err)
	require.Equal(t, base.Epoch(50), v3.SafeEpoch)

	// The skeleton carries the raised safe epoch forward unchanged.
	d3 := v3.DeltaAfter()
	require.Equal(t, base.Epoch(50), d3.SafeEpoch)

	// Lowering it, or raising it past the committed epoch, is rejected.
	d3.SafeEpoch = 40
	_, _, err = v3.Apply(d3)
	require.ErrorContains(t, err, "lowers safe epoch")
	d3.SafeEpoch = 200
	_, _, err = v3.Apply(d3)
	require.ErrorContains(t, err, "past committed epoch")
}

func TestStateTableIndexEpochRegressionPanics(t *testing.T) {
	idx := NewStateTableIndex()
	idx.ApplyDelta(map[base.TableID]StateTableInfoDelta{
		1: {CommittedEpoch: 100, SafeEpoch: 50, CompactionGroupID: base.StateDefaultGroup},
	}, nil)
	require.Panics(t, func() {
		idx.ApplyDelta(map[base.TableID]StateTableInfoDelta{
			1: {CommittedEpoch: 90, SafeEpoch: 50, CompactionGroupID: base.StateDefaultGroup},
		}, nil)
	})
	require.Panics(t, func() {
		idx.ApplyDelta(map[base.TableID]StateTableInfoDelta{
			1: {CommittedEpoch: 100, SafeEpoch: 40, CompactionGroupID: base.StateDefaultGroup},
		}, nil)
	})
}

func TestStateTableIndexGroupMove(t *testing.T) {
	idx := NewStateTableIndex()
	idx.ApplyDelta(map[base.TableID]StateTableInfoDelta{
		1: {CommittedEpoch: 100, SafeEpoch: 100, CompactionGroupID: base.StateDefaultGroup},
		2: {CommittedEpoch: 100, SafeEpoch: 100, CompactionGroupID: base.StateDefaultGroup},
	}, nil)

	changed := idx.ApplyDelta(map[base.TableID]StateTableInfoDelta{
		2: {CommittedEpoch: 200, SafeEpoch: 100, CompactionGroupID: 42},
	}, nil)
	require.Len(t, changed, 1)
	require.Equal(t, base.StateDefaultGroup, changed[2].CompactionGroupID)

	require.Equal(t, []base.TableID{1}, idx.GroupMemberTableIDs(base.StateDefaultGroup))
	require.Equal(t, []base.TableID{2}, idx.GroupMemberTableIDs(42))

	// Removal updates both sides of the index.
	idx.ApplyDelta(nil, map[base.TableID]struct{}{2: {}})
	require.Zero(t, idx.GroupMemberCount(42))
	require.Equal(t, []base.CompactionGroupID{base.StateDefaultGroup}, idx.Groups())
}

func TestWatermarkReadAndTruncate(t *testing.T) {
	w := &TableWatermarks{Direction: WatermarkAscending}
	w.append(EpochWatermark{Epoch: 10, Watermark: []byte("b")})
	w.append(EpochWatermark{Epoch: 20, Watermark: []byte("d")})
	// Non-advancing watermark is skipped.
	w.append(EpochWatermark{Epoch: 30, Watermark: []byte("c")})
	require.Len(t, w.Epochs, 2)

	require.Nil(t, w.ReadWatermark(5))
	require.Equal(t, []byte("b"), w.ReadWatermark(10))
	require.Equal(t, []byte("b"), w.ReadWatermark(19))
	require.Equal(t, []byte("d"), w.ReadWatermark(25))

	w.truncate(20)
	require.Len(t, w.Epochs, 1)
	require.Equal(t, []byte("d"), w.ReadWatermark(25))
}

func TestChangeLogTruncate(t *testing.T) {
	l := &TableChangeLog{Logs: []*EpochChangeLog{
		{Epochs: []base.Epoch{10}},
		{Epochs: []base.Epoch{20, 21}},
		{Epochs: []base.Epoch{30}},
	}}
	l.truncate(21)
	require.Len(t, l.Logs, 1)
	require.Equal(t, []base.Epoch{30}, l.Logs[0].Epochs)
}

func TestDeltaCodecRoundTrip(t *testing.T) {
	d := &VersionDelta{
		ID:                7,
		PrevID:            6,
		MaxCommittedEpoch: 300,
		SafeEpoch:         100,
		TrivialMove:       true,
		GroupDeltas: map[base.CompactionGroupID]*GroupDeltas{
			base.StateDefaultGroup: {
				LevelDeltas: []*LevelDelta{{
					LevelIdx:      0,
					SublevelID:    300,
					RemovedSstIDs: []base.SstableID{4, 5},
					InsertedSsts: []*SstableInfo{{
						ObjectID:             11,
						SstID:                12,
						KeyRange:             KeyRange{Left: []byte("a"), Right: []byte("m"), RightExclusive: true},
						FileSize:             1 << 20,
						UncompressedFileSize: 4 << 20,
						TableIDs:             []base.TableID{10, 11},
						TableStats: map[base.TableID]TableStats{
							10: {TotalKeySize: 100, TotalValueSize: -50, TotalKeyCount: 7, TotalCompressedSize: 90},
						},
						MaxEpoch:            300,
						TombstoneEventCount: 3,
					}},
				}},
			},
			42: {
				GroupConstruct: &GroupConstruct{Config: DefaultCompactionConfig(), ParentGroupID: base.StateDefaultGroup},
			},
			43: {GroupDestroy: true},
		},
		StateTableInfoDelta: map[base.TableID]StateTableInfoDelta{
			10: {CommittedEpoch: 300, SafeEpoch: 100, CompactionGroupID: base.StateDefaultGroup},
		},
		RemovedTableIDs: []base.TableID{99},
		NewTableWatermarks: map[base.TableID]*TableWatermarks{
			10: {Direction: WatermarkDescending, Epochs: []EpochWatermark{{Epoch: 300, Watermark: []byte("w")}}},
		},
		ChangeLogDelta: map[base.TableID]*ChangeLogDelta{
			10: {TruncateEpoch: 100, NewLog: &EpochChangeLog{
				Epochs:       []base.Epoch{300},
				NewValueSsts: []*SstableInfo{{ObjectID: 20, SstID: 20, FileSize: 8}},
			}},
		},
	}

	decoded, err := DecodeVersionDelta(d.Encode())
	require.NoError(t, err)
	require.Equal(t, d, decoded)

	// Encoding is deterministic.
	require.Equal(t, d.Encode(), decoded.Encode())

	_, err = DecodeVersionDelta(append(d.Encode(), 0xff))
	require.ErrorIs(t, err, ErrCorruptManifest)
}
