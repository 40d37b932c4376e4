// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package hummock

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
	"github.com/hummockdb/hummock/metastore"
	"github.com/hummockdb/hummock/metastore/memstore"
	"github.com/kr/pretty"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	m, err := Open(store, &Options{CheckpointInterval: 1 << 20})
	require.NoError(t, err)
	return m, store
}

// flushedSst builds the descriptor a worker would report for a freshly
// flushed SST, with size spread evenly over its tables.
func flushedSst(
	t *testing.T, m *Manager, g base.CompactionGroupID, epoch base.Epoch,
	left, right string, size uint64, tables ...base.TableID,
) LocalSstableInfo {
	t.Helper()
	id, err := m.AllocateSstableIDs(1)
	require.NoError(t, err)
	stats := make(map[base.TableID]manifest.TableStats, len(tables))
	per := size / uint64(len(tables))
	for _, tid := range tables {
		stats[tid] = manifest.TableStats{
			TotalKeyCount:       10,
			TotalKeySize:        int64(per / 2),
			TotalValueSize:      int64(per / 2),
			TotalCompressedSize: per,
		}
	}
	return LocalSstableInfo{
		SstInfo: &manifest.SstableInfo{
			ObjectID:             id,
			SstID:                id,
			KeyRange:             manifest.KeyRange{Left: []byte(left), Right: []byte(right)},
			FileSize:             size,
			UncompressedFileSize: size * 4,
			TableIDs:             tables,
			TableStats:           stats,
			MaxEpoch:             epoch,
		},
		CompactionGroupID: g,
		ContextID:         7,
	}
}

// commitFirstTables publishes epoch 100 while registering internal tables
// 1 and 2 plus materialized-view table 3, with one SST per table.
func commitFirstTables(t *testing.T, m *Manager) *Snapshot {
	t.Helper()
	snap, err := m.CommitEpoch(&CommitEpochInfo{
		Epoch: 100,
		Ssts: []LocalSstableInfo{
			flushedSst(t, m, base.StateDefaultGroup, 100, "a", "c", 64, 1),
			flushedSst(t, m, base.StateDefaultGroup, 100, "d", "f", 64, 2),
			flushedSst(t, m, base.MaterializedViewGroup, 100, "a", "f", 128, 3),
		},
		NewTables: &NewTableFragmentInfo{InternalTableIDs: []base.TableID{1, 2}, MVTableID: 3},
		NewTableWatermarks: map[base.TableID]*manifest.TableWatermarks{
			3: {Epochs: []manifest.EpochWatermark{{Epoch: 100, Watermark: []byte("b")}}},
		},
	})
	require.NoError(t, err)
	return snap
}

func TestOpenBootstrap(t *testing.T) {
	m, _ := newTestManager(t)
	v := m.CurrentVersion()
	require.Equal(t, base.FirstVersionID, v.ID)
	require.Equal(t, []base.CompactionGroupID{base.StateDefaultGroup, base.MaterializedViewGroup},
		v.GroupIDs())
	require.Zero(t, v.StateTableInfo.Len())
	require.Equal(t, Snapshot{}, m.LatestSnapshot())
}

func TestCommitEpoch(t *testing.T) {
	m, _ := newTestManager(t)
	snap := commitFirstTables(t, m)
	require.Equal(t, Snapshot{CommittedEpoch: 100, CurrentEpoch: 100}, *snap)
	require.Equal(t, *snap, m.LatestSnapshot())

	v := m.CurrentVersion()
	require.Equal(t, base.FirstVersionID+1, v.ID)
	require.Equal(t, base.Epoch(100), v.MaxCommittedEpoch)

	l2 := v.Levels[base.StateDefaultGroup]
	require.Len(t, l2.L0, 1)
	require.Equal(t, uint64(100), l2.L0[0].SublevelID)
	require.Len(t, l2.L0[0].Tables, 2)
	require.Len(t, v.Levels[base.MaterializedViewGroup].L0, 1)

	require.Equal(t, []base.TableID{1, 2}, v.StateTableInfo.GroupMemberTableIDs(base.StateDefaultGroup))
	require.Equal(t, []base.TableID{3}, v.StateTableInfo.GroupMemberTableIDs(base.MaterializedViewGroup))
	info, ok := v.StateTableInfo.Get(3)
	require.True(t, ok)
	require.Equal(t, base.Epoch(100), info.CommittedEpoch)
	require.Equal(t, base.Epoch(100), info.SafeEpoch)

	require.Equal(t, []byte("b"), v.TableWatermarks[3].ReadWatermark(100))

	// Side effects: ownership recorded, throughput tracked.
	owner, ok := m.SstableOwner(v.Levels[base.MaterializedViewGroup].L0[0].Tables[0].ObjectID)
	require.True(t, ok)
	require.Equal(t, base.ContextID(7), owner)
	require.Len(t, m.TableWriteThroughput(1), 1)

	stats := m.TableStats()
	require.Equal(t, int64(10), stats[1].TotalKeyCount)
}

func TestCommitEpochRejected(t *testing.T) {
	m, _ := newTestManager(t)
	commitFirstTables(t, m)
	before := m.CurrentVersion()

	// Stale epoch.
	_, err := m.CommitEpoch(&CommitEpochInfo{
		Epoch: 100,
		Ssts:  []LocalSstableInfo{flushedSst(t, m, base.StateDefaultGroup, 100, "a", "c", 8, 1)},
	})
	require.ErrorIs(t, err, ErrCommitRejected)

	// Unknown table.
	_, err = m.CommitEpoch(&CommitEpochInfo{
		Epoch: 200,
		Ssts:  []LocalSstableInfo{flushedSst(t, m, base.StateDefaultGroup, 200, "a", "c", 8, 99)},
	})
	require.ErrorIs(t, err, ErrCommitRejected)

	// No partial effects.
	require.Same(t, before, m.CurrentVersion())
	require.Equal(t, Snapshot{CommittedEpoch: 100, CurrentEpoch: 100}, m.LatestSnapshot())
}

func TestCommitEpochSplitsMismatchedSst(t *testing.T) {
	m, _ := newTestManager(t)
	commitFirstTables(t, m)

	// An SST spanning tables of two groups, declared for one of them.
	local := flushedSst(t, m, base.StateDefaultGroup, 200, "a", "z", 64, 2, 3)
	originalID := local.SstInfo.SstID
	_, err := m.CommitEpoch(&CommitEpochInfo{Epoch: 200, Ssts: []LocalSstableInfo{local}})
	require.NoError(t, err)

	v := m.CurrentVersion()
	find := func(g base.CompactionGroupID) *manifest.SstableInfo {
		levels := v.Levels[g]
		last := levels.L0[len(levels.L0)-1]
		require.Equal(t, uint64(200), last.SublevelID)
		require.Len(t, last.Tables, 1)
		return last.Tables[0]
	}
	inDefault := find(base.StateDefaultGroup)
	inMV := find(base.MaterializedViewGroup)

	require.Equal(t, []base.TableID{2}, inDefault.TableIDs)
	require.Equal(t, []base.TableID{3}, inMV.TableIDs)
	require.NotEqual(t, originalID, inDefault.SstID)
	require.NotEqual(t, originalID, inMV.SstID)
	require.NotEqual(t, inDefault.SstID, inMV.SstID)
	require.Zero(t, inDefault.TombstoneEventCount)
	require.Zero(t, inMV.TombstoneEventCount)
	require.NotContains(t, inDefault.TableStats, base.TableID(3))
	require.NotContains(t, inMV.TableStats, base.TableID(2))
}

func TestCommitEpochDuplicateRegistrationPanics(t *testing.T) {
	m, _ := newTestManager(t)
	commitFirstTables(t, m)
	require.Panics(t, func() {
		_, _ = m.CommitEpoch(&CommitEpochInfo{
			Epoch:     200,
			NewTables: &NewTableFragmentInfo{InternalTableIDs: []base.TableID{1}},
		})
	})
}

func TestCommitEpochAtomicity(t *testing.T) {
	m, store := newTestManager(t)
	commitFirstTables(t, m)

	before := m.CurrentVersion()
	beforeStats := m.TableStats()
	beforeSnap := m.LatestSnapshot()

	// Allocate before injecting the failure so the id lease is warm.
	local := flushedSst(t, m, base.StateDefaultGroup, 200, "a", "c", 8, 1)

	errBoom := errors.New("boom")
	store.FailCommits(errBoom)
	_, err := m.CommitEpoch(&CommitEpochInfo{Epoch: 200, Ssts: []LocalSstableInfo{local}})
	require.ErrorIs(t, err, errBoom)

	// The failed commit is invisible: version, stats and snapshot are
	// identical to their pre-commit values.
	require.Same(t, before, m.CurrentVersion())
	require.Equal(t, beforeStats, m.TableStats())
	require.Equal(t, beforeSnap, m.LatestSnapshot())

	store.FailCommits(nil)
	snap, err := m.CommitEpoch(&CommitEpochInfo{Epoch: 200, Ssts: []LocalSstableInfo{local}})
	require.NoError(t, err)
	require.Equal(t, base.Epoch(200), snap.CommittedEpoch)
}

func TestReplayEquivalence(t *testing.T) {
	m, store := newTestManager(t)
	commitFirstTables(t, m)
	_, err := m.CommitEpoch(&CommitEpochInfo{
		Epoch: 200,
		Ssts: []LocalSstableInfo{
			flushedSst(t, m, base.StateDefaultGroup, 200, "g", "k", 32, 1, 2),
			flushedSst(t, m, base.StateDefaultGroup, 200, "a", "z", 64, 2, 3),
		},
		NewTableWatermarks: map[base.TableID]*manifest.TableWatermarks{
			3: {Epochs: []manifest.EpochWatermark{{Epoch: 200, Watermark: []byte("d")}}},
		},
		ChangeLogDelta: map[base.TableID]*manifest.ChangeLogDelta{
			3: {NewLog: &manifest.EpochChangeLog{
				Epochs:       []base.Epoch{200},
				NewValueSsts: []*manifest.SstableInfo{{ObjectID: 9001, SstID: 9001, FileSize: 16}},
			}},
		},
	})
	require.NoError(t, err)

	m2, err := Open(store, &Options{})
	require.NoError(t, err)
	require.Empty(t, pretty.Diff(m.CurrentVersion(), m2.CurrentVersion()))
	require.Equal(t, m.LatestSnapshot(), m2.LatestSnapshot())
	require.Equal(t, m.TableStats(), m2.TableStats())
}

func countDeltas(t *testing.T, store metastore.Store) int {
	t.Helper()
	n := 0
	require.NoError(t, store.Scan(keyDeltaPrefix, func(_, _ []byte) error {
		n++
		return nil
	}))
	return n
}

func TestCheckpoint(t *testing.T) {
	m, store := newTestManager(t)
	commitFirstTables(t, m)
	_, err := m.CommitEpoch(&CommitEpochInfo{
		Epoch: 200,
		Ssts:  []LocalSstableInfo{flushedSst(t, m, base.StateDefaultGroup, 200, "g", "k", 32, 1)},
	})
	require.NoError(t, err)
	require.Equal(t, 2, countDeltas(t, store))

	require.NoError(t, m.Checkpoint())
	require.Zero(t, countDeltas(t, store))

	m2, err := Open(store, &Options{})
	require.NoError(t, err)
	require.Empty(t, pretty.Diff(m.CurrentVersion(), m2.CurrentVersion()))
}

func TestCompactionFlow(t *testing.T) {
	m, _ := newTestManager(t)
	commitFirstTables(t, m)

	dyn := &DynamicLevelSelector{L0SublevelTrigger: 1}
	task, err := m.PickCompaction(dyn, base.StateDefaultGroup)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, TaskTypeDynamic, task.TaskType)
	require.Equal(t, 6, task.TargetLevel, "empty tree compacts into the last level")
	require.Len(t, task.InputSstIDs(), 2)

	// Claimed SSTs are not re-selected.
	again, err := m.PickCompaction(dyn, base.StateDefaultGroup)
	require.NoError(t, err)
	require.Nil(t, again)

	outID, err := m.AllocateSstableIDs(1)
	require.NoError(t, err)
	output := &manifest.SstableInfo{
		ObjectID: outID,
		SstID:    outID,
		KeyRange: manifest.KeyRange{Left: []byte("a"), Right: []byte("f")},
		FileSize: 100,
		TableIDs: []base.TableID{1, 2},
		MaxEpoch: 100,
	}
	installed, err := m.ReportCompactTask(task.ID, TaskSuccess, []*manifest.SstableInfo{output})
	require.NoError(t, err)
	require.True(t, installed)

	v := m.CurrentVersion()
	l2 := v.Levels[base.StateDefaultGroup]
	require.Empty(t, l2.L0)
	require.Len(t, l2.Levels[5].Tables, 1)
	require.Equal(t, outID, l2.Levels[5].Tables[0].SstID)

	// Duplicate report of the same task is ignored.
	installed, err = m.ReportCompactTask(task.ID, TaskSuccess, nil)
	require.NoError(t, err)
	require.False(t, installed)

	// Drop both tables; the compacted SST is now fully orphaned.
	require.NoError(t, m.UnregisterTables([]base.TableID{1, 2}))
	v = m.CurrentVersion()
	require.Zero(t, v.StateTableInfo.GroupMemberCount(base.StateDefaultGroup))
	require.NotContains(t, m.TableStats(), base.TableID(1))
	require.Contains(t, m.TableStats(), base.TableID(3))

	space := NewSpaceReclaimSelector()
	task, err = m.PickCompaction(space, base.StateDefaultGroup)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, TaskTypeSpaceReclaim, task.TaskType)
	require.Equal(t, []InputLevel{{LevelIdx: 6, Tables: []*manifest.SstableInfo{output}}}, task.InputLevels)
	require.Equal(t, 6, task.TargetLevel)
	require.Empty(t, task.ExistingTableIDs)

	// Nothing else is eligible while the claim is held.
	again, err = m.PickCompaction(space, base.StateDefaultGroup)
	require.NoError(t, err)
	require.Nil(t, again)

	installed, err = m.ReportCompactTask(task.ID, TaskSuccess, nil)
	require.NoError(t, err)
	require.True(t, installed)
	require.Zero(t, m.CurrentVersion().Levels[base.StateDefaultGroup].TotalFileSize())
}

func TestReportCompactTaskFailureReleasesClaims(t *testing.T) {
	m, _ := newTestManager(t)
	commitFirstTables(t, m)

	dyn := &DynamicLevelSelector{L0SublevelTrigger: 1}
	task, err := m.PickCompaction(dyn, base.StateDefaultGroup)
	require.NoError(t, err)
	require.NotNil(t, task)
	before := m.CurrentVersion()

	installed, err := m.ReportCompactTask(task.ID, TaskFailed, nil)
	require.NoError(t, err)
	require.False(t, installed)
	require.Same(t, before, m.CurrentVersion())

	// The input is selectable again.
	task, err = m.PickCompaction(dyn, base.StateDefaultGroup)
	require.NoError(t, err)
	require.NotNil(t, task)
}

// TestConcurrentPickAndReport races picks against success reports. A pick
// concurrent with a report must never re-claim the inputs whose removal
// the report installs: the claims outlive the install, and picks snapshot
// the version under the compaction lock.
func TestConcurrentPickAndReport(t *testing.T) {
	m, _ := newTestManager(t)
	commitFirstTables(t, m)

	dyn := &DynamicLevelSelector{L0SublevelTrigger: 1}
	type pickResult struct {
		task *CompactionTask
		err  error
	}
	for i := 0; i < 100; i++ {
		epoch := base.Epoch(200 + 100*i)
		_, err := m.CommitEpoch(&CommitEpochInfo{
			Epoch: epoch,
			Ssts:  []LocalSstableInfo{flushedSst(t, m, base.StateDefaultGroup, epoch, "a", "c", 16, 1)},
		})
		require.NoError(t, err)

		task, err := m.PickCompaction(dyn, base.StateDefaultGroup)
		require.NoError(t, err)
		require.NotNil(t, task)
		inputs := make(map[base.SstableID]struct{})
		for _, id := range task.InputSstIDs() {
			inputs[id] = struct{}{}
		}

		racer := make(chan pickResult, 1)
		go func() {
			other, err := m.PickCompaction(dyn, base.StateDefaultGroup)
			racer <- pickResult{task: other, err: err}
		}()

		outID, err := m.AllocateSstableIDs(1)
		require.NoError(t, err)
		installed, err := m.ReportCompactTask(task.ID, TaskSuccess, []*manifest.SstableInfo{{
			ObjectID: outID,
			SstID:    outID,
			KeyRange: manifest.KeyRange{Left: []byte("a"), Right: []byte("f")},
			FileSize: 100,
			TableIDs: []base.TableID{1, 2},
			MaxEpoch: epoch,
		}})
		require.NoError(t, err)
		require.True(t, installed)

		res := <-racer
		require.NoError(t, res.err)
		if res.task != nil {
			for _, id := range res.task.InputSstIDs() {
				require.NotContains(t, inputs, id,
					"racing pick re-claimed an input of the reported task")
			}
			_, err := m.ReportCompactTask(res.task.ID, TaskCanceled, nil)
			require.NoError(t, err)
		}
	}
}

func TestRaiseSafeEpoch(t *testing.T) {
	m, store := newTestManager(t)
	commitFirstTables(t, m)
	require.Zero(t, m.CurrentVersion().SafeEpoch)

	require.NoError(t, m.RaiseSafeEpoch(40))
	v := m.CurrentVersion()
	require.Equal(t, base.Epoch(40), v.SafeEpoch)

	// Raising to the current safe epoch installs nothing.
	require.NoError(t, m.RaiseSafeEpoch(40))
	require.Same(t, v, m.CurrentVersion())

	require.ErrorContains(t, m.RaiseSafeEpoch(30), "regress")
	require.ErrorContains(t, m.RaiseSafeEpoch(200), "exceeds committed epoch")

	// Commits carry the safe epoch forward unchanged.
	_, err := m.CommitEpoch(&CommitEpochInfo{
		Epoch: 200,
		Ssts:  []LocalSstableInfo{flushedSst(t, m, base.StateDefaultGroup, 200, "g", "k", 32, 1)},
	})
	require.NoError(t, err)
	require.Equal(t, base.Epoch(40), m.CurrentVersion().SafeEpoch)

	// The safe epoch survives delta replay and checkpointing.
	m2, err := Open(store, &Options{})
	require.NoError(t, err)
	require.Equal(t, base.Epoch(40), m2.CurrentVersion().SafeEpoch)

	require.NoError(t, m.Checkpoint())
	m3, err := Open(store, &Options{})
	require.NoError(t, err)
	require.Equal(t, base.Epoch(40), m3.CurrentVersion().SafeEpoch)
}

func TestCheckpointIntervalOption(t *testing.T) {
	var o Options
	o.EnsureDefaults()
	require.Equal(t, 64, o.CheckpointInterval, "zero selects the default")

	store := memstore.New()
	m, err := Open(store, &Options{CheckpointInterval: 2})
	require.NoError(t, err)
	commitFirstTables(t, m)
	require.Equal(t, 1, countDeltas(t, store))
	_, err = m.CommitEpoch(&CommitEpochInfo{
		Epoch: 200,
		Ssts:  []LocalSstableInfo{flushedSst(t, m, base.StateDefaultGroup, 200, "g", "k", 32, 1)},
	})
	require.NoError(t, err)
	require.Zero(t, countDeltas(t, store), "second delta crossed the interval and was folded")

	// A negative interval disables automatic checkpointing.
	disabled := memstore.New()
	m2, err := Open(disabled, &Options{CheckpointInterval: -1})
	require.NoError(t, err)
	commitFirstTables(t, m2)
	_, err = m2.CommitEpoch(&CommitEpochInfo{
		Epoch: 200,
		Ssts:  []LocalSstableInfo{flushedSst(t, m2, base.StateDefaultGroup, 200, "g", "k", 32, 1)},
	})
	require.NoError(t, err)
	require.Equal(t, 2, countDeltas(t, disabled))
}

func TestSpaceReclaimSkipsLiveTables(t *testing.T) {
	m, _ := newTestManager(t)
	commitFirstTables(t, m)

	dyn := &DynamicLevelSelector{L0SublevelTrigger: 1}
	task, err := m.PickCompaction(dyn, base.StateDefaultGroup)
	require.NoError(t, err)
	outID, err := m.AllocateSstableIDs(1)
	require.NoError(t, err)
	_, err = m.ReportCompactTask(task.ID, TaskSuccess, []*manifest.SstableInfo{{
		ObjectID: outID, SstID: outID,
		KeyRange: manifest.KeyRange{Left: []byte("a"), Right: []byte("f")},
		FileSize: 100, TableIDs: []base.TableID{1, 2}, MaxEpoch: 100,
	}})
	require.NoError(t, err)

	// Only table 2 is dropped; the SST still holds table 1 data and must
	// not be reclaimed.
	require.NoError(t, m.UnregisterTables([]base.TableID{2}))
	picked, err := m.PickCompaction(NewSpaceReclaimSelector(), base.StateDefaultGroup)
	require.NoError(t, err)
	require.Nil(t, picked)
}

func TestTrivialMoveDetection(t *testing.T) {
	in := &manifest.SstableInfo{SstID: 5}
	task := &CompactionTask{InputLevels: []InputLevel{{LevelIdx: 0, Tables: []*manifest.SstableInfo{in}}}}
	require.True(t, isTrivialMove(task, []*manifest.SstableInfo{in}))
	require.False(t, isTrivialMove(task, []*manifest.SstableInfo{{SstID: 6}}))
	require.False(t, isTrivialMove(task, nil))
}

func TestSnapshotRegressionPanics(t *testing.T) {
	var h snapshotHolder
	h.store(Snapshot{CommittedEpoch: 5, CurrentEpoch: 5})
	require.Panics(t, func() {
		h.store(Snapshot{CommittedEpoch: 4, CurrentEpoch: 5})
	})
}

func TestMetrics(t *testing.T) {
	m, _ := newTestManager(t)
	commitFirstTables(t, m)

	var pb dto.Metric
	require.NoError(t, m.Metrics().CommitCount.Write(&pb))
	require.Equal(t, float64(1), pb.GetCounter().GetValue())

	require.NoError(t, m.Metrics().VersionID.Write(&pb))
	require.Equal(t, float64(m.CurrentVersion().ID), pb.GetGauge().GetValue())

	_, err := m.CommitEpoch(&CommitEpochInfo{Epoch: 50})
	require.Error(t, err)
	require.NoError(t, m.Metrics().CommitFailures.Write(&pb))
	require.Equal(t, float64(1), pb.GetCounter().GetValue())
}

func TestAdmitWrite(t *testing.T) {
	m, _ := newTestManager(t)
	commitFirstTables(t, m)
	ok, _ := m.AdmitWrite(base.StateDefaultGroup, 1<<20)
	require.True(t, ok)
	// Unknown groups are not throttled.
	ok, _ = m.AdmitWrite(999, 1<<20)
	require.True(t, ok)
}
