// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package hummock

import (
	"slices"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
)

// LocalSstableInfo is a newly flushed SST as reported by a worker: the
// descriptor plus the compaction group the worker believes it belongs to
// and the worker context that produced it.
type LocalSstableInfo struct {
	SstInfo           *manifest.SstableInfo
	CompactionGroupID base.CompactionGroupID
	ContextID         base.ContextID
}

// NewTableFragmentInfo registers tables created at this commit's epoch:
// internal state tables join the shared default group, the primary
// materialized-view table joins the dedicated MV group.
type NewTableFragmentInfo struct {
	InternalTableIDs []base.TableID
	// MVTableID is zero when the fragment has no materialized-view table.
	MVTableID base.TableID
}

// CommitEpochInfo bundles everything published at one epoch.
type CommitEpochInfo struct {
	Epoch              base.Epoch
	Ssts               []LocalSstableInfo
	NewTableWatermarks map[base.TableID]*manifest.TableWatermarks
	ChangeLogDelta     map[base.TableID]*manifest.ChangeLogDelta
	NewTables          *NewTableFragmentInfo
}

// CommitEpoch atomically publishes a batch of flushed SSTs at the target
// epoch. It validates the batch, repairs group assignment of SSTs whose
// tables span groups, appends one L0 sub-level per touched group, advances
// every table's committed epoch, durably persists the delta together with
// the updated statistics, and only then installs the new version and
// publishes the new snapshot. On error the version is untouched and no
// partial state is observable.
func (m *Manager) CommitEpoch(info *CommitEpochInfo) (*Snapshot, error) {
	start := crtime.NowMono()
	snapshot, err := m.commitEpoch(info)
	if err != nil {
		m.metrics.CommitFailures.Inc()
		return nil, err
	}
	m.metrics.CommitCount.Inc()
	m.metrics.CommitDuration.Observe(start.Elapsed().Seconds())
	return snapshot, nil
}

func (m *Manager) commitEpoch(info *CommitEpochInfo) (*Snapshot, error) {
	m.versioning.Lock()
	defer m.versioning.Unlock()
	current := m.versioning.current

	// New-table registration resolves before anything else so the sanity
	// check and group validation see the complete table set.
	newTables, err := m.resolveNewTables(current, info)
	if err != nil {
		return nil, err
	}

	if err := sanityCheckCommit(current, info, newTables); err != nil {
		return nil, err
	}

	stats := m.versioning.stats.Clone()
	for _, sst := range info.Ssts {
		stats.AddSstStats([]*manifest.SstableInfo{sst.SstInfo})
	}

	corrected, err := m.validateAndSplitSsts(current, info.Ssts, newTables)
	if err != nil {
		return nil, err
	}

	delta := current.DeltaAfter()
	delta.MaxCommittedEpoch = info.Epoch
	delta.NewTableWatermarks = info.NewTableWatermarks
	delta.ChangeLogDelta = info.ChangeLogDelta

	// Stable sort by group, then one L0 sub-level per group keyed by the
	// commit epoch, preserving each group's relative SST order.
	slices.SortStableFunc(corrected, func(a, b groupedSst) int {
		switch {
		case a.groupID < b.groupID:
			return -1
		case a.groupID > b.groupID:
			return 1
		default:
			return 0
		}
	})
	for i := 0; i < len(corrected); {
		j := i
		groupID := corrected[i].groupID
		ssts := make([]*manifest.SstableInfo, 0, 4)
		for j < len(corrected) && corrected[j].groupID == groupID {
			ssts = append(ssts, corrected[j].sst)
			j++
		}
		delta.GroupDeltas[groupID] = &manifest.GroupDeltas{
			LevelDeltas: []*manifest.LevelDelta{{
				LevelIdx:     0,
				SublevelID:   uint64(info.Epoch),
				InsertedSsts: ssts,
			}},
		}
		i = j
	}

	// Every table, registered and registering, advances to the commit
	// epoch exactly once.
	delta.StateTableInfoDelta = make(map[base.TableID]manifest.StateTableInfoDelta,
		current.StateTableInfo.Len()+len(newTables))
	for id, prev := range current.StateTableInfo.Info() {
		delta.StateTableInfoDelta[id] = manifest.StateTableInfoDelta{
			CommittedEpoch:    info.Epoch,
			SafeEpoch:         prev.SafeEpoch,
			CompactionGroupID: prev.CompactionGroupID,
		}
	}
	for id, groupID := range newTables {
		if _, dup := delta.StateTableInfoDelta[id]; dup {
			panic(errors.AssertionFailedf("hummock: table %d assigned twice in commit %d", id, info.Epoch))
		}
		delta.StateTableInfoDelta[id] = manifest.StateTableInfoDelta{
			CommittedEpoch:    info.Epoch,
			SafeEpoch:         info.Epoch,
			CompactionGroupID: groupID,
		}
	}

	next, _, err := current.Apply(delta)
	if err != nil {
		return nil, err
	}
	// A commit carries exactly one epoch cohort covering the whole table
	// set; partial checkpointing is a future extension.
	for id, tableInfo := range next.StateTableInfo.Info() {
		if tableInfo.CommittedEpoch != info.Epoch {
			panic(errors.AssertionFailedf(
				"hummock: table %d at epoch %d after commit of epoch %d",
				id, tableInfo.CommittedEpoch, info.Epoch))
		}
	}

	stats.Purge(func(id base.TableID) bool {
		_, ok := next.StateTableInfo.Get(id)
		return ok
	})

	if err := m.persistAndInstall(next, delta, stats); err != nil {
		return nil, err
	}
	snapshot := Snapshot{CommittedEpoch: info.Epoch, CurrentEpoch: info.Epoch}
	m.snapshot.store(snapshot)

	m.commitSideEffects(info, delta, next)
	return &snapshot, nil
}

// commitSideEffects runs the best-effort, non-transactional tail of a
// commit: compaction triggers for touched groups, ownership records,
// throughput history and write-limiter refresh. None of these can fail
// the already-installed commit.
func (m *Manager) commitSideEffects(
	info *CommitEpochInfo, delta *manifest.VersionDelta, next *manifest.Version,
) {
	for g := range delta.GroupDeltas {
		m.compaction.trigger(g)
	}

	tableBytes := make(map[base.TableID]uint64)
	var totalBytes uint64
	for _, sst := range info.Ssts {
		m.owners.Store(sst.SstInfo.ObjectID, sst.ContextID)
		totalBytes += sst.SstInfo.FileSize
		for id, st := range sst.SstInfo.TableStats {
			tableBytes[id] += st.TotalCompressedSize
		}
	}
	m.metrics.CommitBytes.Observe(float64(totalBytes))
	m.throughput.record(tableBytes)
	m.throughput.forget(func(id base.TableID) bool {
		_, ok := next.StateTableInfo.Get(id)
		return ok
	})
	m.limits.refresh(next)
}

// resolveNewTables maps the commit's table registrations to their target
// groups. Registering an existing table is an invariant violation: the
// fragment pipeline guarantees creation happens once.
func (m *Manager) resolveNewTables(
	current *manifest.Version, info *CommitEpochInfo,
) (map[base.TableID]base.CompactionGroupID, error) {
	if info.NewTables == nil {
		return nil, nil
	}
	newTables := make(map[base.TableID]base.CompactionGroupID,
		len(info.NewTables.InternalTableIDs)+1)
	register := func(id base.TableID, g base.CompactionGroupID) {
		if _, ok := current.StateTableInfo.Get(id); ok {
			panic(errors.AssertionFailedf("hummock: table %d registered twice", id))
		}
		if _, ok := newTables[id]; ok {
			panic(errors.AssertionFailedf("hummock: table %d registered twice in one commit", id))
		}
		newTables[id] = g
	}
	for _, id := range info.NewTables.InternalTableIDs {
		register(id, base.StateDefaultGroup)
	}
	if info.NewTables.MVTableID != 0 {
		register(info.NewTables.MVTableID, base.MaterializedViewGroup)
	}
	return newTables, nil
}

type groupedSst struct {
	groupID base.CompactionGroupID
	sst     *manifest.SstableInfo
}

// validateAndSplitSsts verifies each SST's declared group against the
// table-group index and repairs mismatches. An SST whose table set spans
// groups, due to group reassignment racing the flush, is replaced by
// tombstone-free clones with fresh object ids, one per matching group.
func (m *Manager) validateAndSplitSsts(
	current *manifest.Version, ssts []LocalSstableInfo,
	newTables map[base.TableID]base.CompactionGroupID,
) ([]groupedSst, error) {
	groupOf := func(id base.TableID) (base.CompactionGroupID, bool) {
		if info, ok := current.StateTableInfo.Get(id); ok {
			return info.CompactionGroupID, true
		}
		g, ok := newTables[id]
		return g, ok
	}

	out := make([]groupedSst, 0, len(ssts))
	for _, local := range ssts {
		matched := true
		for _, id := range local.SstInfo.TableIDs {
			g, ok := groupOf(id)
			if !ok || g != local.CompactionGroupID {
				matched = false
				break
			}
		}
		if matched && local.CompactionGroupID != base.NewCompactionGroup {
			out = append(out, groupedSst{groupID: local.CompactionGroupID, sst: local.SstInfo})
			continue
		}

		// Partition the SST's tables by their actual group, in first-seen
		// order so the split is deterministic.
		var order []base.CompactionGroupID
		byGroup := make(map[base.CompactionGroupID][]base.TableID)
		for _, id := range local.SstInfo.TableIDs {
			g, ok := groupOf(id)
			if !ok {
				return nil, errors.Wrapf(ErrCommitRejected,
					"sst %d references unknown table %d", local.SstInfo.SstID, id)
			}
			if _, seen := byGroup[g]; !seen {
				order = append(order, g)
			}
			byGroup[g] = append(byGroup[g], id)
		}

		start, err := m.sstSeq.allocate(uint64(len(order)))
		if err != nil {
			return nil, err
		}
		for i, g := range order {
			clone := local.SstInfo.Clone()
			clone.SstID = base.SstableID(start + uint64(i))
			clone.ObjectID = clone.SstID
			clone.TableIDs = byGroup[g]
			// The clone references the same object but only the subset's
			// key space; its tombstones are dropped rather than risking
			// deletes bleeding across groups.
			clone.TombstoneEventCount = 0
			if clone.TableStats != nil {
				for id := range clone.TableStats {
					if !slices.Contains(byGroup[g], id) {
						delete(clone.TableStats, id)
					}
				}
			}
			out = append(out, groupedSst{groupID: g, sst: clone})
		}
		m.logger.Infof("hummock: split sst %d across %d groups", local.SstInfo.SstID, len(order))
	}
	return out, nil
}
