// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package manifest defines the persistent metadata model: immutable version
// snapshots, the deltas that connect them, and the per-group level
// structures they describe.
package manifest

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
)

// LevelDelta describes the change to a single level of one compaction
// group: SSTs removed anywhere in the group, and SSTs inserted into the
// target level. For L0 insertions SublevelID names the new sub-level.
type LevelDelta struct {
	LevelIdx      int
	SublevelID    uint64
	RemovedSstIDs []base.SstableID
	InsertedSsts  []*SstableInfo
}

// GroupConstruct creates a compaction group as part of a delta.
type GroupConstruct struct {
	Config CompactionConfig
	// ParentGroupID is set when the group splits off an existing one.
	ParentGroupID base.CompactionGroupID
}

// GroupDeltas bundles every change a delta makes to one compaction group.
// A construct, if present, applies before the level deltas; a destroy
// applies after and requires the group to be empty.
type GroupDeltas struct {
	GroupConstruct *GroupConstruct
	LevelDeltas    []*LevelDelta
	GroupDestroy   bool
}

// VersionDelta is the atomic unit of metadata change. Applying it to the
// version identified by PrevID yields the version identified by ID.
type VersionDelta struct {
	ID     base.VersionID
	PrevID base.VersionID

	GroupDeltas map[base.CompactionGroupID]*GroupDeltas

	// StateTableInfoDelta carries an entry for every table whose visible
	// state changes, including tables registered by this delta.
	StateTableInfoDelta map[base.TableID]StateTableInfoDelta
	// RemovedTableIDs lists tables unregistered by this delta.
	RemovedTableIDs []base.TableID

	// MaxCommittedEpoch advances on epoch commits and is unchanged on
	// compaction deltas.
	MaxCommittedEpoch base.Epoch
	// SafeEpoch is carried forward unchanged by commits and compactions
	// and advances only when the oldest readable epoch is raised.
	SafeEpoch base.Epoch

	// NewTableWatermarks and ChangeLogDelta carry the per-table auxiliary
	// state committed alongside the SSTs.
	NewTableWatermarks map[base.TableID]*TableWatermarks
	ChangeLogDelta     map[base.TableID]*ChangeLogDelta

	// TrivialMove marks a delta produced by a moving compaction: same SSTs
	// relocated to a deeper level with no rewrite.
	TrivialMove bool
}

// Version is an immutable snapshot of the whole metadata tree. Readers hold
// a *Version and never observe mutation; writers produce the successor via
// Apply.
type Version struct {
	ID                base.VersionID
	MaxCommittedEpoch base.Epoch
	// SafeEpoch is the oldest epoch still guaranteed readable. It bounds
	// what garbage collection and compaction may drop, never exceeds
	// MaxCommittedEpoch, and never decreases.
	SafeEpoch base.Epoch

	Levels map[base.CompactionGroupID]*Levels

	StateTableInfo *StateTableIndex

	TableWatermarks map[base.TableID]*TableWatermarks
	TableChangeLog  map[base.TableID]*TableChangeLog
}

// NewInitVersion is the bootstrap snapshot: the two static compaction
// groups, no tables, no data.
func NewInitVersion(config CompactionConfig) *Version {
	v := &Version{
		ID:             base.FirstVersionID,
		Levels:         make(map[base.CompactionGroupID]*Levels),
		StateTableInfo: NewStateTableIndex(),
	}
	for _, g := range []base.CompactionGroupID{base.StateDefaultGroup, base.MaterializedViewGroup} {
		v.Levels[g] = NewLevels(g, config)
	}
	return v
}

// DeltaAfter returns an empty delta positioned immediately after v.
func (v *Version) DeltaAfter() *VersionDelta {
	return &VersionDelta{
		ID:                v.ID + 1,
		PrevID:            v.ID,
		GroupDeltas:       make(map[base.CompactionGroupID]*GroupDeltas),
		MaxCommittedEpoch: v.MaxCommittedEpoch,
		SafeEpoch:         v.SafeEpoch,
	}
}

// Apply produces the successor version. v is not modified; the result
// shares untouched per-group structures and all SstableInfo descriptors
// with v. It returns the changed-table map from the state table index so
// the caller can maintain derived state.
func (v *Version) Apply(delta *VersionDelta) (*Version, map[base.TableID]*StateTableInfo, error) {
	if delta.PrevID != v.ID {
		return nil, nil, errors.AssertionFailedf(
			"hummock: delta %d expects version %d, applying to %d", delta.ID, delta.PrevID, v.ID)
	}
	next := &Version{
		ID:                delta.ID,
		MaxCommittedEpoch: delta.MaxCommittedEpoch,
		SafeEpoch:         delta.SafeEpoch,
		Levels:            make(map[base.CompactionGroupID]*Levels, len(v.Levels)),
		StateTableInfo:    v.StateTableInfo.Clone(),
		TableWatermarks:   v.TableWatermarks,
		TableChangeLog:    v.TableChangeLog,
	}
	if next.MaxCommittedEpoch < v.MaxCommittedEpoch {
		return nil, nil, errors.AssertionFailedf(
			"hummock: delta %d lowers max committed epoch %d to %d",
			delta.ID, v.MaxCommittedEpoch, delta.MaxCommittedEpoch)
	}
	if next.SafeEpoch < v.SafeEpoch {
		return nil, nil, errors.AssertionFailedf(
			"hummock: delta %d lowers safe epoch %d to %d",
			delta.ID, v.SafeEpoch, delta.SafeEpoch)
	}
	if next.SafeEpoch > next.MaxCommittedEpoch {
		return nil, nil, errors.AssertionFailedf(
			"hummock: delta %d raises safe epoch %d past committed epoch %d",
			delta.ID, delta.SafeEpoch, delta.MaxCommittedEpoch)
	}
	for g, levels := range v.Levels {
		next.Levels[g] = levels
	}

	for g, gd := range delta.GroupDeltas {
		if gd.GroupConstruct != nil {
			if _, ok := next.Levels[g]; ok {
				return nil, nil, errors.Newf("hummock: construct of existing group %d", g)
			}
			next.Levels[g] = NewLevels(g, gd.GroupConstruct.Config)
		}
		levels, ok := next.Levels[g]
		if !ok {
			return nil, nil, errors.Newf("hummock: delta %d targets unknown group %d", delta.ID, g)
		}
		if len(gd.LevelDeltas) > 0 {
			clone := levels.Clone()
			for _, ld := range gd.LevelDeltas {
				if err := clone.applyLevelDelta(ld); err != nil {
					return nil, nil, err
				}
			}
			next.Levels[g] = clone
			levels = clone
		}
		if gd.GroupDestroy {
			if n := next.StateTableInfo.GroupMemberCount(g); n > 0 {
				return nil, nil, errors.Newf("hummock: destroying group %d with %d member tables", g, n)
			}
			if size := levels.TotalFileSize(); size > 0 {
				return nil, nil, errors.Newf("hummock: destroying group %d holding %d bytes", g, size)
			}
			delete(next.Levels, g)
		}
	}

	removed := make(map[base.TableID]struct{}, len(delta.RemovedTableIDs))
	for _, id := range delta.RemovedTableIDs {
		removed[id] = struct{}{}
	}
	changed := next.StateTableInfo.ApplyDelta(delta.StateTableInfoDelta, removed)

	if len(delta.NewTableWatermarks) > 0 || len(removed) > 0 {
		next.TableWatermarks = applyWatermarkDelta(v.TableWatermarks, delta.NewTableWatermarks, removed)
	}
	if len(delta.ChangeLogDelta) > 0 || len(removed) > 0 {
		next.TableChangeLog = applyChangeLogDelta(v.TableChangeLog, delta.ChangeLogDelta, removed)
	}
	return next, changed, nil
}

// GroupIDs returns the ids of every live compaction group, sorted.
func (v *Version) GroupIDs() []base.CompactionGroupID {
	ids := make([]base.CompactionGroupID, 0, len(v.Levels))
	for g := range v.Levels {
		ids = append(ids, g)
	}
	slices.Sort(ids)
	return ids
}

// SstableCount returns the number of SST descriptors across all groups.
func (v *Version) SstableCount() int {
	var n int
	for _, levels := range v.Levels {
		for _, sl := range levels.L0 {
			n += len(sl.Tables)
		}
		for _, lvl := range levels.Levels {
			n += len(lvl.Tables)
		}
	}
	return n
}

// TotalFileSize returns the compressed byte total across all groups.
func (v *Version) TotalFileSize() uint64 {
	var n uint64
	for _, levels := range v.Levels {
		n += levels.TotalFileSize()
	}
	return n
}
