// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package manifest

import (
	"maps"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/invariants"
)

// StateTableInfo records, per table, the latest committed epoch, the oldest
// epoch still readable, and the table's compaction group.
type StateTableInfo struct {
	CommittedEpoch    base.Epoch
	SafeEpoch         base.Epoch
	CompactionGroupID base.CompactionGroupID
}

// StateTableInfoDelta is the per-table entry of a version delta's state
// table section.
type StateTableInfoDelta struct {
	CommittedEpoch    base.Epoch
	SafeEpoch         base.Epoch
	CompactionGroupID base.CompactionGroupID
}

// StateTableIndex holds the flat table map and the derived reverse index
// from compaction group to member tables. The two structures are kept
// mutually consistent by ApplyDelta; under invariant builds the reverse
// index is additionally compared against a from-scratch rebuild after every
// mutation.
type StateTableIndex struct {
	info         map[base.TableID]StateTableInfo
	groupMembers map[base.CompactionGroupID]map[base.TableID]struct{}
}

// NewStateTableIndex returns an empty index.
func NewStateTableIndex() *StateTableIndex {
	return &StateTableIndex{
		info:         make(map[base.TableID]StateTableInfo),
		groupMembers: make(map[base.CompactionGroupID]map[base.TableID]struct{}),
	}
}

// Clone returns a deep copy.
func (s *StateTableIndex) Clone() *StateTableIndex {
	c := &StateTableIndex{
		info:         maps.Clone(s.info),
		groupMembers: make(map[base.CompactionGroupID]map[base.TableID]struct{}, len(s.groupMembers)),
	}
	for g, members := range s.groupMembers {
		c.groupMembers[g] = maps.Clone(members)
	}
	return c
}

// Info returns the flat per-table map. Callers must not mutate it.
func (s *StateTableIndex) Info() map[base.TableID]StateTableInfo { return s.info }

// Get returns the info for a single table.
func (s *StateTableIndex) Get(id base.TableID) (StateTableInfo, bool) {
	info, ok := s.info[id]
	return info, ok
}

// Len returns the number of registered tables.
func (s *StateTableIndex) Len() int { return len(s.info) }

// GroupMemberTableIDs returns the sorted member tables of a group.
func (s *StateTableIndex) GroupMemberTableIDs(g base.CompactionGroupID) []base.TableID {
	members := s.groupMembers[g]
	ids := make([]base.TableID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// GroupMemberCount returns the number of tables in a group.
func (s *StateTableIndex) GroupMemberCount(g base.CompactionGroupID) int {
	return len(s.groupMembers[g])
}

// Groups returns the ids of every group with at least one member, sorted.
func (s *StateTableIndex) Groups() []base.CompactionGroupID {
	groups := make([]base.CompactionGroupID, 0, len(s.groupMembers))
	for g := range s.groupMembers {
		groups = append(groups, g)
	}
	slices.Sort(groups)
	return groups
}

// TableGroupMapping returns a flat table→group map.
func (s *StateTableIndex) TableGroupMapping() map[base.TableID]base.CompactionGroupID {
	m := make(map[base.TableID]base.CompactionGroupID, len(s.info))
	for id, info := range s.info {
		m[id] = info.CompactionGroupID
	}
	return m
}

// ApplyDelta applies the per-table deltas and removals to the index and
// returns the prior info of every changed table (nil entry for tables that
// were newly inserted). Epoch regression and a diverged reverse index are
// programming errors and panic.
func (s *StateTableIndex) ApplyDelta(
	delta map[base.TableID]StateTableInfoDelta, removed map[base.TableID]struct{},
) map[base.TableID]*StateTableInfo {
	changed := make(map[base.TableID]*StateTableInfo)
	for id := range removed {
		prev, ok := s.info[id]
		if !ok {
			// Removal of an unknown table is tolerated; the drop may race
			// with a commit that never registered it.
			continue
		}
		delete(s.info, id)
		s.removeGroupMember(prev.CompactionGroupID, id)
		prevCopy := prev
		changed[id] = &prevCopy
	}
	for id, d := range delta {
		if _, ok := removed[id]; ok {
			continue
		}
		next := StateTableInfo{
			CommittedEpoch:    d.CommittedEpoch,
			SafeEpoch:         d.SafeEpoch,
			CompactionGroupID: d.CompactionGroupID,
		}
		prev, ok := s.info[id]
		if !ok {
			s.addGroupMember(next.CompactionGroupID, id)
			s.info[id] = next
			changed[id] = nil
			continue
		}
		if next.SafeEpoch < prev.SafeEpoch || next.CommittedEpoch < prev.CommittedEpoch {
			panic(errors.AssertionFailedf(
				"hummock: state table info regress: table %d prev %+v next %+v", id, prev, next))
		}
		if prev.CompactionGroupID != next.CompactionGroupID {
			// Table moved to another compaction group.
			s.removeGroupMember(prev.CompactionGroupID, id)
			s.addGroupMember(next.CompactionGroupID, id)
		}
		s.info[id] = next
		prevCopy := prev
		changed[id] = &prevCopy
	}
	if invariants.Enabled {
		s.checkConsistency()
	}
	return changed
}

func (s *StateTableIndex) addGroupMember(g base.CompactionGroupID, id base.TableID) {
	members, ok := s.groupMembers[g]
	if !ok {
		members = make(map[base.TableID]struct{})
		s.groupMembers[g] = members
	}
	if _, dup := members[id]; dup {
		panic(errors.AssertionFailedf("hummock: table %d already a member of group %d", id, g))
	}
	members[id] = struct{}{}
}

func (s *StateTableIndex) removeGroupMember(g base.CompactionGroupID, id base.TableID) {
	members, ok := s.groupMembers[g]
	if !ok {
		panic(errors.AssertionFailedf("hummock: reverse index missing group %d", g))
	}
	if _, ok := members[id]; !ok {
		panic(errors.AssertionFailedf("hummock: reverse index missing table %d in group %d", id, g))
	}
	delete(members, id)
	if len(members) == 0 {
		delete(s.groupMembers, g)
	}
}

// checkConsistency compares the reverse index against a rebuild from the
// flat map.
func (s *StateTableIndex) checkConsistency() {
	rebuilt := make(map[base.CompactionGroupID]map[base.TableID]struct{})
	for id, info := range s.info {
		members, ok := rebuilt[info.CompactionGroupID]
		if !ok {
			members = make(map[base.TableID]struct{})
			rebuilt[info.CompactionGroupID] = members
		}
		members[id] = struct{}{}
	}
	if len(rebuilt) != len(s.groupMembers) {
		panic(errors.AssertionFailedf(
			"hummock: reverse index diverged: %d groups, rebuilt %d", len(s.groupMembers), len(rebuilt)))
	}
	for g, members := range rebuilt {
		if !maps.Equal(members, s.groupMembers[g]) {
			panic(errors.AssertionFailedf("hummock: reverse index diverged for group %d", g))
		}
	}
}
