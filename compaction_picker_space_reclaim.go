// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package hummock

import (
	"slices"

	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
)

// SpaceReclaimSelector shrinks the space held by SSTs whose tables are no
// longer members of the compaction group, orphaned by table drops. It
// scans the tree bottom-up, resuming each sweep where the previous one
// stopped, and bounds a single task by the group's space-reclaim byte
// budget.
type SpaceReclaimSelector struct {
	state map[base.CompactionGroupID]*spaceReclaimState
}

type spaceReclaimState struct {
	// lastLevel is where the previous sweep stopped; 0 restarts from the
	// bottom.
	lastLevel int
}

// NewSpaceReclaimSelector returns a selector with empty per-group state.
func NewSpaceReclaimSelector() *SpaceReclaimSelector {
	return &SpaceReclaimSelector{state: make(map[base.CompactionGroupID]*spaceReclaimState)}
}

// Name implements Selector.
func (s *SpaceReclaimSelector) Name() string { return "SpaceReclaimCompaction" }

// TaskType implements Selector.
func (s *SpaceReclaimSelector) TaskType() TaskType { return TaskTypeSpaceReclaim }

// PickCompaction implements Selector.
func (s *SpaceReclaimSelector) PickCompaction(
	taskID base.TaskID,
	levels *manifest.Levels,
	memberTables map[base.TableID]struct{},
	handler *LevelHandler,
	_ manifest.TableStatsMap,
) *CompactionTask {
	sizing := calculateLevelSizing(levels)
	state, ok := s.state[levels.GroupID]
	if !ok {
		state = &spaceReclaimState{}
		s.state[levels.GroupID] = state
	}

	input := pickSpaceReclaimInput(levels, memberTables, handler, state)
	if input == nil {
		return nil
	}
	task := &CompactionTask{
		ID:          taskID,
		GroupID:     levels.GroupID,
		TaskType:    TaskTypeSpaceReclaim,
		InputLevels: []InputLevel{*input},
		// Rewriting in place: reclaim drops orphaned keys without moving
		// the survivors across levels.
		TargetLevel:      input.LevelIdx,
		BaseLevel:        sizing.BaseLevel,
		Config:           levels.Config,
		ExistingTableIDs: sortedTableIDs(memberTables),
	}
	return task
}

// reclaimable reports whether an SST holds no data of any member table.
func reclaimable(sst *manifest.SstableInfo, memberTables map[base.TableID]struct{}) bool {
	for _, id := range sst.TableIDs {
		if _, ok := memberTables[id]; ok {
			return false
		}
	}
	return true
}

// pickSpaceReclaimInput scans L_max..L1 starting at the level the previous
// sweep stopped on, collecting unclaimed, fully-orphaned SSTs from a
// single level until the group's byte budget is exceeded. Scanning one
// level per call keeps a sweep's cost bounded; the saved level makes
// successive sweeps cover the whole tree.
func pickSpaceReclaimInput(
	levels *manifest.Levels,
	memberTables map[base.TableID]struct{},
	handler *LevelHandler,
	state *spaceReclaimState,
) *InputLevel {
	maxLevel := len(levels.Levels)
	if state.lastLevel == 0 {
		state.lastLevel = maxLevel
	}
	budget := levels.Config.MaxSpaceReclaimBytes

	for tries := 0; tries < maxLevel; tries++ {
		levelIdx := state.lastLevel
		state.lastLevel--
		if state.lastLevel == 0 {
			state.lastLevel = maxLevel
		}

		var picked []*manifest.SstableInfo
		var pickedBytes uint64
		for _, sst := range levels.Levels[levelIdx-1].Tables {
			if handler.IsPending(sst.SstID) || !reclaimable(sst, memberTables) {
				continue
			}
			picked = append(picked, sst)
			pickedBytes += sst.FileSize
			if pickedBytes >= budget {
				break
			}
		}
		if len(picked) > 0 {
			return &InputLevel{LevelIdx: levelIdx, Tables: picked}
		}
	}
	return nil
}

func sortedTableIDs(memberTables map[base.TableID]struct{}) []base.TableID {
	ids := make([]base.TableID, 0, len(memberTables))
	for id := range memberTables {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
