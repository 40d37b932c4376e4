// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package hummock

import (
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
)

// DynamicLevelSelector is the shape-driven leveling selector: once enough
// L0 sub-levels accumulate it compacts the whole L0 set, together with the
// overlapping run of the base level, into the dynamically chosen base
// level. Sub-levels must compact together and oldest-first, or newer
// deltas could surface beneath older ones.
type DynamicLevelSelector struct {
	// L0SublevelTrigger is the sub-level count that makes a group
	// eligible.
	L0SublevelTrigger int
}

// NewDynamicLevelSelector returns a selector with the default trigger.
func NewDynamicLevelSelector() *DynamicLevelSelector {
	return &DynamicLevelSelector{L0SublevelTrigger: 4}
}

// Name implements Selector.
func (s *DynamicLevelSelector) Name() string { return "DynamicLevelCompaction" }

// TaskType implements Selector.
func (s *DynamicLevelSelector) TaskType() TaskType { return TaskTypeDynamic }

// PickCompaction implements Selector.
func (s *DynamicLevelSelector) PickCompaction(
	taskID base.TaskID,
	levels *manifest.Levels,
	memberTables map[base.TableID]struct{},
	handler *LevelHandler,
	_ manifest.TableStatsMap,
) *CompactionTask {
	if len(levels.L0) < s.L0SublevelTrigger {
		return nil
	}
	sizing := calculateLevelSizing(levels)

	var l0 []*manifest.SstableInfo
	for _, sl := range levels.L0 {
		for _, sst := range sl.Tables {
			if handler.IsPending(sst.SstID) {
				// A partial L0 compaction would reorder epochs; wait for
				// the in-flight task instead.
				return nil
			}
			l0 = append(l0, sst)
		}
	}
	if len(l0) == 0 {
		return nil
	}

	var baseInput []*manifest.SstableInfo
	for _, sst := range levels.Levels[sizing.BaseLevel-1].Tables {
		if !overlapsAny(sst, l0) {
			continue
		}
		if handler.IsPending(sst.SstID) {
			return nil
		}
		baseInput = append(baseInput, sst)
	}

	input := []InputLevel{{LevelIdx: 0, Tables: l0}}
	if len(baseInput) > 0 {
		input = append(input, InputLevel{LevelIdx: sizing.BaseLevel, Tables: baseInput})
	}
	return &CompactionTask{
		ID:               taskID,
		GroupID:          levels.GroupID,
		TaskType:         TaskTypeDynamic,
		InputLevels:      input,
		TargetLevel:      sizing.BaseLevel,
		BaseLevel:        sizing.BaseLevel,
		Config:           levels.Config,
		ExistingTableIDs: sortedTableIDs(memberTables),
	}
}

func overlapsAny(sst *manifest.SstableInfo, others []*manifest.SstableInfo) bool {
	for _, o := range others {
		if sst.KeyRange.Overlaps(o.KeyRange) {
			return true
		}
	}
	return false
}
