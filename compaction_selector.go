// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package hummock

import (
	"math"

	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
)

// Selector is one interchangeable compaction-picking algorithm. A selector
// owns private per-group picker state for the lifetime of the manager
// process and must be deterministic given identical version and handler
// state. Concurrent calls for different groups are safe; calls for the
// same group are serialized by the scheduler.
type Selector interface {
	Name() string
	TaskType() TaskType

	// PickCompaction returns a candidate task input for the group, or nil
	// when no eligible input exists, which is a normal outcome. It must
	// not select any SST pending on the handler.
	PickCompaction(
		taskID base.TaskID,
		levels *manifest.Levels,
		memberTables map[base.TableID]struct{},
		handler *LevelHandler,
		stats manifest.TableStatsMap,
	) *CompactionTask
}

// levelSizing is the dynamic level sizing context: the base level new data
// compacts into and the byte target per level. Index 0 is unused.
type levelSizing struct {
	BaseLevel     int
	LevelMaxBytes []uint64
}

// calculateLevelSizing derives the base level from the current shape: the
// bottom level's size is walked upward by the level multiplier until the
// would-be base level fits under the configured base size. An empty group
// compacts directly into the last level.
func calculateLevelSizing(l *manifest.Levels) levelSizing {
	maxLevel := l.Config.MaxLevel
	s := levelSizing{BaseLevel: maxLevel, LevelMaxBytes: make([]uint64, maxLevel+1)}
	baseBytes := l.Config.MaxBytesForLevelBase
	mult := l.Config.MaxBytesForLevelMultiplier

	bottom, bottomSize := 0, uint64(0)
	for i := maxLevel; i >= 1; i-- {
		if size := l.Levels[i-1].TotalFileSize; size > 0 {
			bottom, bottomSize = i, size
			break
		}
	}
	if bottom == 0 {
		s.LevelMaxBytes[maxLevel] = baseBytes
		return s
	}

	cur := bottomSize
	baseLevel := bottom
	for baseLevel > 1 && cur > baseBytes {
		baseLevel--
		cur /= mult
	}
	s.BaseLevel = baseLevel

	size := cur
	if size < baseBytes {
		size = baseBytes
	}
	for lvl := baseLevel; lvl <= maxLevel; lvl++ {
		s.LevelMaxBytes[lvl] = size
		if size > math.MaxUint64/mult {
			size = math.MaxUint64
		} else {
			size *= mult
		}
	}
	return s
}
