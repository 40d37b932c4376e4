// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package hummock

import (
	"sync"

	"github.com/cockroachdb/redact"
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
)

// TaskType classifies why a compaction was picked.
type TaskType uint8

const (
	TaskTypeUnknown TaskType = iota
	// TaskTypeDynamic is shape-driven leveling compaction.
	TaskTypeDynamic
	// TaskTypeSpaceReclaim removes data of tables no longer in the group.
	TaskTypeSpaceReclaim
)

// SafeFormat implements redact.SafeFormatter.
func (t TaskType) SafeFormat(w redact.SafePrinter, _ rune) {
	switch t {
	case TaskTypeDynamic:
		w.SafeString("dynamic")
	case TaskTypeSpaceReclaim:
		w.SafeString("space-reclaim")
	default:
		w.Printf("unknown(%d)", redact.Safe(uint8(t)))
	}
}

// String implements fmt.Stringer.
func (t TaskType) String() string { return redact.StringWithoutMarkers(t) }

// TaskStatus is the outcome a compactor reports for a task.
type TaskStatus uint8

const (
	TaskSuccess TaskStatus = iota
	TaskFailed
	TaskCanceled
)

// String implements fmt.Stringer.
func (s TaskStatus) String() string {
	switch s {
	case TaskSuccess:
		return "success"
	case TaskFailed:
		return "failed"
	case TaskCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// InputLevel is one level's contribution to a compaction input.
type InputLevel struct {
	LevelIdx int
	Tables   []*manifest.SstableInfo
}

// CompactionTask is a unit of background compaction handed to an external
// compactor. The manager tracks it until the compactor reports back.
type CompactionTask struct {
	ID       base.TaskID
	GroupID  base.CompactionGroupID
	TaskType TaskType

	// InputLevels lists the SSTs consumed, per level.
	InputLevels []InputLevel
	// TargetLevel receives the rewritten output.
	TargetLevel int
	// BaseLevel is the group's dynamic base level at pick time.
	BaseLevel int

	Config manifest.CompactionConfig
	// ExistingTableIDs are the group's member tables at pick time; output
	// keys of any other table are dropped.
	ExistingTableIDs []base.TableID
}

// InputSstIDs returns the ids of every input SST.
func (t *CompactionTask) InputSstIDs() []base.SstableID {
	var ids []base.SstableID
	for _, lvl := range t.InputLevels {
		for _, sst := range lvl.Tables {
			ids = append(ids, sst.SstID)
		}
	}
	return ids
}

func (t *CompactionTask) inputSsts() []*manifest.SstableInfo {
	var ssts []*manifest.SstableInfo
	for _, lvl := range t.InputLevels {
		ssts = append(ssts, lvl.Tables...)
	}
	return ssts
}

// compactionState is the manager's in-flight compaction bookkeeping:
// per-group level handlers, outstanding tasks, and the trigger channel the
// scheduler listens on. Guarded by its own mutex; it is advisory state
// beside the versioned metadata.
type compactionState struct {
	sync.Mutex
	handlers map[base.CompactionGroupID]*LevelHandler
	tasks    map[base.TaskID]*CompactionTask
	triggers chan base.CompactionGroupID
}

func (c *compactionState) init() {
	c.handlers = make(map[base.CompactionGroupID]*LevelHandler)
	c.tasks = make(map[base.TaskID]*CompactionTask)
	c.triggers = make(chan base.CompactionGroupID, 64)
}

// handler returns the group's level handler, creating it on first use.
// Callers must hold the mutex.
func (c *compactionState) handler(g base.CompactionGroupID) *LevelHandler {
	h, ok := c.handlers[g]
	if !ok {
		h = newLevelHandler(g)
		c.handlers[g] = h
	}
	return h
}

// pruneLocked drops the handlers of groups absent from live, so advisory
// state does not accumulate across group churn. Callers must hold the
// mutex. A handler recreated for a still in-flight task of a destroyed
// group is dropped again on the next prune.
func (c *compactionState) pruneLocked(live map[base.CompactionGroupID]*manifest.Levels) {
	for g := range c.handlers {
		if _, ok := live[g]; !ok {
			delete(c.handlers, g)
		}
	}
}

// trigger requests a compaction sweep of the group. Best effort: if the
// scheduler's queue is full the next periodic sweep covers it.
func (c *compactionState) trigger(g base.CompactionGroupID) {
	select {
	case c.triggers <- g:
	default:
	}
}
