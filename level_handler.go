// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package hummock

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/swiss"
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
)

// LevelHandler tracks which SSTs of a compaction group are claimed by
// in-flight compaction tasks, so no SST is selected twice concurrently.
// Handlers are advisory in-memory state owned by the manager; they are
// rebuilt empty on restart, when no task can be in flight.
type LevelHandler struct {
	groupID base.CompactionGroupID
	// pending maps a claimed SST to the task holding it.
	pending *swiss.Map[base.SstableID, base.TaskID]
	// taskSsts remembers each task's claims for release on report.
	taskSsts     map[base.TaskID][]pendingSst
	pendingBytes uint64
}

type pendingSst struct {
	id   base.SstableID
	size uint64
}

func newLevelHandler(groupID base.CompactionGroupID) *LevelHandler {
	return &LevelHandler{
		groupID:  groupID,
		pending:  swiss.New[base.SstableID, base.TaskID](16),
		taskSsts: make(map[base.TaskID][]pendingSst),
	}
}

// IsPending reports whether the SST is claimed by an in-flight task.
func (h *LevelHandler) IsPending(id base.SstableID) bool {
	_, ok := h.pending.Get(id)
	return ok
}

// PendingTaskCount returns the number of in-flight tasks holding claims.
func (h *LevelHandler) PendingTaskCount() int { return len(h.taskSsts) }

// PendingBytes returns the compressed bytes currently claimed.
func (h *LevelHandler) PendingBytes() uint64 { return h.pendingBytes }

// AddPendingTask claims every SST of the task's input. Claiming an SST
// already held by another task is a selector bug.
func (h *LevelHandler) AddPendingTask(taskID base.TaskID, inputs []*manifest.SstableInfo) {
	claims := make([]pendingSst, 0, len(inputs))
	for _, sst := range inputs {
		if holder, ok := h.pending.Get(sst.SstID); ok {
			panic(errors.AssertionFailedf(
				"hummock: sst %d already pending in task %d, claimed again by task %d",
				sst.SstID, holder, taskID))
		}
		h.pending.Put(sst.SstID, taskID)
		h.pendingBytes += sst.FileSize
		claims = append(claims, pendingSst{id: sst.SstID, size: sst.FileSize})
	}
	h.taskSsts[taskID] = claims
}

// RemoveTask releases the task's claims. Unknown tasks are ignored: the
// task may belong to a group destroyed while it was in flight.
func (h *LevelHandler) RemoveTask(taskID base.TaskID) {
	claims, ok := h.taskSsts[taskID]
	if !ok {
		return
	}
	for _, c := range claims {
		h.pending.Delete(c.id)
		h.pendingBytes -= c.size
	}
	delete(h.taskSsts, taskID)
}
