// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package hummock

import (
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
)

// ReportCompactTask feeds a compactor's outcome back into the version. On
// success the task's input SSTs are replaced by the produced SSTs in the
// target level through the same delta machinery as an epoch commit; the
// produced SSTs already belong to a single group, so no group derivation
// is needed. Failed or canceled tasks only release their claims. The
// return value reports whether a new version was installed.
//
// A report for an unknown task id is ignored: the task may have been
// dropped with its group or the report may be a duplicate.
//
// The compaction lock is held across the whole report, and on success the
// input claims are released only after the removal delta is installed.
// Together with PickCompaction snapshotting the version under the same
// lock, this closes the window in which a concurrent pick could see the
// inputs both unclaimed and still present.
func (m *Manager) ReportCompactTask(
	taskID base.TaskID, status TaskStatus, outputs []*manifest.SstableInfo,
) (bool, error) {
	m.compaction.Lock()
	defer m.compaction.Unlock()
	task, ok := m.compaction.tasks[taskID]
	if !ok {
		return false, nil
	}
	delete(m.compaction.tasks, taskID)
	m.metrics.PendingTaskCount.Set(float64(len(m.compaction.tasks)))
	m.metrics.TasksReported.WithLabelValues(task.TaskType.String(), status.String()).Inc()

	if status != TaskSuccess {
		m.compaction.handler(task.GroupID).RemoveTask(taskID)
		m.logger.Infof("hummock: %s task %d on group %d %s", task.TaskType, task.ID, task.GroupID, status)
		// The input remains eligible; let the next sweep retry.
		m.compaction.trigger(task.GroupID)
		return false, nil
	}

	next, err := m.installCompactTaskResult(task, outputs)
	m.compaction.handler(task.GroupID).RemoveTask(taskID)
	if err != nil {
		return false, err
	}
	if next == nil {
		// Group destroyed while the task was in flight.
		m.compaction.pruneLocked(m.CurrentVersion().Levels)
		return false, nil
	}
	m.compaction.pruneLocked(next.Levels)
	m.limits.refresh(next)
	m.compaction.trigger(task.GroupID)
	m.logger.Infof("hummock: %s task %d compacted %d ssts into %d at L%d of group %d",
		task.TaskType, task.ID, len(task.InputSstIDs()), len(outputs), task.TargetLevel, task.GroupID)
	return true, nil
}

// installCompactTaskResult builds and installs the removal delta of a
// successful task. It returns the installed version, or nil when the
// task's group no longer exists. Callers must hold the compaction lock,
// with the task's input claims still in place.
func (m *Manager) installCompactTaskResult(
	task *CompactionTask, outputs []*manifest.SstableInfo,
) (*manifest.Version, error) {
	m.versioning.Lock()
	defer m.versioning.Unlock()
	current := m.versioning.current
	if _, ok := current.Levels[task.GroupID]; !ok {
		return nil, nil
	}

	delta := current.DeltaAfter()
	delta.TrivialMove = isTrivialMove(task, outputs)
	delta.GroupDeltas[task.GroupID] = &manifest.GroupDeltas{
		LevelDeltas: []*manifest.LevelDelta{{
			LevelIdx:      task.TargetLevel,
			RemovedSstIDs: task.InputSstIDs(),
			InsertedSsts:  outputs,
		}},
	}

	next, _, err := current.Apply(delta)
	if err != nil {
		return nil, err
	}
	// Output SSTs carry per-table stat deltas from the compactor,
	// negative where keys were dropped.
	stats := m.versioning.stats.Clone()
	stats.AddSstStats(outputs)

	if err := m.persistAndInstall(next, delta, stats); err != nil {
		return nil, err
	}
	return next, nil
}

// isTrivialMove reports whether the outputs are exactly the input SSTs,
// relocated without a rewrite.
func isTrivialMove(task *CompactionTask, outputs []*manifest.SstableInfo) bool {
	inputs := task.InputSstIDs()
	if len(inputs) != len(outputs) {
		return false
	}
	in := make(map[base.SstableID]struct{}, len(inputs))
	for _, id := range inputs {
		in[id] = struct{}{}
	}
	for _, sst := range outputs {
		if _, ok := in[sst.SstID]; !ok {
			return false
		}
	}
	return true
}
