// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package hummock

import (
	"github.com/hummockdb/hummock/internal/base"
)

// PickCompaction runs one selector against one compaction group of the
// current version and, if a candidate input exists, registers the task and
// claims its input SSTs. A nil task means the group has nothing eligible
// this cycle. The selector runs outside the version write lock on an
// immutable snapshot.
//
// The snapshot is taken under the compaction lock. A report serializes its
// version install with the same lock while still holding its input claims,
// so any version read here already reflects every installed removal and
// the claim filter covers every report still in flight.
func (m *Manager) PickCompaction(selector Selector, g base.CompactionGroupID) (*CompactionTask, error) {
	m.compaction.Lock()
	defer m.compaction.Unlock()
	version := m.CurrentVersion()
	levels, ok := version.Levels[g]
	if !ok {
		delete(m.compaction.handlers, g)
		return nil, nil
	}
	memberIDs := version.StateTableInfo.GroupMemberTableIDs(g)
	members := make(map[base.TableID]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		members[id] = struct{}{}
	}
	stats := m.TableStats()

	id, err := m.taskSeq.allocate(1)
	if err != nil {
		return nil, err
	}
	taskID := base.TaskID(id)

	handler := m.compaction.handler(g)
	task := selector.PickCompaction(taskID, levels, members, handler, stats)
	if task == nil {
		return nil, nil
	}
	handler.AddPendingTask(task.ID, task.inputSsts())
	m.compaction.tasks[task.ID] = task
	m.metrics.TasksPicked.WithLabelValues(task.TaskType.String()).Inc()
	m.metrics.PendingTaskCount.Set(float64(len(m.compaction.tasks)))
	m.logger.Infof("hummock: picked %s task %d for group %d: %d input ssts",
		task.TaskType, task.ID, g, len(task.InputSstIDs()))
	return task, nil
}
