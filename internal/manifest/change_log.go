// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package manifest

import (
	"slices"

	"github.com/hummockdb/hummock/internal/base"
)

// EpochChangeLog is one epoch's worth of change-log SSTs for a table:
// the old-value files and the new-value files produced at that epoch.
type EpochChangeLog struct {
	Epochs       []base.Epoch
	OldValueSsts []*SstableInfo
	NewValueSsts []*SstableInfo
}

// TableChangeLog is the epoch-ordered change log of one table, consumed by
// downstream log readers. Entries are appended at commit and truncated once
// every subscriber has passed them.
type TableChangeLog struct {
	// Logs ascends by the first epoch of each entry.
	Logs []*EpochChangeLog
}

// Clone returns a copy that owns its spine; entries are immutable and
// shared.
func (l *TableChangeLog) Clone() *TableChangeLog {
	return &TableChangeLog{Logs: slices.Clone(l.Logs)}
}

// truncate drops entries whose newest epoch is at or below
// truncateEpoch.
func (l *TableChangeLog) truncate(truncateEpoch base.Epoch) {
	cut := 0
	for cut < len(l.Logs) {
		epochs := l.Logs[cut].Epochs
		if len(epochs) == 0 || epochs[len(epochs)-1] > truncateEpoch {
			break
		}
		cut++
	}
	if cut > 0 {
		l.Logs = slices.Clone(l.Logs[cut:])
	}
}

// ChangeLogDelta is the per-table change-log section of a version delta: an
// optional new entry plus the truncation point agreed by subscribers.
type ChangeLogDelta struct {
	NewLog        *EpochChangeLog
	TruncateEpoch base.Epoch
}

// applyChangeLogDelta merges per-table change-log updates into a fresh map,
// leaving prev untouched.
func applyChangeLogDelta(
	prev map[base.TableID]*TableChangeLog,
	delta map[base.TableID]*ChangeLogDelta,
	removed map[base.TableID]struct{},
) map[base.TableID]*TableChangeLog {
	next := make(map[base.TableID]*TableChangeLog, len(prev)+len(delta))
	for id, l := range prev {
		if _, ok := removed[id]; ok {
			continue
		}
		next[id] = l
	}
	for id, d := range delta {
		if _, ok := removed[id]; ok {
			continue
		}
		l, ok := next[id]
		if ok {
			l = l.Clone()
		} else {
			l = &TableChangeLog{}
		}
		if d.NewLog != nil {
			l.Logs = append(l.Logs, d.NewLog)
		}
		l.truncate(d.TruncateEpoch)
		if len(l.Logs) == 0 && d.NewLog == nil {
			delete(next, id)
			continue
		}
		next[id] = l
	}
	if len(next) == 0 {
		return nil
	}
	return next
}
