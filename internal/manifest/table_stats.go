// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package manifest

import "github.com/hummockdb/hummock/internal/base"

// TableStats is an additive per-table statistics delta or aggregate. Fields
// are signed: compaction deltas subtract what the dropped input files
// contributed.
type TableStats struct {
	TotalKeySize        int64
	TotalValueSize      int64
	TotalKeyCount       int64
	TotalCompressedSize uint64
}

// Add folds another delta into s.
func (s *TableStats) Add(o TableStats) {
	s.TotalKeySize += o.TotalKeySize
	s.TotalValueSize += o.TotalValueSize
	s.TotalKeyCount += o.TotalKeyCount
	s.TotalCompressedSize += o.TotalCompressedSize
}

// TableStatsMap is the running aggregate keyed by table id.
type TableStatsMap map[base.TableID]TableStats

// Add folds a delta map into the aggregate.
func (m TableStatsMap) Add(delta TableStatsMap) {
	for id, d := range delta {
		s := m[id]
		s.Add(d)
		m[id] = s
	}
}

// Purge drops aggregates for tables no longer registered in the version.
func (m TableStatsMap) Purge(exists func(base.TableID) bool) {
	for id := range m {
		if !exists(id) {
			delete(m, id)
		}
	}
}

// Clone returns a copy.
func (m TableStatsMap) Clone() TableStatsMap {
	c := make(TableStatsMap, len(m))
	for id, s := range m {
		c[id] = s
	}
	return c
}

// AddSstStats accumulates the per-table deltas attached to newly committed
// SSTs.
func (m TableStatsMap) AddSstStats(ssts []*SstableInfo) {
	for _, sst := range ssts {
		for id, d := range sst.TableStats {
			s := m[id]
			s.Add(d)
			m[id] = s
		}
	}
}
