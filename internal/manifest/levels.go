// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package manifest

import (
	"bytes"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
)

// KeyRange is the inclusive-left key span covered by an SST. RightExclusive
// distinguishes a half-open range produced by splitting.
type KeyRange struct {
	Left           []byte
	Right          []byte
	RightExclusive bool
}

// Overlaps reports whether the two ranges share any user key.
func (r KeyRange) Overlaps(o KeyRange) bool {
	if len(r.Left) == 0 || len(o.Left) == 0 {
		return true
	}
	cmp := bytes.Compare(r.Right, o.Left)
	if cmp < 0 || (cmp == 0 && r.RightExclusive) {
		return false
	}
	cmp = bytes.Compare(o.Right, r.Left)
	if cmp < 0 || (cmp == 0 && o.RightExclusive) {
		return false
	}
	return true
}

// SstableInfo is the immutable descriptor of a physical SST. Once published
// in a version it is never mutated, only superseded by a later delta that
// drops it from the level structure.
type SstableInfo struct {
	ObjectID base.SstableID
	SstID    base.SstableID
	KeyRange KeyRange
	// FileSize is the compressed on-object-store size in bytes.
	FileSize             uint64
	UncompressedFileSize uint64
	// TableIDs lists every table the SST holds data for, ascending.
	TableIDs []base.TableID
	// TableStats carries per-table deltas produced by the SST writer. The
	// commit coordinator consumes them into the running aggregate.
	TableStats map[base.TableID]TableStats
	MaxEpoch   base.Epoch
	// TombstoneEventCount is the length of the SST's monotonic delete event
	// array; the events themselves live with the SST, not the metadata.
	TombstoneEventCount int
}

// Clone returns a deep copy. Used when splitting an SST across compaction
// groups; the clone receives fresh ids from the caller.
func (s *SstableInfo) Clone() *SstableInfo {
	c := *s
	c.KeyRange.Left = slices.Clone(s.KeyRange.Left)
	c.KeyRange.Right = slices.Clone(s.KeyRange.Right)
	c.TableIDs = slices.Clone(s.TableIDs)
	if s.TableStats != nil {
		c.TableStats = make(map[base.TableID]TableStats, len(s.TableStats))
		for id, st := range s.TableStats {
			c.TableStats[id] = st
		}
	}
	return &c
}

// Sublevel is one time-ordered slice of L0. Sub-level ids derive from the
// commit epoch, giving natural temporal ordering.
type Sublevel struct {
	SublevelID    uint64
	Tables        []*SstableInfo
	TotalFileSize uint64
}

// Level is one of the ordered, non-overlapping levels L1..Ln.
type Level struct {
	LevelIdx      int
	Tables        []*SstableInfo
	TotalFileSize uint64
}

// Levels is the per-compaction-group LSM shape: an always-unsorted L0
// organized into sub-levels, plus ordered levels L1..Ln.
type Levels struct {
	GroupID base.CompactionGroupID
	Config  CompactionConfig
	// L0 sub-levels, ascending by SublevelID.
	L0 []*Sublevel
	// Levels holds L1..Ln; Levels[i].LevelIdx == i+1.
	Levels []*Level
}

// NewLevels builds the empty level structure for a fresh compaction group.
func NewLevels(groupID base.CompactionGroupID, config CompactionConfig) *Levels {
	l := &Levels{GroupID: groupID, Config: config}
	l.Levels = make([]*Level, config.MaxLevel)
	for i := range l.Levels {
		l.Levels[i] = &Level{LevelIdx: i + 1}
	}
	return l
}

// Clone returns a copy that shares SstableInfo pointers (immutable) but owns
// all slice spines, so the copy can be mutated while the original remains a
// consistent snapshot.
func (l *Levels) Clone() *Levels {
	c := &Levels{GroupID: l.GroupID, Config: l.Config}
	c.L0 = make([]*Sublevel, len(l.L0))
	for i, sl := range l.L0 {
		c.L0[i] = &Sublevel{
			SublevelID:    sl.SublevelID,
			Tables:        slices.Clone(sl.Tables),
			TotalFileSize: sl.TotalFileSize,
		}
	}
	c.Levels = make([]*Level, len(l.Levels))
	for i, lvl := range l.Levels {
		c.Levels[i] = &Level{
			LevelIdx:      lvl.LevelIdx,
			Tables:        slices.Clone(lvl.Tables),
			TotalFileSize: lvl.TotalFileSize,
		}
	}
	return c
}

// TotalFileSize sums the compressed size of every SST in the group.
func (l *Levels) TotalFileSize() uint64 {
	var n uint64
	for _, sl := range l.L0 {
		n += sl.TotalFileSize
	}
	for _, lvl := range l.Levels {
		n += lvl.TotalFileSize
	}
	return n
}

// applyLevelDelta mutates l in place. The caller must operate on a Clone.
func (l *Levels) applyLevelDelta(d *LevelDelta) error {
	if len(d.RemovedSstIDs) > 0 {
		removed := make(map[base.SstableID]struct{}, len(d.RemovedSstIDs))
		for _, id := range d.RemovedSstIDs {
			removed[id] = struct{}{}
		}
		l.removeSsts(removed)
	}
	if len(d.InsertedSsts) == 0 {
		return nil
	}
	if d.LevelIdx == 0 {
		return l.insertSublevel(d.SublevelID, d.InsertedSsts)
	}
	if d.LevelIdx < 1 || d.LevelIdx > len(l.Levels) {
		return errors.Newf("hummock: level delta targets level %d of %d", d.LevelIdx, len(l.Levels))
	}
	lvl := l.Levels[d.LevelIdx-1]
	lvl.Tables = append(lvl.Tables, d.InsertedSsts...)
	slices.SortStableFunc(lvl.Tables, func(a, b *SstableInfo) int {
		return bytes.Compare(a.KeyRange.Left, b.KeyRange.Left)
	})
	for _, sst := range d.InsertedSsts {
		lvl.TotalFileSize += sst.FileSize
	}
	return nil
}

func (l *Levels) insertSublevel(sublevelID uint64, ssts []*SstableInfo) error {
	var size uint64
	for _, sst := range ssts {
		size += sst.FileSize
	}
	i, found := slices.BinarySearchFunc(l.L0, sublevelID, func(sl *Sublevel, id uint64) int {
		switch {
		case sl.SublevelID < id:
			return -1
		case sl.SublevelID > id:
			return 1
		default:
			return 0
		}
	})
	if found {
		// A commit appends exactly one sub-level per group keyed by its
		// epoch; hitting an existing id means an epoch was reused.
		return errors.Newf("hummock: duplicate L0 sub-level %d in group %d", sublevelID, l.GroupID)
	}
	sl := &Sublevel{SublevelID: sublevelID, Tables: ssts, TotalFileSize: size}
	l.L0 = slices.Insert(l.L0, i, sl)
	return nil
}

func (l *Levels) removeSsts(removed map[base.SstableID]struct{}) {
	keep := func(tables []*SstableInfo) ([]*SstableInfo, uint64) {
		var dropped uint64
		out := tables[:0]
		for _, sst := range tables {
			if _, ok := removed[sst.SstID]; ok {
				dropped += sst.FileSize
				continue
			}
			out = append(out, sst)
		}
		return out, dropped
	}
	l.L0 = slices.DeleteFunc(l.L0, func(sl *Sublevel) bool {
		var dropped uint64
		sl.Tables, dropped = keep(sl.Tables)
		sl.TotalFileSize -= dropped
		return len(sl.Tables) == 0
	})
	for _, lvl := range l.Levels {
		var dropped uint64
		lvl.Tables, dropped = keep(lvl.Tables)
		lvl.TotalFileSize -= dropped
	}
}

// CompactionConfig holds the per-group compaction policy knobs.
type CompactionConfig struct {
	// MaxLevel is the number of non-overlapping levels below L0.
	MaxLevel int
	// MaxBytesForLevelBase bounds the base level; deeper levels grow by
	// MaxBytesForLevelMultiplier.
	MaxBytesForLevelBase       uint64
	MaxBytesForLevelMultiplier uint64
	// MaxSpaceReclaimBytes budgets a single space-reclaim task.
	MaxSpaceReclaimBytes uint64
}

// DefaultCompactionConfig mirrors the defaults a fresh cluster boots with.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		MaxLevel:                   6,
		MaxBytesForLevelBase:       512 << 20,
		MaxBytesForLevelMultiplier: 5,
		MaxSpaceReclaimBytes:       512 << 20,
	}
}
