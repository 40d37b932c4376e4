// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package manifest

import (
	"bytes"
	"slices"

	"github.com/hummockdb/hummock/internal/base"
)

// WatermarkDirection states which side of the watermark is garbage.
type WatermarkDirection uint8

const (
	// WatermarkAscending drops keys below the watermark.
	WatermarkAscending WatermarkDirection = iota
	// WatermarkDescending drops keys above the watermark.
	WatermarkDescending
)

// EpochWatermark is the watermark a table declared at one commit epoch.
type EpochWatermark struct {
	Epoch     base.Epoch
	Watermark []byte
}

// TableWatermarks is the epoch-ordered watermark history of one table.
// Readers at epoch e use the newest entry with Epoch <= e; entries older
// than the table's safe epoch are pruned on apply.
type TableWatermarks struct {
	Direction WatermarkDirection
	// Epochs ascends by Epoch.
	Epochs []EpochWatermark
}

// Clone returns a copy that owns its spine.
func (w *TableWatermarks) Clone() *TableWatermarks {
	return &TableWatermarks{Direction: w.Direction, Epochs: slices.Clone(w.Epochs)}
}

// ReadWatermark returns the watermark visible to a reader at epoch e, or
// nil if none applies.
func (w *TableWatermarks) ReadWatermark(e base.Epoch) []byte {
	i, _ := slices.BinarySearchFunc(w.Epochs, e, func(ew EpochWatermark, e base.Epoch) int {
		switch {
		case ew.Epoch < e:
			return -1
		case ew.Epoch > e:
			return 1
		default:
			return 0
		}
	})
	// i is the first entry with Epoch > e unless an exact match exists.
	if i < len(w.Epochs) && w.Epochs[i].Epoch == e {
		return w.Epochs[i].Watermark
	}
	if i == 0 {
		return nil
	}
	return w.Epochs[i-1].Watermark
}

// append folds a new epoch's watermark in, skipping non-advancing values so
// the history stays strictly monotonic in both epoch and key order.
func (w *TableWatermarks) append(ew EpochWatermark) {
	if n := len(w.Epochs); n > 0 {
		last := w.Epochs[n-1]
		if ew.Epoch <= last.Epoch {
			return
		}
		cmp := bytes.Compare(ew.Watermark, last.Watermark)
		if (w.Direction == WatermarkAscending && cmp <= 0) ||
			(w.Direction == WatermarkDescending && cmp >= 0) {
			return
		}
	}
	w.Epochs = append(w.Epochs, ew)
}

// truncate drops entries no reader can use: everything older than the
// newest entry at or below the safe epoch.
func (w *TableWatermarks) truncate(safeEpoch base.Epoch) {
	cut := 0
	for cut+1 < len(w.Epochs) && w.Epochs[cut+1].Epoch <= safeEpoch {
		cut++
	}
	if cut > 0 {
		w.Epochs = slices.Clone(w.Epochs[cut:])
	}
}

// applyWatermarkDelta merges per-table watermark updates into a fresh map,
// leaving prev untouched. Untouched tables share their TableWatermarks with
// prev.
func applyWatermarkDelta(
	prev map[base.TableID]*TableWatermarks,
	delta map[base.TableID]*TableWatermarks,
	removed map[base.TableID]struct{},
) map[base.TableID]*TableWatermarks {
	next := make(map[base.TableID]*TableWatermarks, len(prev)+len(delta))
	for id, w := range prev {
		if _, ok := removed[id]; ok {
			continue
		}
		next[id] = w
	}
	for id, d := range delta {
		if _, ok := removed[id]; ok {
			continue
		}
		w, ok := next[id]
		if !ok {
			next[id] = d.Clone()
			continue
		}
		merged := w.Clone()
		for _, ew := range d.Epochs {
			merged.append(ew)
		}
		next[id] = merged
	}
	if len(next) == 0 {
		return nil
	}
	return next
}
