// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package hummock

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/tokenbucket"
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
)

// throughputTracker keeps a sliding window of per-table write volume per
// commit, plus a histogram of per-commit table writes. Group-split
// heuristics and operators consume the history; it is advisory state and
// never persisted.
type throughputTracker struct {
	mu      sync.Mutex
	window  int
	history map[base.TableID][]uint64
	hist    *hdrhistogram.Histogram
}

func newThroughputTracker(window int) *throughputTracker {
	return &throughputTracker{
		window:  window,
		history: make(map[base.TableID][]uint64),
		// Per-commit per-table bytes, 1B..1TiB at 3 significant figures.
		hist: hdrhistogram.New(1, 1<<40, 3),
	}
}

// record folds one commit's per-table write volume into the window.
func (t *throughputTracker) record(tableBytes map[base.TableID]uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, n := range tableBytes {
		h := append(t.history[id], n)
		if len(h) > t.window {
			h = h[len(h)-t.window:]
		}
		t.history[id] = h
		_ = t.hist.RecordValue(int64(n))
	}
}

// forget drops history for unregistered tables.
func (t *throughputTracker) forget(exists func(base.TableID) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.history {
		if !exists(id) {
			delete(t.history, id)
		}
	}
}

// History returns the recent per-commit write volumes of a table, oldest
// first.
func (t *throughputTracker) History(id base.TableID) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uint64(nil), t.history[id]...)
}

// WriteSizePercentile returns the p-th percentile of per-commit table
// write volume observed so far.
func (t *throughputTracker) WriteSizePercentile(p float64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hist.ValueAtQuantile(p)
}

const (
	// baseWriteRate is the per-group ingest budget when L0 is healthy.
	baseWriteRate = 256 << 20
)

// writeLimits maintains one token bucket per compaction group. After every
// installed version the rates are refreshed from the group's L0 shape:
// past the sub-level threshold the budget shrinks in proportion to the
// backlog, pushing back on writers before L0 degrades read amplification
// further.
type writeLimits struct {
	mu        sync.Mutex
	threshold int
	buckets   map[base.CompactionGroupID]*tokenbucket.TokenBucket
}

func newWriteLimits(threshold int) *writeLimits {
	return &writeLimits{
		threshold: threshold,
		buckets:   make(map[base.CompactionGroupID]*tokenbucket.TokenBucket),
	}
}

func (w *writeLimits) refresh(v *manifest.Version) {
	w.mu.Lock()
	defer w.mu.Unlock()
	seen := make(map[base.CompactionGroupID]struct{}, len(v.Levels))
	for g, levels := range v.Levels {
		seen[g] = struct{}{}
		rate := tokenbucket.TokensPerSecond(baseWriteRate)
		if w.threshold > 0 && len(levels.L0) > w.threshold {
			rate /= tokenbucket.TokensPerSecond(1 + len(levels.L0) - w.threshold)
		}
		tb, ok := w.buckets[g]
		if !ok {
			tb = &tokenbucket.TokenBucket{}
			tb.Init(rate, tokenbucket.Tokens(rate))
			w.buckets[g] = tb
			continue
		}
		tb.UpdateConfig(rate, tokenbucket.Tokens(rate))
	}
	for g := range w.buckets {
		if _, ok := seen[g]; !ok {
			delete(w.buckets, g)
		}
	}
}

// Admit reports whether a write of n bytes into the group is within the
// current budget, and if not, how long the writer should back off.
func (w *writeLimits) Admit(g base.CompactionGroupID, n uint64) (bool, time.Duration) {
	w.mu.Lock()
	tb, ok := w.buckets[g]
	w.mu.Unlock()
	if !ok {
		return true, 0
	}
	return tb.TryToFulfill(tokenbucket.Tokens(n))
}
