// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package hummock

import (
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures a Manager.
type Options struct {
	// Logger receives informational and fatal messages. Defaults to
	// base.DefaultLogger.
	Logger base.Logger

	// CompactionConfig is the policy applied to newly constructed
	// compaction groups.
	CompactionConfig manifest.CompactionConfig

	// IDAllocationChunk is the number of ids reserved per durable lease
	// write of the sstable/task id sequences. Larger chunks mean fewer
	// metadata writes and more ids discarded on restart.
	IDAllocationChunk uint64

	// CheckpointInterval is the number of deltas accumulated before the
	// manager folds the log into a checkpoint. Zero selects the default of
	// 64; a negative value disables automatic checkpointing.
	CheckpointInterval int

	// WriteLimiterL0Threshold is the L0 sub-level count above which a
	// group's write limiter starts throttling.
	WriteLimiterL0Threshold int

	// ThroughputWindow is the number of recent commits kept per table for
	// the write-throughput history.
	ThroughputWindow int

	// MetricsRegisterer, if set, receives the manager's metric
	// collectors.
	MetricsRegisterer prometheus.Registerer
}

// EnsureDefaults fills unset fields and returns opts for chaining.
func (o *Options) EnsureDefaults() *Options {
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.CompactionConfig == (manifest.CompactionConfig{}) {
		o.CompactionConfig = manifest.DefaultCompactionConfig()
	}
	if o.IDAllocationChunk == 0 {
		o.IDAllocationChunk = 1 << 10
	}
	if o.CheckpointInterval == 0 {
		o.CheckpointInterval = 64
	}
	if o.WriteLimiterL0Threshold == 0 {
		o.WriteLimiterL0Threshold = 48
	}
	if o.ThroughputWindow == 0 {
		o.ThroughputWindow = 16
	}
	return o
}
