// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package hummock

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the manager's operational counters. All collectors are
// registered on the Options.MetricsRegisterer if one is provided.
type Metrics struct {
	CommitCount       prometheus.Counter
	CommitFailures    prometheus.Counter
	CommitDuration    prometheus.Histogram
	CommitBytes       prometheus.Histogram
	VersionID         prometheus.Gauge
	MaxCommittedEpoch prometheus.Gauge
	SstableCount      prometheus.Gauge
	TotalFileSize     prometheus.Gauge
	CheckpointCount   prometheus.Counter
	TasksPicked       *prometheus.CounterVec
	TasksReported     *prometheus.CounterVec
	PendingTaskCount  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommitCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hummock", Name: "commit_total",
			Help: "Number of successful epoch commits.",
		}),
		CommitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hummock", Name: "commit_failures_total",
			Help: "Number of rejected or failed epoch commits.",
		}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hummock", Name: "commit_duration_seconds",
			Help:    "Latency of the commit critical section.",
			Buckets: prometheus.ExponentialBuckets(1e-4, 2, 16),
		}),
		CommitBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hummock", Name: "commit_bytes",
			Help:    "Compressed bytes of SSTs published per commit.",
			Buckets: prometheus.ExponentialBuckets(1<<20, 2, 16),
		}),
		VersionID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hummock", Name: "version_id",
			Help: "Id of the current version snapshot.",
		}),
		MaxCommittedEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hummock", Name: "max_committed_epoch",
			Help: "Max committed epoch of the current version.",
		}),
		SstableCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hummock", Name: "sstable_count",
			Help: "SST descriptors referenced by the current version.",
		}),
		TotalFileSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hummock", Name: "total_file_size_bytes",
			Help: "Compressed bytes referenced by the current version.",
		}),
		CheckpointCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hummock", Name: "checkpoint_total",
			Help: "Number of delta-log checkpoints taken.",
		}),
		TasksPicked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hummock", Name: "compaction_tasks_picked_total",
			Help: "Compaction tasks handed out, by task type.",
		}, []string{"type"}),
		TasksReported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hummock", Name: "compaction_tasks_reported_total",
			Help: "Compaction task outcomes, by task type and status.",
		}, []string{"type", "status"}),
		PendingTaskCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hummock", Name: "compaction_tasks_pending",
			Help: "Compaction tasks currently in flight.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CommitCount, m.CommitFailures, m.CommitDuration, m.CommitBytes,
			m.VersionID, m.MaxCommittedEpoch, m.SstableCount, m.TotalFileSize,
			m.CheckpointCount, m.TasksPicked, m.TasksReported, m.PendingTaskCount,
		)
	}
	return m
}

// observeVersion refreshes the gauges derived from an installed version.
func (m *Metrics) observeVersion(id uint64, epoch uint64, ssts int, bytes uint64) {
	m.VersionID.Set(float64(id))
	m.MaxCommittedEpoch.Set(float64(epoch))
	m.SstableCount.Set(float64(ssts))
	m.TotalFileSize.Set(float64(bytes))
}
