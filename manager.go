// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package hummock implements the metadata and compaction-control core of
// an LSM-based storage engine: a multi-versioned view of the SST files
// constituting the database, the epoch-commit protocol that publishes new
// SSTs atomically, compaction-group assignment, and selection/tracking of
// background compaction work.
package hummock

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
	"github.com/hummockdb/hummock/metastore"
)

// Metadata store key layout. Delta keys embed the big-endian version id so
// an ordered scan replays the log in application order.
var (
	keyCheckpoint  = []byte("hummock/checkpoint")
	keyStats       = []byte("hummock/stats")
	keyDeltaPrefix = []byte("hummock/delta/")
	keySeqSstable  = []byte("hummock/seq/sstable")
	keySeqTask     = []byte("hummock/seq/task")
)

func deltaKey(id base.VersionID) []byte {
	k := make([]byte, len(keyDeltaPrefix)+8)
	copy(k, keyDeltaPrefix)
	binary.BigEndian.PutUint64(k[len(keyDeltaPrefix):], uint64(id))
	return k
}

// Manager owns the authoritative version and serializes every mutation to
// it. Readers obtain immutable snapshots and never block writers.
type Manager struct {
	opts    *Options
	logger  base.Logger
	store   metastore.Store
	sstSeq  *sequence
	taskSeq *sequence
	metrics *Metrics

	snapshot   snapshotHolder
	throughput *throughputTracker
	limits     *writeLimits

	// owners records which worker context produced each SST object, for
	// lease/GC bookkeeping outside this core. Keyed by base.SstableID.
	owners sync.Map

	// versioning is the exclusive-write, shared-read guard over the
	// authoritative version, the delta log tail and the statistics
	// aggregate.
	versioning struct {
		sync.RWMutex
		current               *manifest.Version
		stats                 manifest.TableStatsMap
		deltasSinceCheckpoint int
	}

	compaction compactionState
}

// Open loads the newest checkpoint from the store, replays the delta log
// on top of it, and returns a ready manager. A store with no prior state
// is bootstrapped with the two static compaction groups.
func Open(store metastore.Store, opts *Options) (*Manager, error) {
	if opts == nil {
		opts = &Options{}
	}
	opts.EnsureDefaults()

	m := &Manager{opts: opts, logger: opts.Logger, store: store}

	current, err := loadVersion(store, opts.CompactionConfig)
	if err != nil {
		return nil, err
	}
	stats, err := loadStats(store)
	if err != nil {
		return nil, err
	}

	if m.sstSeq, err = newSequence(store, keySeqSstable, opts.IDAllocationChunk); err != nil {
		return nil, err
	}
	if m.taskSeq, err = newSequence(store, keySeqTask, opts.IDAllocationChunk); err != nil {
		return nil, err
	}

	m.versioning.current = current
	m.versioning.stats = stats
	m.snapshot.store(Snapshot{
		CommittedEpoch: current.MaxCommittedEpoch,
		CurrentEpoch:   current.MaxCommittedEpoch,
	})

	m.metrics = newMetrics(opts.MetricsRegisterer)
	m.metrics.observeVersion(uint64(current.ID), uint64(current.MaxCommittedEpoch),
		current.SstableCount(), current.TotalFileSize())

	m.throughput = newThroughputTracker(opts.ThroughputWindow)
	m.limits = newWriteLimits(opts.WriteLimiterL0Threshold)
	m.limits.refresh(current)
	m.compaction.init()

	m.logger.Infof("hummock: opened at version %d, epoch %d, %d groups, %d tables",
		current.ID, current.MaxCommittedEpoch, len(current.Levels), current.StateTableInfo.Len())
	return m, nil
}

func loadVersion(store metastore.Store, config manifest.CompactionConfig) (*manifest.Version, error) {
	var current *manifest.Version
	raw, err := store.Get(keyCheckpoint)
	switch {
	case errors.Is(err, metastore.ErrKeyNotFound):
		current = manifest.NewInitVersion(config)
	case err != nil:
		return nil, err
	default:
		payload, err := metastore.DecodeRecord(raw)
		if err != nil {
			return nil, err
		}
		if current, err = manifest.DecodeCheckpoint(payload); err != nil {
			return nil, err
		}
	}

	err = store.Scan(keyDeltaPrefix, func(_, value []byte) error {
		payload, err := metastore.DecodeRecord(value)
		if err != nil {
			return err
		}
		delta, err := manifest.DecodeVersionDelta(payload)
		if err != nil {
			return err
		}
		if delta.ID <= current.ID {
			// Older than the checkpoint; superseded.
			return nil
		}
		next, _, err := current.Apply(delta)
		if err != nil {
			return errors.Wrapf(err, "replaying delta %d", delta.ID)
		}
		current = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return current, nil
}

func loadStats(store metastore.Store) (manifest.TableStatsMap, error) {
	raw, err := store.Get(keyStats)
	if errors.Is(err, metastore.ErrKeyNotFound) {
		return make(manifest.TableStatsMap), nil
	}
	if err != nil {
		return nil, err
	}
	payload, err := metastore.DecodeRecord(raw)
	if err != nil {
		return nil, err
	}
	return manifest.DecodeTableStats(payload)
}

// Close releases the manager and its store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// CurrentVersion returns the current immutable version snapshot.
func (m *Manager) CurrentVersion() *manifest.Version {
	m.versioning.RLock()
	defer m.versioning.RUnlock()
	return m.versioning.current
}

// LatestSnapshot returns the most recently published epoch snapshot.
func (m *Manager) LatestSnapshot() Snapshot { return m.snapshot.load() }

// GroupMemberTableIDs returns the sorted tables of a compaction group in
// the current version.
func (m *Manager) GroupMemberTableIDs(g base.CompactionGroupID) []base.TableID {
	return m.CurrentVersion().StateTableInfo.GroupMemberTableIDs(g)
}

// TableStats returns a copy of the running statistics aggregate.
func (m *Manager) TableStats() manifest.TableStatsMap {
	m.versioning.RLock()
	defer m.versioning.RUnlock()
	return m.versioning.stats.Clone()
}

// Metrics returns the manager's metric collectors.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// SstableOwner returns the worker context recorded for an SST object at
// commit time, if any.
func (m *Manager) SstableOwner(id base.SstableID) (base.ContextID, bool) {
	v, ok := m.owners.Load(id)
	if !ok {
		return 0, false
	}
	return v.(base.ContextID), true
}

// TableWriteThroughput returns a table's recent per-commit write volumes,
// oldest first.
func (m *Manager) TableWriteThroughput(id base.TableID) []uint64 {
	return m.throughput.History(id)
}

// AdmitWrite reports whether writing n bytes into the group is within the
// group's current ingest budget, and if not, a suggested backoff.
func (m *Manager) AdmitWrite(g base.CompactionGroupID, n uint64) (bool, time.Duration) {
	return m.limits.Admit(g, n)
}

// AllocateSstableIDs reserves n fresh SST object ids. The underlying
// sequence is crash-safe and never reuses an id.
func (m *Manager) AllocateSstableIDs(n uint64) (base.SstableID, error) {
	start, err := m.sstSeq.allocate(n)
	return base.SstableID(start), err
}

// persistAndInstall durably writes the delta plus the updated statistics
// in one transaction and only then installs the pre-applied version. On
// persistence failure nothing is installed and the current version is
// untouched. Callers must hold the versioning write lock.
func (m *Manager) persistAndInstall(
	next *manifest.Version, delta *manifest.VersionDelta, stats manifest.TableStatsMap,
) error {
	batch := &metastore.Batch{}
	batch.Set(deltaKey(delta.ID), metastore.EncodeRecord(delta.Encode()))
	batch.Set(keyStats, metastore.EncodeRecord(manifest.EncodeTableStats(stats)))
	if err := m.store.Commit(batch); err != nil {
		return errors.Wrap(err, "hummock: persisting version delta")
	}

	m.versioning.current = next
	m.versioning.stats = stats
	m.versioning.deltasSinceCheckpoint++
	m.metrics.observeVersion(uint64(next.ID), uint64(next.MaxCommittedEpoch),
		next.SstableCount(), next.TotalFileSize())

	if m.opts.CheckpointInterval > 0 &&
		m.versioning.deltasSinceCheckpoint >= m.opts.CheckpointInterval {
		// Best effort: a failed checkpoint only delays log truncation.
		if err := m.checkpointLocked(); err != nil {
			m.logger.Errorf("hummock: checkpoint failed: %v", err)
		}
	}
	return nil
}

// Checkpoint folds the delta log into a single checkpoint record and
// deletes the superseded deltas in the same transaction.
func (m *Manager) Checkpoint() error {
	m.versioning.Lock()
	defer m.versioning.Unlock()
	return m.checkpointLocked()
}

func (m *Manager) checkpointLocked() error {
	current := m.versioning.current
	batch := &metastore.Batch{}
	batch.Set(keyCheckpoint, metastore.EncodeRecord(manifest.EncodeCheckpoint(current)))
	err := m.store.Scan(keyDeltaPrefix, func(key, _ []byte) error {
		id := base.VersionID(binary.BigEndian.Uint64(key[len(keyDeltaPrefix):]))
		if id <= current.ID {
			batch.Delete(append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := m.store.Commit(batch); err != nil {
		return errors.Wrap(err, "hummock: persisting checkpoint")
	}
	m.versioning.deltasSinceCheckpoint = 0
	m.metrics.CheckpointCount.Inc()
	m.logger.Infof("hummock: checkpointed at version %d", current.ID)
	return nil
}

// RaiseSafeEpoch advances the oldest epoch still guaranteed readable,
// typically after every reader pinned below it has released its snapshot.
// Raising to the current safe epoch is a no-op; lowering it, or raising it
// past the max committed epoch, is rejected.
func (m *Manager) RaiseSafeEpoch(epoch base.Epoch) error {
	m.versioning.Lock()
	defer m.versioning.Unlock()

	current := m.versioning.current
	if epoch < current.SafeEpoch {
		return errors.Newf("hummock: safe epoch %d would regress below %d", epoch, current.SafeEpoch)
	}
	if epoch > current.MaxCommittedEpoch {
		return errors.Newf("hummock: safe epoch %d exceeds committed epoch %d",
			epoch, current.MaxCommittedEpoch)
	}
	if epoch == current.SafeEpoch {
		return nil
	}

	delta := current.DeltaAfter()
	delta.SafeEpoch = epoch
	next, _, err := current.Apply(delta)
	if err != nil {
		return err
	}
	return m.persistAndInstall(next, delta, m.versioning.stats)
}

// UnregisterTables removes dropped tables from the state table index.
// Their data is reclaimed later by space-reclaim compaction; emptied
// compaction groups are destroyed once their levels drain.
func (m *Manager) UnregisterTables(tableIDs []base.TableID) error {
	m.versioning.Lock()
	defer m.versioning.Unlock()

	current := m.versioning.current
	delta := current.DeltaAfter()
	for _, id := range tableIDs {
		if _, ok := current.StateTableInfo.Get(id); !ok {
			continue
		}
		delta.RemovedTableIDs = append(delta.RemovedTableIDs, id)
	}
	if len(delta.RemovedTableIDs) == 0 {
		return nil
	}

	next, _, err := current.Apply(delta)
	if err != nil {
		return err
	}
	stats := m.versioning.stats.Clone()
	stats.Purge(func(id base.TableID) bool {
		_, ok := next.StateTableInfo.Get(id)
		return ok
	})
	if err := m.persistAndInstall(next, delta, stats); err != nil {
		return err
	}
	// Orphaned data is now reclaimable in every group that lost tables.
	for _, g := range next.GroupIDs() {
		m.compaction.trigger(g)
	}
	return nil
}
