// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package manifest

import (
	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
)

// Checkpoint codec: a full Version serialized as one record. The delta log
// is replayed on top of the newest checkpoint at startup, and folding the
// log into a new checkpoint lets old deltas be deleted.

// EncodeCheckpoint serializes a full version snapshot. Keyed sections are
// emitted in ascending key order, so equal versions encode to equal bytes.
func EncodeCheckpoint(v *Version) []byte {
	e := &deltaEncoder{}
	e.writeUvarint(uint64(v.ID))
	e.writeUvarint(uint64(v.MaxCommittedEpoch))
	e.writeUvarint(uint64(v.SafeEpoch))

	groups := sortedKeys(v.Levels)
	e.writeUvarint(uint64(len(groups)))
	for _, g := range groups {
		levels := v.Levels[g]
		e.writeUvarint(uint64(g))
		e.writeUvarint(uint64(levels.Config.MaxLevel))
		e.writeUvarint(levels.Config.MaxBytesForLevelBase)
		e.writeUvarint(levels.Config.MaxBytesForLevelMultiplier)
		e.writeUvarint(levels.Config.MaxSpaceReclaimBytes)
		e.writeUvarint(uint64(len(levels.L0)))
		for _, sl := range levels.L0 {
			e.writeUvarint(sl.SublevelID)
			e.writeUvarint(uint64(len(sl.Tables)))
			for _, sst := range sl.Tables {
				e.writeSstableInfo(sst)
			}
		}
		e.writeUvarint(uint64(len(levels.Levels)))
		for _, lvl := range levels.Levels {
			e.writeUvarint(uint64(len(lvl.Tables)))
			for _, sst := range lvl.Tables {
				e.writeSstableInfo(sst)
			}
		}
	}

	tables := sortedKeys(v.StateTableInfo.Info())
	e.writeUvarint(uint64(len(tables)))
	for _, id := range tables {
		info, _ := v.StateTableInfo.Get(id)
		e.writeUvarint(uint64(id))
		e.writeUvarint(uint64(info.CommittedEpoch))
		e.writeUvarint(uint64(info.SafeEpoch))
		e.writeUvarint(uint64(info.CompactionGroupID))
	}

	wmTables := sortedKeys(v.TableWatermarks)
	e.writeUvarint(uint64(len(wmTables)))
	for _, id := range wmTables {
		w := v.TableWatermarks[id]
		e.writeUvarint(uint64(id))
		e.writeUvarint(uint64(w.Direction))
		e.writeUvarint(uint64(len(w.Epochs)))
		for _, ew := range w.Epochs {
			e.writeUvarint(uint64(ew.Epoch))
			e.writeBytes(ew.Watermark)
		}
	}

	logTables := sortedKeys(v.TableChangeLog)
	e.writeUvarint(uint64(len(logTables)))
	for _, id := range logTables {
		l := v.TableChangeLog[id]
		e.writeUvarint(uint64(id))
		e.writeUvarint(uint64(len(l.Logs)))
		for _, log := range l.Logs {
			e.writeUvarint(uint64(len(log.Epochs)))
			for _, ep := range log.Epochs {
				e.writeUvarint(uint64(ep))
			}
			e.writeUvarint(uint64(len(log.OldValueSsts)))
			for _, sst := range log.OldValueSsts {
				e.writeSstableInfo(sst)
			}
			e.writeUvarint(uint64(len(log.NewValueSsts)))
			for _, sst := range log.NewValueSsts {
				e.writeSstableInfo(sst)
			}
		}
	}
	return e.buf
}

// DecodeCheckpoint reconstructs a version snapshot.
func DecodeCheckpoint(b []byte) (*Version, error) {
	d := &deltaDecoder{buf: b}
	v := &Version{
		Levels:         make(map[base.CompactionGroupID]*Levels),
		StateTableInfo: NewStateTableIndex(),
	}
	u, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	v.ID = base.VersionID(u)
	if u, err = d.readUvarint(); err != nil {
		return nil, err
	}
	v.MaxCommittedEpoch = base.Epoch(u)
	if u, err = d.readUvarint(); err != nil {
		return nil, err
	}
	v.SafeEpoch = base.Epoch(u)

	numGroups, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < numGroups; i++ {
		g, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		var config CompactionConfig
		if u, err = d.readUvarint(); err != nil {
			return nil, err
		}
		config.MaxLevel = int(u)
		if config.MaxBytesForLevelBase, err = d.readUvarint(); err != nil {
			return nil, err
		}
		if config.MaxBytesForLevelMultiplier, err = d.readUvarint(); err != nil {
			return nil, err
		}
		if config.MaxSpaceReclaimBytes, err = d.readUvarint(); err != nil {
			return nil, err
		}
		levels := NewLevels(base.CompactionGroupID(g), config)
		numSublevels, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		for j := uint64(0); j < numSublevels; j++ {
			sublevelID, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			ssts, err := d.readSstableInfos()
			if err != nil {
				return nil, err
			}
			if err := levels.insertSublevel(sublevelID, ssts); err != nil {
				return nil, err
			}
		}
		numLevels, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		if int(numLevels) != len(levels.Levels) {
			return nil, errors.Wrapf(ErrCorruptManifest,
				"group %d has %d levels, config says %d", g, numLevels, len(levels.Levels))
		}
		for j := uint64(0); j < numLevels; j++ {
			ssts, err := d.readSstableInfos()
			if err != nil {
				return nil, err
			}
			lvl := levels.Levels[j]
			lvl.Tables = ssts
			for _, sst := range ssts {
				lvl.TotalFileSize += sst.FileSize
			}
		}
		v.Levels[base.CompactionGroupID(g)] = levels
	}

	numTables, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	tableDelta := make(map[base.TableID]StateTableInfoDelta, numTables)
	for i := uint64(0); i < numTables; i++ {
		id, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		var td StateTableInfoDelta
		if u, err = d.readUvarint(); err != nil {
			return nil, err
		}
		td.CommittedEpoch = base.Epoch(u)
		if u, err = d.readUvarint(); err != nil {
			return nil, err
		}
		td.SafeEpoch = base.Epoch(u)
		if u, err = d.readUvarint(); err != nil {
			return nil, err
		}
		td.CompactionGroupID = base.CompactionGroupID(u)
		tableDelta[base.TableID(id)] = td
	}
	v.StateTableInfo.ApplyDelta(tableDelta, nil)

	numWm, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	if numWm > 0 {
		v.TableWatermarks = make(map[base.TableID]*TableWatermarks, numWm)
	}
	for i := uint64(0); i < numWm; i++ {
		id, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		w := &TableWatermarks{}
		if u, err = d.readUvarint(); err != nil {
			return nil, err
		}
		w.Direction = WatermarkDirection(u)
		n, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		w.Epochs = make([]EpochWatermark, n)
		for j := range w.Epochs {
			if u, err = d.readUvarint(); err != nil {
				return nil, err
			}
			w.Epochs[j].Epoch = base.Epoch(u)
			if w.Epochs[j].Watermark, err = d.readBytes(); err != nil {
				return nil, err
			}
		}
		v.TableWatermarks[base.TableID(id)] = w
	}

	numLogs, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	if numLogs > 0 {
		v.TableChangeLog = make(map[base.TableID]*TableChangeLog, numLogs)
	}
	for i := uint64(0); i < numLogs; i++ {
		id, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		l := &TableChangeLog{}
		n, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		l.Logs = make([]*EpochChangeLog, n)
		for j := range l.Logs {
			log := &EpochChangeLog{}
			ne, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			log.Epochs = make([]base.Epoch, ne)
			for k := range log.Epochs {
				if u, err = d.readUvarint(); err != nil {
					return nil, err
				}
				log.Epochs[k] = base.Epoch(u)
			}
			if log.OldValueSsts, err = d.readSstableInfos(); err != nil {
				return nil, err
			}
			if log.NewValueSsts, err = d.readSstableInfos(); err != nil {
				return nil, err
			}
			l.Logs[j] = log
		}
		v.TableChangeLog[base.TableID(id)] = l
	}

	if !d.done() {
		return nil, errors.Wrapf(ErrCorruptManifest, "%d trailing bytes in checkpoint", len(d.buf))
	}
	return v, nil
}

// EncodeTableStats serializes the running statistics aggregate.
func EncodeTableStats(m TableStatsMap) []byte {
	e := &deltaEncoder{}
	ids := sortedKeys(m)
	e.writeUvarint(uint64(len(ids)))
	for _, id := range ids {
		st := m[id]
		e.writeUvarint(uint64(id))
		e.writeVarint(st.TotalKeySize)
		e.writeVarint(st.TotalValueSize)
		e.writeVarint(st.TotalKeyCount)
		e.writeUvarint(st.TotalCompressedSize)
	}
	return e.buf
}

// DecodeTableStats parses a statistics aggregate.
func DecodeTableStats(b []byte) (TableStatsMap, error) {
	d := &deltaDecoder{buf: b}
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	m := make(TableStatsMap, n)
	for i := uint64(0); i < n; i++ {
		id, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		var st TableStats
		if st.TotalKeySize, err = d.readVarint(); err != nil {
			return nil, err
		}
		if st.TotalValueSize, err = d.readVarint(); err != nil {
			return nil, err
		}
		if st.TotalKeyCount, err = d.readVarint(); err != nil {
			return nil, err
		}
		if st.TotalCompressedSize, err = d.readUvarint(); err != nil {
			return nil, err
		}
		m[base.TableID(id)] = st
	}
	return m, nil
}
