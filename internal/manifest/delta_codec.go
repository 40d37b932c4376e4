// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package manifest

import (
	"encoding/binary"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
)

// ErrCorruptManifest marks a record that cannot be decoded. Replay treats
// it as fatal; the metadata log is the source of truth.
var ErrCorruptManifest = errors.New("hummock: corrupt manifest record")

// Tags for the versioned delta encoding. A delta is a sequence of tagged
// records, each a uvarint tag followed by a tag-specific payload. Unknown
// tags abort decoding: deltas are replayed only by binaries at least as new
// as the writer.
const (
	tagVersionID         = 1
	tagPrevVersionID     = 2
	tagMaxCommittedEpoch = 3
	tagGroupConstruct    = 4
	tagGroupDestroy      = 5
	tagLevelDelta        = 6
	tagStateTableInfo    = 7
	tagRemovedTable      = 8
	tagTableWatermarks   = 9
	tagChangeLogDelta    = 10
	tagTrivialMove       = 11
	tagSafeEpoch         = 12
)

type deltaEncoder struct {
	buf []byte
}

func (e *deltaEncoder) writeUvarint(u uint64) {
	e.buf = binary.AppendUvarint(e.buf, u)
}

func (e *deltaEncoder) writeVarint(v int64) {
	e.buf = binary.AppendVarint(e.buf, v)
}

func (e *deltaEncoder) writeBytes(b []byte) {
	e.buf = binary.AppendUvarint(e.buf, uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *deltaEncoder) writeBool(b bool) {
	if b {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *deltaEncoder) writeSstableInfo(sst *SstableInfo) {
	e.writeUvarint(uint64(sst.ObjectID))
	e.writeUvarint(uint64(sst.SstID))
	e.writeBytes(sst.KeyRange.Left)
	e.writeBytes(sst.KeyRange.Right)
	e.writeBool(sst.KeyRange.RightExclusive)
	e.writeUvarint(sst.FileSize)
	e.writeUvarint(sst.UncompressedFileSize)
	e.writeUvarint(uint64(sst.MaxEpoch))
	e.writeUvarint(uint64(sst.TombstoneEventCount))
	e.writeUvarint(uint64(len(sst.TableIDs)))
	for _, id := range sst.TableIDs {
		e.writeUvarint(uint64(id))
	}
	statIDs := sortedKeys(sst.TableStats)
	e.writeUvarint(uint64(len(statIDs)))
	for _, id := range statIDs {
		st := sst.TableStats[id]
		e.writeUvarint(uint64(id))
		e.writeVarint(st.TotalKeySize)
		e.writeVarint(st.TotalValueSize)
		e.writeVarint(st.TotalKeyCount)
		e.writeUvarint(st.TotalCompressedSize)
	}
}

// Encode serializes the delta. Map iteration order never leaks into the
// encoding: all keyed sections are emitted in ascending key order, so equal
// deltas encode to equal bytes.
func (d *VersionDelta) Encode() []byte {
	e := &deltaEncoder{}
	e.writeUvarint(tagVersionID)
	e.writeUvarint(uint64(d.ID))
	e.writeUvarint(tagPrevVersionID)
	e.writeUvarint(uint64(d.PrevID))
	e.writeUvarint(tagMaxCommittedEpoch)
	e.writeUvarint(uint64(d.MaxCommittedEpoch))
	e.writeUvarint(tagSafeEpoch)
	e.writeUvarint(uint64(d.SafeEpoch))
	if d.TrivialMove {
		e.writeUvarint(tagTrivialMove)
	}

	for _, g := range sortedKeys(d.GroupDeltas) {
		gd := d.GroupDeltas[g]
		if gc := gd.GroupConstruct; gc != nil {
			e.writeUvarint(tagGroupConstruct)
			e.writeUvarint(uint64(g))
			e.writeUvarint(uint64(gc.ParentGroupID))
			e.writeUvarint(uint64(gc.Config.MaxLevel))
			e.writeUvarint(gc.Config.MaxBytesForLevelBase)
			e.writeUvarint(gc.Config.MaxBytesForLevelMultiplier)
			e.writeUvarint(gc.Config.MaxSpaceReclaimBytes)
		}
		for _, ld := range gd.LevelDeltas {
			e.writeUvarint(tagLevelDelta)
			e.writeUvarint(uint64(g))
			e.writeUvarint(uint64(ld.LevelIdx))
			e.writeUvarint(ld.SublevelID)
			e.writeUvarint(uint64(len(ld.RemovedSstIDs)))
			for _, id := range ld.RemovedSstIDs {
				e.writeUvarint(uint64(id))
			}
			e.writeUvarint(uint64(len(ld.InsertedSsts)))
			for _, sst := range ld.InsertedSsts {
				e.writeSstableInfo(sst)
			}
		}
		if gd.GroupDestroy {
			e.writeUvarint(tagGroupDestroy)
			e.writeUvarint(uint64(g))
		}
	}

	for _, id := range sortedKeys(d.StateTableInfoDelta) {
		td := d.StateTableInfoDelta[id]
		e.writeUvarint(tagStateTableInfo)
		e.writeUvarint(uint64(id))
		e.writeUvarint(uint64(td.CommittedEpoch))
		e.writeUvarint(uint64(td.SafeEpoch))
		e.writeUvarint(uint64(td.CompactionGroupID))
	}
	removed := slices.Clone(d.RemovedTableIDs)
	slices.Sort(removed)
	for _, id := range removed {
		e.writeUvarint(tagRemovedTable)
		e.writeUvarint(uint64(id))
	}

	for _, id := range sortedKeys(d.NewTableWatermarks) {
		w := d.NewTableWatermarks[id]
		e.writeUvarint(tagTableWatermarks)
		e.writeUvarint(uint64(id))
		e.writeUvarint(uint64(w.Direction))
		e.writeUvarint(uint64(len(w.Epochs)))
		for _, ew := range w.Epochs {
			e.writeUvarint(uint64(ew.Epoch))
			e.writeBytes(ew.Watermark)
		}
	}

	for _, id := range sortedKeys(d.ChangeLogDelta) {
		cd := d.ChangeLogDelta[id]
		e.writeUvarint(tagChangeLogDelta)
		e.writeUvarint(uint64(id))
		e.writeUvarint(uint64(cd.TruncateEpoch))
		if cd.NewLog == nil {
			e.writeBool(false)
			continue
		}
		e.writeBool(true)
		e.writeUvarint(uint64(len(cd.NewLog.Epochs)))
		for _, ep := range cd.NewLog.Epochs {
			e.writeUvarint(uint64(ep))
		}
		e.writeUvarint(uint64(len(cd.NewLog.OldValueSsts)))
		for _, sst := range cd.NewLog.OldValueSsts {
			e.writeSstableInfo(sst)
		}
		e.writeUvarint(uint64(len(cd.NewLog.NewValueSsts)))
		for _, sst := range cd.NewLog.NewValueSsts {
			e.writeSstableInfo(sst)
		}
	}
	return e.buf
}

type deltaDecoder struct {
	buf []byte
}

func (d *deltaDecoder) done() bool { return len(d.buf) == 0 }

func (d *deltaDecoder) readUvarint() (uint64, error) {
	u, n := binary.Uvarint(d.buf)
	if n <= 0 {
		return 0, errors.Wrap(ErrCorruptManifest, "truncated uvarint")
	}
	d.buf = d.buf[n:]
	return u, nil
}

func (d *deltaDecoder) readVarint() (int64, error) {
	v, n := binary.Varint(d.buf)
	if n <= 0 {
		return 0, errors.Wrap(ErrCorruptManifest, "truncated varint")
	}
	d.buf = d.buf[n:]
	return v, nil
}

func (d *deltaDecoder) readBytes() ([]byte, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	if uint64(len(d.buf)) < n {
		return nil, errors.Wrapf(ErrCorruptManifest, "truncated bytes of length %d", n)
	}
	b := slices.Clone(d.buf[:n])
	d.buf = d.buf[n:]
	if len(b) == 0 {
		return nil, nil
	}
	return b, nil
}

func (d *deltaDecoder) readBool() (bool, error) {
	if len(d.buf) == 0 {
		return false, errors.Wrap(ErrCorruptManifest, "truncated bool")
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b != 0, nil
}

func (d *deltaDecoder) readSstableInfo() (*SstableInfo, error) {
	sst := &SstableInfo{}
	var err error
	var u uint64
	if u, err = d.readUvarint(); err != nil {
		return nil, err
	}
	sst.ObjectID = base.SstableID(u)
	if u, err = d.readUvarint(); err != nil {
		return nil, err
	}
	sst.SstID = base.SstableID(u)
	if sst.KeyRange.Left, err = d.readBytes(); err != nil {
		return nil, err
	}
	if sst.KeyRange.Right, err = d.readBytes(); err != nil {
		return nil, err
	}
	if sst.KeyRange.RightExclusive, err = d.readBool(); err != nil {
		return nil, err
	}
	if sst.FileSize, err = d.readUvarint(); err != nil {
		return nil, err
	}
	if sst.UncompressedFileSize, err = d.readUvarint(); err != nil {
		return nil, err
	}
	if u, err = d.readUvarint(); err != nil {
		return nil, err
	}
	sst.MaxEpoch = base.Epoch(u)
	if u, err = d.readUvarint(); err != nil {
		return nil, err
	}
	sst.TombstoneEventCount = int(u)
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	if n > 0 {
		sst.TableIDs = make([]base.TableID, n)
		for i := range sst.TableIDs {
			if u, err = d.readUvarint(); err != nil {
				return nil, err
			}
			sst.TableIDs[i] = base.TableID(u)
		}
	}
	if n, err = d.readUvarint(); err != nil {
		return nil, err
	}
	if n > 0 {
		sst.TableStats = make(map[base.TableID]TableStats, n)
		for i := uint64(0); i < n; i++ {
			if u, err = d.readUvarint(); err != nil {
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
			sst.TableStats[base.TableID(u)] = st
		}
	}
	return sst, nil
}

func (d *deltaDecoder) readSstableInfos() ([]*SstableInfo, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	ssts := make([]*SstableInfo, n)
	for i := range ssts {
		if ssts[i], err = d.readSstableInfo(); err != nil {
			return nil, err
		}
	}
	return ssts, nil
}

// DecodeVersionDelta parses one encoded delta.
func DecodeVersionDelta(b []byte) (*VersionDelta, error) {
	d := &deltaDecoder{buf: b}
	delta := &VersionDelta{GroupDeltas: make(map[base.CompactionGroupID]*GroupDeltas)}
	groupDelta := func(g base.CompactionGroupID) *GroupDeltas {
		gd, ok := delta.GroupDeltas[g]
		if !ok {
			gd = &GroupDeltas{}
			delta.GroupDeltas[g] = gd
		}
		return gd
	}
	for !d.done() {
		tag, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		switch tag {
		case tagVersionID:
			u, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			delta.ID = base.VersionID(u)

		case tagPrevVersionID:
			u, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			delta.PrevID = base.VersionID(u)

		case tagMaxCommittedEpoch:
			u, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			delta.MaxCommittedEpoch = base.Epoch(u)

		case tagSafeEpoch:
			u, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			delta.SafeEpoch = base.Epoch(u)

		case tagTrivialMove:
			delta.TrivialMove = true

		case tagGroupConstruct:
			g, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			gc := &GroupConstruct{}
			u, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			gc.ParentGroupID = base.CompactionGroupID(u)
			if u, err = d.readUvarint(); err != nil {
				return nil, err
			}
			gc.Config.MaxLevel = int(u)
			if gc.Config.MaxBytesForLevelBase, err = d.readUvarint(); err != nil {
				return nil, err
			}
			if gc.Config.MaxBytesForLevelMultiplier, err = d.readUvarint(); err != nil {
				return nil, err
			}
			if gc.Config.MaxSpaceReclaimBytes, err = d.readUvarint(); err != nil {
				return nil, err
			}
			groupDelta(base.CompactionGroupID(g)).GroupConstruct = gc

		case tagGroupDestroy:
			g, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			groupDelta(base.CompactionGroupID(g)).GroupDestroy = true

		case tagLevelDelta:
			g, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			ld := &LevelDelta{}
			u, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			ld.LevelIdx = int(u)
			if ld.SublevelID, err = d.readUvarint(); err != nil {
				return nil, err
			}
			n, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			if n > 0 {
				ld.RemovedSstIDs = make([]base.SstableID, n)
				for i := range ld.RemovedSstIDs {
					if u, err = d.readUvarint(); err != nil {
						return nil, err
					}
					ld.RemovedSstIDs[i] = base.SstableID(u)
				}
			}
			if ld.InsertedSsts, err = d.readSstableInfos(); err != nil {
				return nil, err
			}
			gd := groupDelta(base.CompactionGroupID(g))
			gd.LevelDeltas = append(gd.LevelDeltas, ld)

		case tagStateTableInfo:
			id, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			var td StateTableInfoDelta
			u, err := d.readUvarint()
			if err != nil {
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
			if delta.StateTableInfoDelta == nil {
				delta.StateTableInfoDelta = make(map[base.TableID]StateTableInfoDelta)
			}
			delta.StateTableInfoDelta[base.TableID(id)] = td

		case tagRemovedTable:
			id, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			delta.RemovedTableIDs = append(delta.RemovedTableIDs, base.TableID(id))

		case tagTableWatermarks:
			id, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			w := &TableWatermarks{}
			u, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			w.Direction = WatermarkDirection(u)
			n, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			w.Epochs = make([]EpochWatermark, n)
			for i := range w.Epochs {
				if u, err = d.readUvarint(); err != nil {
					return nil, err
				}
				w.Epochs[i].Epoch = base.Epoch(u)
				if w.Epochs[i].Watermark, err = d.readBytes(); err != nil {
					return nil, err
				}
			}
			if delta.NewTableWatermarks == nil {
				delta.NewTableWatermarks = make(map[base.TableID]*TableWatermarks)
			}
			delta.NewTableWatermarks[base.TableID(id)] = w

		case tagChangeLogDelta:
			id, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			cd := &ChangeLogDelta{}
			u, err := d.readUvarint()
			if err != nil {
				return nil, err
			}
			cd.TruncateEpoch = base.Epoch(u)
			hasLog, err := d.readBool()
			if err != nil {
				return nil, err
			}
			if hasLog {
				log := &EpochChangeLog{}
				n, err := d.readUvarint()
				if err != nil {
					return nil, err
				}
				log.Epochs = make([]base.Epoch, n)
				for i := range log.Epochs {
					if u, err = d.readUvarint(); err != nil {
						return nil, err
					}
					log.Epochs[i] = base.Epoch(u)
				}
				if log.OldValueSsts, err = d.readSstableInfos(); err != nil {
					return nil, err
				}
				if log.NewValueSsts, err = d.readSstableInfos(); err != nil {
					return nil, err
				}
				cd.NewLog = log
			}
			if delta.ChangeLogDelta == nil {
				delta.ChangeLogDelta = make(map[base.TableID]*ChangeLogDelta)
			}
			delta.ChangeLogDelta[base.TableID(id)] = cd

		default:
			return nil, errors.Wrapf(ErrCorruptManifest, "unknown tag %d", tag)
		}
	}
	return delta, nil
}

func sortedKeys[K ~uint32 | ~uint64, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
