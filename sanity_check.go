// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package hummock

import (
	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
)

// ErrCommitRejected marks a commit that failed precondition checks. The
// version is untouched; the caller may retry after correcting the input.
var ErrCommitRejected = errors.New("hummock: commit rejected")

// sanityCheckCommit validates an incoming commit against the current
// version before any state is touched. Violations here are operational
// errors from a confused caller, not invariant violations.
func sanityCheckCommit(
	current *manifest.Version,
	info *CommitEpochInfo,
	newTables map[base.TableID]base.CompactionGroupID,
) error {
	if info.Epoch == base.InvalidEpoch {
		return errors.Wrap(ErrCommitRejected, "invalid commit epoch")
	}
	if info.Epoch <= current.MaxCommittedEpoch {
		return errors.Wrapf(ErrCommitRejected,
			"commit epoch %d not newer than committed %d", info.Epoch, current.MaxCommittedEpoch)
	}
	for _, sst := range info.Ssts {
		if len(sst.SstInfo.TableIDs) == 0 {
			return errors.Wrapf(ErrCommitRejected, "sst %d covers no tables", sst.SstInfo.SstID)
		}
		for _, id := range sst.SstInfo.TableIDs {
			_, registered := current.StateTableInfo.Get(id)
			_, registering := newTables[id]
			if !registered && !registering {
				return errors.Wrapf(ErrCommitRejected,
					"sst %d references unknown table %d", sst.SstInfo.SstID, id)
			}
		}
		if sst.SstInfo.MaxEpoch > info.Epoch {
			return errors.Wrapf(ErrCommitRejected,
				"sst %d carries epoch %d beyond commit epoch %d",
				sst.SstInfo.SstID, sst.SstInfo.MaxEpoch, info.Epoch)
		}
	}
	for id := range info.NewTableWatermarks {
		if _, ok := current.StateTableInfo.Get(id); !ok {
			if _, ok := newTables[id]; !ok {
				return errors.Wrapf(ErrCommitRejected, "watermark for unknown table %d", id)
			}
		}
	}
	for id := range info.ChangeLogDelta {
		if _, ok := current.StateTableInfo.Get(id); !ok {
			if _, ok := newTables[id]; !ok {
				return errors.Wrapf(ErrCommitRejected, "change log for unknown table %d", id)
			}
		}
	}
	return nil
}
