// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package metastore

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
)

// Record framing for values stored through a Store: snappy-compressed
// payload followed by an 8-byte little-endian xxhash64 of the compressed
// bytes. The checksum catches torn or bit-rotted values on replay, where a
// silently corrupt delta would corrupt the reconstructed version.

// ErrRecordChecksum marks a record whose checksum does not match.
var ErrRecordChecksum = errors.New("metastore: record checksum mismatch")

// EncodeRecord frames a payload for storage.
func EncodeRecord(payload []byte) []byte {
	compressed := snappy.Encode(nil, payload)
	out := make([]byte, len(compressed)+8)
	copy(out, compressed)
	binary.LittleEndian.PutUint64(out[len(compressed):], xxhash.Sum64(compressed))
	return out
}

// DecodeRecord verifies and unframes a stored value.
func DecodeRecord(value []byte) ([]byte, error) {
	if len(value) < 8 {
		return nil, errors.Wrapf(ErrRecordChecksum, "record of %d bytes", len(value))
	}
	compressed := value[:len(value)-8]
	want := binary.LittleEndian.Uint64(value[len(value)-8:])
	if got := xxhash.Sum64(compressed); got != want {
		return nil, errors.Wrapf(ErrRecordChecksum, "got %x want %x", got, want)
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.Wrap(ErrRecordChecksum, err.Error())
	}
	return payload, nil
}
