// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package metastore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordFraming(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	framed := EncodeRecord(payload)

	got, err := DecodeRecord(framed)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	// A flipped bit must be rejected.
	framed[3] ^= 0x40
	_, err = DecodeRecord(framed)
	require.ErrorIs(t, err, ErrRecordChecksum)

	_, err = DecodeRecord([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrRecordChecksum)
}
