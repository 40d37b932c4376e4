// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

//go:build invariants || race

package invariants

// Enabled is true if we were built with the "invariants" or "race" build
// tags. Expensive self-checks, such as rebuilding the compaction-group
// reverse index from scratch after every mutation, run only when Enabled.
const Enabled = true
