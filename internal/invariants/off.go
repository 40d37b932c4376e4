// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

//go:build !invariants && !race

package invariants

// Enabled is false in production builds.
const Enabled = false
