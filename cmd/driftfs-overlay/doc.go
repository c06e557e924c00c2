// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

// Driftfs-overlay inspects an overlay store offline: allocator state
// and capacity (info), raw directory records in CBOR diagnostic
// notation (dir --ino), and recorded mode bits (meta --ino). It
// never modifies the store and is safe to run against a crashed
// overlay before deciding whether to fsck it.
package main
