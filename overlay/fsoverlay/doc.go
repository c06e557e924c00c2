// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package fsoverlay is the plain-filesystem overlay backend: one
// record file per inode, sharded two-hex-digits deep, written via
// atomic rename with optional at-rest compression. Crash recovery is
// scan-based; see [Checker].
package fsoverlay
