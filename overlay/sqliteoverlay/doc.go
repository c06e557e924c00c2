// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqliteoverlay is the SQLite overlay backend: one database
// holding directory records, file content, and mode metadata keyed
// by inode number. It trades the filesystem backend's scan-based
// crash recovery for eager batched inode reservations, so startup
// cost is constant regardless of overlay size.
package sqliteoverlay
