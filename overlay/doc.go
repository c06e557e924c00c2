// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package overlay implements the persistent store for materialized
// working-copy data: the subset of files and directories a user has
// actually modified, keyed by locally allocated inode number.
//
// The [Overlay] owns the policy layer — inode allocation, the legacy
// inode-number backfill on directory loads, close/drain sequencing,
// and the background reclamation of removed subtrees — while the
// [Backend] interface carries the raw persistence. Two backends ship
// with driftfs: overlay/fsoverlay (sharded files, fsck on unclean
// startup) and overlay/sqliteoverlay (SQLite, crash-safe inode
// reservations). The backend is chosen at open time from
// configuration; the core logic here is written once against the
// interface.
//
// Synchronous operations (load, save, remove, file content) run on
// the calling goroutine and may block on disk, but never call back
// into checkout logic. Exactly one background goroutine exists: the
// garbage collector, which also runs initialization and serves the
// [Overlay.FlushPendingAsync] ordering barrier.
package overlay
