// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

// Driftfs-fsck checks a filesystem-backed overlay store for corrupt
// or misplaced records, offline. It reports each problem and, with
// --repair, quarantines the offending files under the overlay's
// corrupt/ directory so a later mount can proceed.
//
// Exit codes:
//
//	0  overlay is consistent (or --repair fixed it)
//	1  problems found and left in place
//	2  error (bad arguments, unreadable overlay, wrong backend)
//
// The overlay root comes from the config file (DRIFTFS_CONFIG or
// --config) or directly from --overlay.
package main
