// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package checkout implements the per-entry transition engine that
// reconciles a live on-disk entry with a target source-control commit.
//
// For every changed entry, the directory-level orchestrator constructs
// an [Action] holding the old tree entry, the optional new tree entry,
// and the live node (or a pending handle that will produce one).
// [Action.Run] fans out the object loads the decision needs, joins
// them with a pending-token counter, and — once every load has settled
// — detects conflicts and performs the minimal transition: replace the
// entry, recurse into a subdirectory checkout, or remove the entry.
//
// The node graph itself is an external collaborator. Actions see it
// only through the [Node], [FileNode], [TreeNode], and [ParentNode]
// interfaces, and never mutate a node directly: they ask the node's
// parent to replace or remove it, or ask a directory node to recurse.
package checkout
