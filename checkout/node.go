// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package checkout

import "github.com/driftfs/driftfs/scm"

// Node is a live filesystem entry in the node graph. Every node is
// either a [FileNode] or a [TreeNode]; the engine dispatches with a
// type switch over those two cases.
type Node interface {
	// Parent returns the directory node currently holding this node.
	Parent() ParentNode

	// Name returns the node's entry name within its parent. Used for
	// conflict reports and logging.
	Name() string
}

// FileNode is a node backed by file content.
type FileNode interface {
	Node

	// Matches reports whether the node's on-disk content and mode are
	// identical to the given source-control blob and mode bits. An
	// error means the on-disk state could not be read.
	Matches(blob *scm.Blob, mode uint32) (bool, error)
}

// TreeNode is a node backed by a directory.
type TreeNode interface {
	Node

	// Checkout transitions this directory from oldTree to newTree,
	// constructing one Action per changed child. A nil oldTree means
	// "no baseline": every child of newTree is treated as newly
	// arriving. Blocks until the whole subtree has been processed.
	Checkout(ctx *Context, oldTree, newTree *scm.Tree) error
}

// ParentNode is the slice of a directory node an Action uses to
// mutate one of its children. Both operations are atomic with respect
// to this engine: they either fully converge the entry or fail
// without partial state.
type ParentNode interface {
	// ReplaceEntry replaces whatever currently backs node with the
	// given source-control entry.
	ReplaceEntry(ctx *Context, node Node, entry scm.TreeEntry) error

	// RemoveChild removes the named child, which is currently backed
	// by node.
	RemoveChild(ctx *Context, name string, node Node) error
}

// NodeResult delivers an asynchronously created node. Exactly one of
// Node and Err is set.
type NodeResult struct {
	Node Node
	Err  error
}
