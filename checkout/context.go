// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package checkout

import (
	"fmt"
	"log/slog"
	"sync"
)

// ConflictType classifies a divergence between the user's on-disk
// state and the expected prior source-control state.
type ConflictType uint8

const (
	// ConflictModified: the entry was modified on disk since the
	// checked-out commit. The only kind this engine detects itself.
	ConflictModified ConflictType = iota

	// ConflictRemovedModified: the new commit removes an entry the
	// user modified. Recorded by the directory-level orchestrator.
	ConflictRemovedModified

	// ConflictUntrackedAdded: the new commit adds an entry where an
	// untracked file already exists. Recorded by the orchestrator.
	ConflictUntrackedAdded
)

// String returns the human-readable name of a conflict type.
func (t ConflictType) String() string {
	switch t {
	case ConflictModified:
		return "modified"
	case ConflictRemovedModified:
		return "removed-modified"
	case ConflictUntrackedAdded:
		return "untracked-added"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Conflict records one detected divergence and the node it concerns.
type Conflict struct {
	Type ConflictType
	Node Node
}

// Context carries whole-checkout policy and accumulates the conflict
// list. One Context spans an entire checkout operation; it is shared
// by every Action the operation constructs and is safe for concurrent
// use.
type Context struct {
	force  bool
	logger *slog.Logger

	mu        sync.Mutex
	conflicts []Conflict
}

// NewContext creates a checkout context. When force is true, detected
// conflicts are recorded but do not block the transition. A nil
// logger discards log output.
func NewContext(force bool, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Context{force: force, logger: logger}
}

// ForceUpdate reports whether this checkout overrides conflicts.
func (c *Context) ForceUpdate() bool {
	return c.force
}

// AddConflict records a conflict for the given node.
func (c *Context) AddConflict(kind ConflictType, node Node) {
	c.mu.Lock()
	c.conflicts = append(c.conflicts, Conflict{Type: kind, Node: node})
	c.mu.Unlock()
	c.logger.Debug("checkout conflict", "type", kind.String(), "name", node.Name())
}

// Conflicts returns a copy of the conflicts recorded so far.
func (c *Context) Conflicts() []Conflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Conflict, len(c.conflicts))
	copy(out, c.conflicts)
	return out
}

// Logger returns the context's logger.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}
