// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/driftfs/driftfs/scm"
)

// Action transitions one filesystem entry during a checkout. It loads
// the old and new source-control objects (and, if needed, the live
// node) concurrently, then decides whether a conflict blocks the
// transition and otherwise performs it.
//
// States: loading → (failed | ready) → completed. The machine is
// flat: all loads are independent and fan in to one decision point.
type Action struct {
	ctx *Context

	oldEntry scm.TreeEntry
	newEntry *scm.TreeEntry

	// nodeFuture is set instead of node when the node itself must
	// first be created (e.g. converting a file to a directory).
	nodeFuture <-chan NodeResult

	// pending counts outstanding loads, including the token held by
	// Run itself while it issues them. The goroutine that releases
	// the final token runs completion.
	pending atomic.Int64

	// mu guards the data slots and the error list. The slots are
	// single-assignment: setting one twice, or setting a tree slot
	// when the matching blob slot is set, is a wiring bug and panics.
	mu         sync.Mutex
	node       Node
	oldTree    *scm.Tree
	oldBlob    *scm.Blob
	newTree    *scm.Tree
	newBlob    *scm.Blob
	loadErrors []error

	// result is fulfilled exactly once, by whichever goroutine
	// completes the action.
	result chan error
}

// NewAction creates an action for an entry whose live node is already
// resolved. newEntry nil means the entry is being removed.
func NewAction(ctx *Context, oldEntry scm.TreeEntry, newEntry *scm.TreeEntry, node Node) *Action {
	action := newAction(ctx, oldEntry, newEntry)
	action.node = node
	return action
}

// NewActionPending creates an action whose live node will be
// delivered by nodeFuture. Exactly one NodeResult must eventually be
// sent on it.
func NewActionPending(ctx *Context, oldEntry scm.TreeEntry, newEntry *scm.TreeEntry, nodeFuture <-chan NodeResult) *Action {
	action := newAction(ctx, oldEntry, newEntry)
	action.nodeFuture = nodeFuture
	return action
}

func newAction(ctx *Context, oldEntry scm.TreeEntry, newEntry *scm.TreeEntry) *Action {
	action := &Action{
		ctx:      ctx,
		oldEntry: oldEntry,
		result:   make(chan error, 1),
	}
	if newEntry != nil {
		entry := *newEntry
		action.newEntry = &entry
	}
	return action
}

// EntryName returns the name of the entry this action transitions.
func (a *Action) EntryName() string {
	return a.oldEntry.Name
}

// Run issues every load the action needs and returns the channel that
// will carry the final result. It never blocks on object fetches: the
// loads run on their own goroutines, and whichever finishes last
// evaluates the action. A nil result value means success — which
// includes the blocked-conflict case, where the recorded conflict is
// the observable outcome and no mutation happens.
//
// Run holds its own pending token for the duration of the call so the
// counter cannot reach zero before every load has at least been
// issued, even when a fetch resolves synchronously.
func (a *Action) Run(ctx context.Context, store scm.ObjectStore) <-chan error {
	scope := a.acquireToken()
	a.issueLoads(ctx, store)
	scope.release()
	return a.result
}

// issueLoads starts one goroutine per required load. A panic while
// issuing is converted into a recorded load error, so the caller
// always receives its result through the channel.
func (a *Action) issueLoads(ctx context.Context, store scm.ObjectStore) {
	defer func() {
		if r := recover(); r != nil {
			a.recordError(fmt.Errorf("issuing checkout loads for %q: %v", a.oldEntry.Name, r))
		}
	}()

	if a.oldEntry.Type == scm.EntryTree {
		a.spawnLoad(func() {
			tree, err := store.GetTree(ctx, a.oldEntry.Hash)
			if err != nil {
				a.recordError(fmt.Errorf("fetching old tree: %w", err))
				return
			}
			a.setOldTree(tree)
		})
	} else {
		a.spawnLoad(func() {
			blob, err := store.GetBlob(ctx, a.oldEntry.Hash)
			if err != nil {
				a.recordError(fmt.Errorf("fetching old blob: %w", err))
				return
			}
			a.setOldBlob(blob)
		})
	}

	if a.newEntry != nil {
		entry := *a.newEntry
		if entry.Type == scm.EntryTree {
			a.spawnLoad(func() {
				tree, err := store.GetTree(ctx, entry.Hash)
				if err != nil {
					a.recordError(fmt.Errorf("fetching new tree: %w", err))
					return
				}
				a.setNewTree(tree)
			})
		} else {
			a.spawnLoad(func() {
				blob, err := store.GetBlob(ctx, entry.Hash)
				if err != nil {
					a.recordError(fmt.Errorf("fetching new blob: %w", err))
					return
				}
				a.setNewBlob(blob)
			})
		}
	}

	if a.node == nil {
		future := a.nodeFuture
		if future == nil {
			panic("checkout: action constructed with neither a node nor a node future")
		}
		a.spawnLoad(func() {
			res := <-future
			if res.Err != nil {
				a.recordError(fmt.Errorf("resolving node: %w", res.Err))
				return
			}
			a.setNode(res.Node)
		})
	}
}

// pendingToken is a scoped guard for one outstanding load. Releasing
// the last token triggers completion evaluation exactly once.
type pendingToken struct {
	action *Action
}

// acquireToken must be called before the goroutine that will release
// the token is started; acquiring inside the goroutine would let the
// counter touch zero first.
func (a *Action) acquireToken() pendingToken {
	a.pending.Add(1)
	return pendingToken{action: a}
}

func (t pendingToken) release() {
	if t.action.pending.Add(-1) == 0 {
		t.action.allLoadsComplete()
	}
}

// spawnLoad runs load on its own goroutine under a pending token. The
// token is acquired here, on the issuing goroutine, so the counter is
// raised before Run's scope token can be released.
func (a *Action) spawnLoad(load func()) {
	token := a.acquireToken()
	go func() {
		defer token.release()
		load()
	}()
}

func (a *Action) setOldTree(tree *scm.Tree) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.oldTree != nil || a.oldBlob != nil {
		panic("checkout: old entry data set twice")
	}
	a.oldTree = tree
}

func (a *Action) setOldBlob(blob *scm.Blob) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.oldTree != nil || a.oldBlob != nil {
		panic("checkout: old entry data set twice")
	}
	a.oldBlob = blob
}

func (a *Action) setNewTree(tree *scm.Tree) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.newTree != nil || a.newBlob != nil {
		panic("checkout: new entry data set twice")
	}
	a.newTree = tree
}

func (a *Action) setNewBlob(blob *scm.Blob) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.newTree != nil || a.newBlob != nil {
		panic("checkout: new entry data set twice")
	}
	a.newBlob = blob
}

func (a *Action) setNode(node Node) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.node != nil {
		panic("checkout: node set twice")
	}
	a.node = node
}

// recordError stores a load failure. Failures are recorded, not
// thrown: the action still runs to completion and reports the first
// recorded failure as its result.
func (a *Action) recordError(err error) {
	a.ctx.Logger().Error("checkout load failed",
		"entry", a.oldEntry.Name, "error", err)
	a.mu.Lock()
	a.loadErrors = append(a.loadErrors, err)
	a.mu.Unlock()
}

// allLoadsComplete runs on whichever goroutine released the final
// pending token. Everything it reads was written before that token
// was released, and no further writers exist.
func (a *Action) allLoadsComplete() {
	if !a.ensureDataReady() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			a.result <- fmt.Errorf("checkout action for %q: %v", a.oldEntry.Name, r)
		}
	}()
	a.result <- a.doAction()
}

// ensureDataReady delivers the failure result when any load failed or
// a required data slot is empty. Returns true when the action can
// proceed to its decision.
func (a *Action) ensureDataReady() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.loadErrors) > 0 {
		// First error wins; the rest were already logged by
		// recordError. Flag the multiplicity for diagnostics.
		if len(a.loadErrors) > 1 {
			a.ctx.Logger().Error("multiple errors while loading data for checkout action",
				"entry", a.oldEntry.Name, "count", len(a.loadErrors))
		}
		a.result <- a.loadErrors[0]
		return false
	}

	// A load path that neither stored its data nor recorded an error
	// is a bug; surface it as a hard failure instead of a nil
	// dereference later.
	if a.oldTree == nil && a.oldBlob == nil {
		a.result <- errors.New("checkout: no data loaded for old tree entry")
		return false
	}
	if a.newEntry != nil && a.newTree == nil && a.newBlob == nil {
		a.result <- errors.New("checkout: no data loaded for new tree entry")
		return false
	}
	if a.node == nil {
		a.result <- errors.New("checkout: affected node never resolved")
		return false
	}
	return true
}

// doAction evaluates the transition: conflict policy first, then
// dispatch on the desired new state.
func (a *Action) doAction() error {
	if a.hasConflict() && !a.ctx.ForceUpdate() {
		// hasConflict recorded the conflict on the context; that
		// record is the outcome. The on-disk entry stays untouched.
		return nil
	}

	switch {
	case a.newTree != nil:
		return a.performTreeCheckout()
	case a.newBlob != nil:
		return a.performBlobCheckout()
	default:
		return a.performRemoval()
	}
}

// hasConflict reports whether the on-disk state diverges from the old
// source-control state, recording any conflict on the context.
func (a *Action) hasConflict() bool {
	if a.oldTree != nil {
		if _, ok := a.node.(TreeNode); !ok {
			// This was a directory, but has been replaced with a
			// file on disk.
			a.ctx.AddConflict(ConflictModified, a.node)
			return true
		}

		// We intentionally do not compare this directory against the
		// old tree here. The transition recurses and conflicts are
		// detected per leaf, so a modified child does not mark its
		// ancestor directories as conflicts.
		return false
	}

	fileNode, ok := a.node.(FileNode)
	if !ok {
		// This was a file, but has been replaced with a directory on
		// disk.
		a.ctx.AddConflict(ConflictModified, a.node)
		return true
	}

	same, err := fileNode.Matches(a.oldBlob, a.oldEntry.Mode)
	if err != nil {
		// Unreadable on-disk state counts as modified: we cannot
		// prove the file is clean, so a non-forced checkout must not
		// clobber it.
		a.ctx.Logger().Warn("could not compare on-disk file during checkout",
			"entry", a.oldEntry.Name, "error", err)
		a.ctx.AddConflict(ConflictModified, a.node)
		return true
	}
	if !same {
		a.ctx.AddConflict(ConflictModified, a.node)
		return true
	}
	return false
}

func (a *Action) performTreeCheckout() error {
	if treeNode, ok := a.node.(TreeNode); ok {
		// Tree to tree: recurse. a.oldTree is nil when the old value
		// was actually a blob; a nil baseline tells the recursive
		// checkout that every child of the new tree is newly arriving.
		return treeNode.Checkout(a.ctx, a.oldTree, a.newTree)
	}

	// File to tree: the node cannot change kind in place, so ask the
	// parent to replace the entry.
	return a.node.Parent().ReplaceEntry(a.ctx, a.node, *a.newEntry)
}

func (a *Action) performBlobCheckout() error {
	// Replace whatever currently backs this entry with the new file
	// content and mode. Covers tree→file, file→file, and same-type
	// replacement uniformly.
	return a.node.Parent().ReplaceEntry(a.ctx, a.node, *a.newEntry)
}

func (a *Action) performRemoval() error {
	return a.node.Parent().RemoveChild(a.ctx, a.oldEntry.Name, a.node)
}
