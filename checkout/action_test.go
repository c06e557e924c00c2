// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package checkout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driftfs/driftfs/lib/testutil"
	"github.com/driftfs/driftfs/scm"
)

const resultTimeout = 5 * time.Second

// fakeParent records the mutations an action asks for.
type fakeParent struct {
	mu       sync.Mutex
	replaced []scm.TreeEntry
	removed  []string
	err      error
}

func (p *fakeParent) ReplaceEntry(_ *Context, _ Node, entry scm.TreeEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.replaced = append(p.replaced, entry)
	return nil
}

func (p *fakeParent) RemoveChild(_ *Context, name string, _ Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.removed = append(p.removed, name)
	return nil
}

func (p *fakeParent) mutations() (replaced []scm.TreeEntry, removed []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]scm.TreeEntry(nil), p.replaced...), append([]string(nil), p.removed...)
}

// fakeFile is a FileNode with fixed on-disk content and mode.
type fakeFile struct {
	name     string
	parent   *fakeParent
	content  []byte
	mode     uint32
	matchErr error
}

func (f *fakeFile) Parent() ParentNode { return f.parent }
func (f *fakeFile) Name() string       { return f.name }

func (f *fakeFile) Matches(blob *scm.Blob, mode uint32) (bool, error) {
	if f.matchErr != nil {
		return false, f.matchErr
	}
	return bytes.Equal(f.content, blob.Content()) && f.mode == mode, nil
}

// checkoutCall records one recursive directory checkout.
type checkoutCall struct {
	oldTree *scm.Tree
	newTree *scm.Tree
}

// fakeDir is a TreeNode recording recursive checkouts.
type fakeDir struct {
	name   string
	parent *fakeParent

	mu    sync.Mutex
	calls []checkoutCall
	err   error
}

func (d *fakeDir) Parent() ParentNode { return d.parent }
func (d *fakeDir) Name() string       { return d.name }

func (d *fakeDir) Checkout(_ *Context, oldTree, newTree *scm.Tree) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.calls = append(d.calls, checkoutCall{oldTree: oldTree, newTree: newTree})
	return nil
}

func (d *fakeDir) checkouts() []checkoutCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]checkoutCall(nil), d.calls...)
}

// flakyStore wraps a MemoryStore and fails selected hashes.
type flakyStore struct {
	*scm.MemoryStore
	failBlobs map[scm.Hash]error
	failTrees map[scm.Hash]error
}

func (s *flakyStore) GetBlob(ctx context.Context, hash scm.Hash) (*scm.Blob, error) {
	if err := s.failBlobs[hash]; err != nil {
		return nil, err
	}
	return s.MemoryStore.GetBlob(ctx, hash)
}

func (s *flakyStore) GetTree(ctx context.Context, hash scm.Hash) (*scm.Tree, error) {
	if err := s.failTrees[hash]; err != nil {
		return nil, err
	}
	return s.MemoryStore.GetTree(ctx, hash)
}

func blobEntry(name string, mode uint32, hash scm.Hash) scm.TreeEntry {
	return scm.TreeEntry{Name: name, Mode: mode, Type: scm.EntryBlob, Hash: hash}
}

func treeEntry(name string, hash scm.Hash) scm.TreeEntry {
	return scm.TreeEntry{Name: name, Mode: 0o040755, Type: scm.EntryTree, Hash: hash}
}

func runAction(t *testing.T, action *Action, store scm.ObjectStore) error {
	t.Helper()
	return testutil.RequireReceive(t, action.Run(context.Background(), store), resultTimeout, "checkout action result")
}

func TestCleanBlobReplace(t *testing.T) {
	store := scm.NewMemoryStore()
	oldHash := store.PutBlob([]byte("old content"))
	newHash := store.PutBlob([]byte("new content"))

	parent := &fakeParent{}
	node := &fakeFile{name: "main.go", parent: parent, content: []byte("old content"), mode: 0o100644}

	ctx := NewContext(false, nil)
	oldEntry := blobEntry("main.go", 0o100644, oldHash)
	newEntry := blobEntry("main.go", 0o100644, newHash)
	action := NewAction(ctx, oldEntry, &newEntry, node)

	if err := runAction(t, action, store); err != nil {
		t.Fatalf("action failed: %v", err)
	}

	if len(ctx.Conflicts()) != 0 {
		t.Errorf("clean replace recorded %d conflicts", len(ctx.Conflicts()))
	}
	replaced, removed := parent.mutations()
	if len(replaced) != 1 || replaced[0].Hash != newHash {
		t.Errorf("replaced = %v, want one entry with the new hash", replaced)
	}
	if len(removed) != 0 {
		t.Errorf("unexpected removals: %v", removed)
	}
}

func TestModifiedFileConflictBlocksNonForced(t *testing.T) {
	store := scm.NewMemoryStore()
	oldHash := store.PutBlob([]byte("committed"))
	newHash := store.PutBlob([]byte("incoming"))

	parent := &fakeParent{}
	node := &fakeFile{name: "notes.txt", parent: parent, content: []byte("user edits"), mode: 0o100644}

	ctx := NewContext(false, nil)
	oldEntry := blobEntry("notes.txt", 0o100644, oldHash)
	newEntry := blobEntry("notes.txt", 0o100644, newHash)

	if err := runAction(t, NewAction(ctx, oldEntry, &newEntry, node), store); err != nil {
		t.Fatalf("blocked conflict must still be a success result, got %v", err)
	}

	conflicts := ctx.Conflicts()
	if len(conflicts) != 1 || conflicts[0].Type != ConflictModified {
		t.Fatalf("conflicts = %v, want one modified conflict", conflicts)
	}
	replaced, removed := parent.mutations()
	if len(replaced) != 0 || len(removed) != 0 {
		t.Error("non-forced conflict performed a mutation")
	}
}

func TestForcedCheckoutProceedsThroughConflict(t *testing.T) {
	store := scm.NewMemoryStore()
	oldHash := store.PutBlob([]byte("committed"))
	newHash := store.PutBlob([]byte("incoming"))

	parent := &fakeParent{}
	node := &fakeFile{name: "notes.txt", parent: parent, content: []byte("user edits"), mode: 0o100644}

	ctx := NewContext(true, nil)
	oldEntry := blobEntry("notes.txt", 0o100644, oldHash)
	newEntry := blobEntry("notes.txt", 0o100644, newHash)

	if err := runAction(t, NewAction(ctx, oldEntry, &newEntry, node), store); err != nil {
		t.Fatalf("forced checkout failed: %v", err)
	}

	if len(ctx.Conflicts()) != 1 {
		t.Errorf("forced checkout recorded %d conflicts, want 1 (still reported)", len(ctx.Conflicts()))
	}
	replaced, _ := parent.mutations()
	if len(replaced) != 1 || replaced[0].Hash != newHash {
		t.Errorf("forced checkout did not replace the entry: %v", replaced)
	}
}

func TestModeChangeAloneIsConflict(t *testing.T) {
	store := scm.NewMemoryStore()
	oldHash := store.PutBlob([]byte("same bytes"))
	newHash := store.PutBlob([]byte("next"))

	parent := &fakeParent{}
	// Content matches the old blob but the mode was chmodded.
	node := &fakeFile{name: "tool.sh", parent: parent, content: []byte("same bytes"), mode: 0o100755}

	ctx := NewContext(false, nil)
	oldEntry := blobEntry("tool.sh", 0o100644, oldHash)
	newEntry := blobEntry("tool.sh", 0o100644, newHash)

	if err := runAction(t, NewAction(ctx, oldEntry, &newEntry, node), store); err != nil {
		t.Fatal(err)
	}
	if len(ctx.Conflicts()) != 1 {
		t.Error("mode divergence not detected as a conflict")
	}
}

func TestDirectoryReplacedByFileIsConflict(t *testing.T) {
	store := scm.NewMemoryStore()
	oldTreeHash, err := store.PutTree(nil)
	if err != nil {
		t.Fatal(err)
	}
	newHash := store.PutBlob([]byte("x"))

	parent := &fakeParent{}
	// The old entry is a tree, but on disk the node is now a file.
	node := &fakeFile{name: "pkg", parent: parent, content: []byte("junk"), mode: 0o100644}

	ctx := NewContext(false, nil)
	oldEntry := treeEntry("pkg", oldTreeHash)
	newEntry := blobEntry("pkg", 0o100644, newHash)

	if err := runAction(t, NewAction(ctx, oldEntry, &newEntry, node), store); err != nil {
		t.Fatal(err)
	}
	if len(ctx.Conflicts()) != 1 {
		t.Error("directory replaced by file not detected as a conflict")
	}
	replaced, _ := parent.mutations()
	if len(replaced) != 0 {
		t.Error("blocked conflict performed a mutation")
	}
}

func TestDirectoryWithModifiedDescendantIsNotAConflict(t *testing.T) {
	store := scm.NewMemoryStore()
	childHash := store.PutBlob([]byte("child"))
	oldTreeHash, err := store.PutTree([]scm.TreeEntry{blobEntry("child.txt", 0o100644, childHash)})
	if err != nil {
		t.Fatal(err)
	}
	newTreeHash, err := store.PutTree(nil)
	if err != nil {
		t.Fatal(err)
	}

	parent := &fakeParent{}
	node := &fakeDir{name: "pkg", parent: parent}

	ctx := NewContext(false, nil)
	oldEntry := treeEntry("pkg", oldTreeHash)
	newEntry := treeEntry("pkg", newTreeHash)

	if err := runAction(t, NewAction(ctx, oldEntry, &newEntry, node), store); err != nil {
		t.Fatal(err)
	}

	// No conflict at the directory level: divergence is detected per
	// leaf, one level down, by the recursive checkout.
	if len(ctx.Conflicts()) != 0 {
		t.Errorf("directory-level conflict recorded: %v", ctx.Conflicts())
	}
	calls := node.checkouts()
	if len(calls) != 1 {
		t.Fatalf("recursive checkout called %d times, want 1", len(calls))
	}
	if calls[0].oldTree == nil || calls[0].oldTree.Hash() != oldTreeHash {
		t.Error("recursive checkout did not receive the old tree")
	}
	if calls[0].newTree == nil || calls[0].newTree.Hash() != newTreeHash {
		t.Error("recursive checkout did not receive the new tree")
	}
}

func TestFileToTreeTransitionReplacesViaParent(t *testing.T) {
	store := scm.NewMemoryStore()
	oldHash := store.PutBlob([]byte("file content"))
	newTreeHash, err := store.PutTree(nil)
	if err != nil {
		t.Fatal(err)
	}

	parent := &fakeParent{}
	node := &fakeFile{name: "pkg", parent: parent, content: []byte("file content"), mode: 0o100644}

	ctx := NewContext(false, nil)
	oldEntry := blobEntry("pkg", 0o100644, oldHash)
	newEntry := treeEntry("pkg", newTreeHash)

	if err := runAction(t, NewAction(ctx, oldEntry, &newEntry, node), store); err != nil {
		t.Fatal(err)
	}

	// File→directory cannot happen in place; the parent must swap
	// the entry.
	replaced, _ := parent.mutations()
	if len(replaced) != 1 || replaced[0].Hash != newTreeHash {
		t.Errorf("replaced = %v, want the new tree entry", replaced)
	}
}

func TestBlobToTreeOnDiskTreeRecursesWithNilBaseline(t *testing.T) {
	store := scm.NewMemoryStore()
	oldHash := store.PutBlob([]byte("was a file"))
	newTreeHash, err := store.PutTree(nil)
	if err != nil {
		t.Fatal(err)
	}

	parent := &fakeParent{}
	node := &fakeDir{name: "pkg", parent: parent}

	// Old entry was a blob but the on-disk node is already a tree:
	// conflict (file replaced by directory), so force through it.
	ctx := NewContext(true, nil)
	oldEntry := blobEntry("pkg", 0o100644, oldHash)
	newEntry := treeEntry("pkg", newTreeHash)

	if err := runAction(t, NewAction(ctx, oldEntry, &newEntry, node), store); err != nil {
		t.Fatal(err)
	}

	calls := node.checkouts()
	if len(calls) != 1 {
		t.Fatalf("recursive checkout called %d times, want 1", len(calls))
	}
	if calls[0].oldTree != nil {
		t.Error("baseline tree should be nil when the old entry was a blob")
	}
}

func TestRemovalAlwaysAsksParentToRemove(t *testing.T) {
	store := scm.NewMemoryStore()
	oldHash := store.PutBlob([]byte("to be removed"))

	parent := &fakeParent{}
	node := &fakeFile{name: "stale.txt", parent: parent, content: []byte("to be removed"), mode: 0o100644}

	ctx := NewContext(false, nil)
	oldEntry := blobEntry("stale.txt", 0o100644, oldHash)

	if err := runAction(t, NewAction(ctx, oldEntry, nil, node), store); err != nil {
		t.Fatal(err)
	}

	replaced, removed := parent.mutations()
	if len(replaced) != 0 {
		t.Error("removal action performed a replace")
	}
	if len(removed) != 1 || removed[0] != "stale.txt" {
		t.Errorf("removed = %v, want [stale.txt]", removed)
	}
}

func TestFetchFailureDeliversFirstErrorWithoutMutation(t *testing.T) {
	memory := scm.NewMemoryStore()
	oldHash := memory.PutBlob([]byte("old"))
	newHash := memory.PutBlob([]byte("new"))

	fetchErr := errors.New("object store unavailable")
	store := &flakyStore{
		MemoryStore: memory,
		failBlobs:   map[scm.Hash]error{oldHash: fetchErr},
	}

	parent := &fakeParent{}
	node := &fakeFile{name: "a.txt", parent: parent, content: []byte("old"), mode: 0o100644}

	ctx := NewContext(false, nil)
	oldEntry := blobEntry("a.txt", 0o100644, oldHash)
	newEntry := blobEntry("a.txt", 0o100644, newHash)

	err := runAction(t, NewAction(ctx, oldEntry, &newEntry, node), store)
	if err == nil {
		t.Fatal("action succeeded despite fetch failure")
	}
	if !errors.Is(err, fetchErr) {
		t.Errorf("result error %v does not wrap the fetch failure", err)
	}
	replaced, removed := parent.mutations()
	if len(replaced) != 0 || len(removed) != 0 {
		t.Error("failed action performed a mutation")
	}
}

func TestAllFetchesFailStillDeliversOneError(t *testing.T) {
	memory := scm.NewMemoryStore()
	oldHash := memory.PutBlob([]byte("old"))
	newHash := memory.PutBlob([]byte("new"))

	store := &flakyStore{
		MemoryStore: memory,
		failBlobs: map[scm.Hash]error{
			oldHash: fmt.Errorf("old fetch broke"),
			newHash: fmt.Errorf("new fetch broke"),
		},
	}

	parent := &fakeParent{}
	node := &fakeFile{name: "b.txt", parent: parent, content: []byte("old"), mode: 0o100644}

	ctx := NewContext(false, nil)
	oldEntry := blobEntry("b.txt", 0o100644, oldHash)
	newEntry := blobEntry("b.txt", 0o100644, newHash)

	err := runAction(t, NewAction(ctx, oldEntry, &newEntry, node), store)
	if err == nil {
		t.Fatal("action succeeded despite both fetches failing")
	}
	if !strings.Contains(err.Error(), "fetch broke") {
		t.Errorf("result error %v is not one of the fetch failures", err)
	}
}

func TestPendingNodeFuture(t *testing.T) {
	store := scm.NewMemoryStore()
	oldHash := store.PutBlob([]byte("old"))
	newHash := store.PutBlob([]byte("new"))

	parent := &fakeParent{}
	node := &fakeFile{name: "c.txt", parent: parent, content: []byte("old"), mode: 0o100644}

	future := make(chan NodeResult, 1)
	ctx := NewContext(false, nil)
	oldEntry := blobEntry("c.txt", 0o100644, oldHash)
	newEntry := blobEntry("c.txt", 0o100644, newHash)
	action := NewActionPending(ctx, oldEntry, &newEntry, future)

	resultCh := action.Run(context.Background(), store)

	// Deliver the node after the loads were issued.
	future <- NodeResult{Node: node}

	if err := testutil.RequireReceive(t, resultCh, resultTimeout, "pending-node action result"); err != nil {
		t.Fatalf("action failed: %v", err)
	}
	replaced, _ := parent.mutations()
	if len(replaced) != 1 {
		t.Errorf("replaced = %v, want one entry", replaced)
	}
}

func TestPendingNodeFutureFailure(t *testing.T) {
	store := scm.NewMemoryStore()
	oldHash := store.PutBlob([]byte("old"))

	future := make(chan NodeResult, 1)
	nodeErr := errors.New("could not create node")
	future <- NodeResult{Err: nodeErr}

	ctx := NewContext(false, nil)
	oldEntry := blobEntry("d.txt", 0o100644, oldHash)
	action := NewActionPending(ctx, oldEntry, nil, future)

	err := runAction(t, action, store)
	if !errors.Is(err, nodeErr) {
		t.Errorf("result %v does not wrap the node resolution failure", err)
	}
}

func TestUnreadableOnDiskFileIsConflict(t *testing.T) {
	store := scm.NewMemoryStore()
	oldHash := store.PutBlob([]byte("old"))
	newHash := store.PutBlob([]byte("new"))

	parent := &fakeParent{}
	node := &fakeFile{
		name:     "e.txt",
		parent:   parent,
		matchErr: errors.New("io error"),
	}

	ctx := NewContext(false, nil)
	oldEntry := blobEntry("e.txt", 0o100644, oldHash)
	newEntry := blobEntry("e.txt", 0o100644, newHash)

	if err := runAction(t, NewAction(ctx, oldEntry, &newEntry, node), store); err != nil {
		t.Fatal(err)
	}
	if len(ctx.Conflicts()) != 1 {
		t.Error("unreadable file not treated as modified")
	}
	replaced, _ := parent.mutations()
	if len(replaced) != 0 {
		t.Error("mutation performed despite comparison failure")
	}
}

func TestMutationErrorPropagatesThroughResult(t *testing.T) {
	store := scm.NewMemoryStore()
	oldHash := store.PutBlob([]byte("old"))
	newHash := store.PutBlob([]byte("new"))

	mutationErr := errors.New("replace failed")
	parent := &fakeParent{err: mutationErr}
	node := &fakeFile{name: "f.txt", parent: parent, content: []byte("old"), mode: 0o100644}

	ctx := NewContext(false, nil)
	oldEntry := blobEntry("f.txt", 0o100644, oldHash)
	newEntry := blobEntry("f.txt", 0o100644, newHash)

	err := runAction(t, NewAction(ctx, oldEntry, &newEntry, node), store)
	if !errors.Is(err, mutationErr) {
		t.Errorf("result %v does not carry the mutation failure", err)
	}
}

func TestConflictMatrix(t *testing.T) {
	store := scm.NewMemoryStore()
	blobHash := store.PutBlob([]byte("baseline"))
	emptyTree, err := store.PutTree(nil)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name         string
		oldEntry     scm.TreeEntry
		makeNode     func(p *fakeParent) Node
		wantConflict bool
	}{
		{
			name:     "old tree, on-disk tree",
			oldEntry: treeEntry("x", emptyTree),
			makeNode: func(p *fakeParent) Node { return &fakeDir{name: "x", parent: p} },
		},
		{
			name:         "old tree, on-disk file",
			oldEntry:     treeEntry("x", emptyTree),
			makeNode:     func(p *fakeParent) Node { return &fakeFile{name: "x", parent: p} },
			wantConflict: true,
		},
		{
			name:     "old blob, on-disk file unchanged",
			oldEntry: blobEntry("x", 0o100644, blobHash),
			makeNode: func(p *fakeParent) Node {
				return &fakeFile{name: "x", parent: p, content: []byte("baseline"), mode: 0o100644}
			},
		},
		{
			name:     "old blob, on-disk file modified",
			oldEntry: blobEntry("x", 0o100644, blobHash),
			makeNode: func(p *fakeParent) Node {
				return &fakeFile{name: "x", parent: p, content: []byte("edited"), mode: 0o100644}
			},
			wantConflict: true,
		},
		{
			name:         "old blob, on-disk tree",
			oldEntry:     blobEntry("x", 0o100644, blobHash),
			makeNode:     func(p *fakeParent) Node { return &fakeDir{name: "x", parent: p} },
			wantConflict: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parent := &fakeParent{}
			ctx := NewContext(false, nil)
			// newEntry = nil keeps the dispatch on the removal path,
			// which never masks the conflict outcome.
			action := NewAction(ctx, tc.oldEntry, nil, tc.makeNode(parent))
			if err := runAction(t, action, store); err != nil {
				t.Fatalf("action failed: %v", err)
			}
			gotConflict := len(ctx.Conflicts()) > 0
			if gotConflict != tc.wantConflict {
				t.Errorf("conflict = %v, want %v", gotConflict, tc.wantConflict)
			}
			_, removed := parent.mutations()
			wantRemovals := 0
			if !tc.wantConflict {
				wantRemovals = 1
			}
			if len(removed) != wantRemovals {
				t.Errorf("removals = %v, want %d", removed, wantRemovals)
			}
		})
	}
}
