// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package scm

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/driftfs/driftfs/lib/codec"
)

// EntryType distinguishes the two kinds of tree entries.
type EntryType uint8

const (
	// EntryBlob is a file entry; its hash addresses a Blob.
	EntryBlob EntryType = 0

	// EntryTree is a directory entry; its hash addresses a Tree.
	EntryTree EntryType = 1
)

// String returns the human-readable name of an entry type.
func (t EntryType) String() string {
	switch t {
	case EntryBlob:
		return "blob"
	case EntryTree:
		return "tree"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// TreeEntry is an immutable descriptor of one child of a source
// control tree: name, file-mode bits, entry type, and content hash.
// Entries are value types compared by hash and mode; they are never
// mutated after construction.
type TreeEntry struct {
	Name string
	Mode uint32
	Type EntryType
	Hash Hash
}

// Tree is an immutable, hash-addressed directory snapshot: an ordered
// mapping from entry name to TreeEntry. Construct with [NewTree].
type Tree struct {
	hash    Hash
	entries []TreeEntry
	index   map[string]int
}

// treeEntryWire is the canonical serialization of one tree entry,
// used for tree hashing. Hashes travel as raw bytes so the encoding
// stays compact and byte-stable.
type treeEntryWire struct {
	Name string `cbor:"name"`
	Mode uint32 `cbor:"mode"`
	Type uint8  `cbor:"type"`
	Hash []byte `cbor:"hash"`
}

// NewTree builds a Tree from the given entries. Entries are sorted by
// name; duplicate or empty names are rejected. The tree's hash is
// computed from its canonical serialization.
func NewTree(entries []TreeEntry) (*Tree, error) {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	index := make(map[string]int, len(sorted))
	for i, entry := range sorted {
		if entry.Name == "" {
			return nil, fmt.Errorf("tree entry %d has an empty name", i)
		}
		if _, dup := index[entry.Name]; dup {
			return nil, fmt.Errorf("duplicate tree entry name %q", entry.Name)
		}
		index[entry.Name] = i
	}

	tree := &Tree{entries: sorted, index: index}
	canonical, err := tree.Canonical()
	if err != nil {
		return nil, err
	}
	tree.hash = HashTree(canonical)
	return tree, nil
}

// Hash returns the tree's content hash.
func (t *Tree) Hash() Hash {
	return t.hash
}

// Entries returns the tree's entries in name order. The returned
// slice is shared; callers must not modify it.
func (t *Tree) Entries() []TreeEntry {
	return t.entries
}

// Lookup returns the entry with the given name, if present.
func (t *Tree) Lookup(name string) (TreeEntry, bool) {
	i, ok := t.index[name]
	if !ok {
		return TreeEntry{}, false
	}
	return t.entries[i], true
}

// Len returns the number of entries.
func (t *Tree) Len() int {
	return len(t.entries)
}

// Canonical returns the deterministic CBOR serialization of the
// tree's entry list. Hashing this serialization in the tree domain
// yields the tree's identity.
func (t *Tree) Canonical() ([]byte, error) {
	wire := make([]treeEntryWire, len(t.entries))
	for i, entry := range t.entries {
		wire[i] = treeEntryWire{
			Name: entry.Name,
			Mode: entry.Mode,
			Type: uint8(entry.Type),
			Hash: append([]byte(nil), entry.Hash[:]...),
		}
	}
	data, err := codec.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("serializing tree: %w", err)
	}
	return data, nil
}

// Blob is an immutable, hash-addressed file-content snapshot.
type Blob struct {
	hash    Hash
	content []byte
}

// NewBlob builds a Blob from file content. The content slice is
// retained; callers must not modify it afterwards.
func NewBlob(content []byte) *Blob {
	return &Blob{hash: HashBlob(content), content: content}
}

// Hash returns the blob's content hash.
func (b *Blob) Hash() Hash {
	return b.hash
}

// Content returns the blob's bytes. The returned slice is shared;
// callers must not modify it.
func (b *Blob) Content() []byte {
	return b.content
}

// Size returns the content length in bytes.
func (b *Blob) Size() int64 {
	return int64(len(b.content))
}

// IsDirMode reports whether raw mode bits describe a directory.
func IsDirMode(mode uint32) bool {
	return mode&unix.S_IFMT == unix.S_IFDIR
}

// IsRegularMode reports whether raw mode bits describe a regular file.
func IsRegularMode(mode uint32) bool {
	return mode&unix.S_IFMT == unix.S_IFREG
}

// IsSymlinkMode reports whether raw mode bits describe a symlink.
func IsSymlinkMode(mode uint32) bool {
	return mode&unix.S_IFMT == unix.S_IFLNK
}

// PermissionBits returns the permission portion of raw mode bits.
func PermissionBits(mode uint32) uint32 {
	return mode & 0o7777
}
