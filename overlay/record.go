// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"sort"

	"github.com/driftfs/driftfs/scm"
)

// InodeNumber is a locally allocated, monotonically increasing
// identifier for a filesystem entry, independent of source-control
// hashes. Inode numbers are never reused while the store is open.
// Zero is never a valid inode number; 1 is reserved for the root.
type InodeNumber uint64

// RootInode is the inode number of the working-copy root directory.
const RootInode InodeNumber = 1

// DirRecord is the persisted form of a directory: a mapping from
// child name to entry. Backends serialize it with lib/codec; the
// deterministic encoding makes equal records byte-equal on disk.
type DirRecord struct {
	Entries map[string]RecordEntry `cbor:"entries"`
}

// RecordEntry is the persisted form of one directory child.
type RecordEntry struct {
	// Mode holds the entry's initial file-mode bits. Later mode
	// changes are tracked in the metadata table and only take effect
	// once the inode is loaded, so the initial bits must persist
	// until that first load.
	Mode uint32 `cbor:"mode"`

	// Ino is the child's inode number. Zero only in legacy records
	// written before inode numbers were assigned eagerly; loads
	// backfill it.
	Ino uint64 `cbor:"ino,omitempty"`

	// Hash is the raw source-control content hash backing the child.
	// Absent (nil or empty) means the child is materialized: its
	// content lives in the overlay under its own inode number.
	Hash []byte `cbor:"hash,omitempty"`
}

// DirEntry is the in-memory form of one directory child, produced by
// [Overlay.LoadDir] after inode-number backfill.
type DirEntry struct {
	Name string

	// Mode holds the entry's initial mode bits (see RecordEntry.Mode).
	Mode uint32

	Ino InodeNumber

	// Hash is nil iff the entry is materialized.
	Hash *scm.Hash
}

// Materialized reports whether the entry's content lives in the
// overlay rather than in source control.
func (e DirEntry) Materialized() bool {
	return e.Hash == nil
}

// DirContents is an ordered (by name) list of directory children.
type DirContents []DirEntry

// Lookup returns the entry with the given name, if present.
func (d DirContents) Lookup(name string) (DirEntry, bool) {
	i := sort.Search(len(d), func(i int) bool { return d[i].Name >= name })
	if i < len(d) && d[i].Name == name {
		return d[i], true
	}
	return DirEntry{}, false
}

// sortByName orders the contents by name in place.
func (d DirContents) sortByName() {
	sort.Slice(d, func(i, j int) bool { return d[i].Name < d[j].Name })
}

// toRecord converts in-memory contents to the persisted form.
func (d DirContents) toRecord() *DirRecord {
	record := &DirRecord{Entries: make(map[string]RecordEntry, len(d))}
	for _, entry := range d {
		wire := RecordEntry{Mode: entry.Mode, Ino: uint64(entry.Ino)}
		if entry.Hash != nil {
			wire.Hash = append([]byte(nil), entry.Hash[:]...)
		}
		record.Entries[entry.Name] = wire
	}
	return record
}
