// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

// Backend is the raw persistence layer beneath an [Overlay]. All
// methods must be safe for concurrent use; per-inode operations must
// be individually atomic, but no cross-inode transaction is required.
// The Overlay core serializes same-inode load/save/remove itself.
type Backend interface {
	// Init opens the on-disk state. A true clean result means the
	// previous session shut down cleanly and nextInode is valid. A
	// false result means nextInode is unusable and the Overlay must
	// consult the backend's Checker before accepting operations.
	Init() (nextInode InodeNumber, clean bool, err error)

	// LoadDir reads the persisted record for a directory inode.
	// Returns (nil, nil) when the inode has no materialized data;
	// that is not an error.
	LoadDir(ino InodeNumber) (*DirRecord, error)

	// SaveDir persists the record keyed by inode, replacing any
	// previous record atomically.
	SaveDir(ino InodeNumber, record *DirRecord) error

	// CreateFile persists materialized file content keyed by inode,
	// replacing any previous content atomically.
	CreateFile(ino InodeNumber, content []byte) error

	// ReadFile reads materialized file content for an inode.
	ReadFile(ino InodeNumber) ([]byte, error)

	// HasData reports whether the inode has a directory record or
	// file content on disk.
	HasData(ino InodeNumber) bool

	// RemoveData deletes the inode's directory record or file
	// content, and its metadata-table entry. It must be durable
	// before returning, and a no-op (not an error) when the inode
	// has no data.
	RemoveData(ino InodeNumber) error

	// SaveMetadata records an inode's current mode bits in the
	// metadata table.
	SaveMetadata(ino InodeNumber, mode uint32) error

	// LoadMetadata returns an inode's recorded mode bits. The bool
	// is false when no metadata exists for the inode.
	LoadMetadata(ino InodeNumber) (uint32, bool, error)

	// ReserveInodes tells the backend that inode numbers below next
	// may now be in use. Backends that persist the high-water mark
	// eagerly (sqlite) use this to stay crash-safe without a startup
	// scan; backends that recover it by scanning (fs) may ignore it.
	ReserveInodes(next InodeNumber) error

	// Checker returns the backend's consistency checker, used when
	// Init reported an unclean prior shutdown. Backends that can
	// never start unclean return an error: needing a checker there
	// is a wiring bug.
	Checker() (Checker, error)

	// Close persists the next-inode value as the clean-shutdown
	// marker and releases resources. Called once, after all I/O has
	// drained. A zero nextInode means initialization never
	// completed: release resources without persisting a marker.
	Close(nextInode InodeNumber) error
}

// ProgressCallback reports consistency-scan progress: records
// examined so far and the total discovered.
type ProgressCallback func(scanned, total uint64)

// Checker scans a backend's on-disk state after an unclean shutdown,
// repairs what it can, and recomputes a safe next inode number from
// the highest observed allocation.
type Checker interface {
	// ScanForErrors walks the on-disk state, accumulating problems
	// and tracking the highest inode number seen. progress may be
	// nil.
	ScanForErrors(progress ProgressCallback) error

	// RepairErrors fixes or quarantines the problems found by
	// ScanForErrors.
	RepairErrors() error

	// NextInodeNumber returns the validated next inode number. Only
	// meaningful after ScanForErrors.
	NextInodeNumber() InodeNumber
}
