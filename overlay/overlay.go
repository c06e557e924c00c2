// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/driftfs/driftfs/scm"
)

// inodeLockStripes is the number of stripes serializing same-inode
// directory operations. Operations on different inodes stay
// concurrent; the stripe count only bounds false sharing.
const inodeLockStripes = 64

// Overlay is the persistent store for one working copy's materialized
// data. Open it with [Open], make it usable with [Initialize], and
// shut it down with [Close]. All other methods are safe for
// concurrent use from any goroutine.
type Overlay struct {
	backend Backend
	logger  *slog.Logger

	// nextInode is the next unallocated inode number. Zero is the
	// pre-initialization sentinel: allocation before Initialize
	// completes is a wiring bug and panics.
	nextInode atomic.Uint64

	gate *ioGate

	// inodeLocks serializes load/save/remove per inode, so the
	// write-on-read inode backfill in LoadDir cannot interleave with
	// a concurrent SaveDir of the same inode.
	inodeLocks [inodeLockStripes]sync.Mutex

	gcMu    sync.Mutex
	gcCond  *sync.Cond
	gcQueue []gcRequest
	gcStop  bool
	gcDone  chan struct{}

	hadCleanStartup bool
}

// Open creates an Overlay over the given backend. No disk state is
// touched until [Initialize]. A nil logger discards log output.
func Open(backend Backend, logger *slog.Logger) *Overlay {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	o := &Overlay{
		backend: backend,
		logger:  logger,
		gate:    newIOGate(),
		gcDone:  make(chan struct{}),
	}
	o.gcCond = sync.NewCond(&o.gcMu)
	return o
}

// Initialize opens the backend and makes the overlay usable. It runs
// off the caller's goroutine — backend initialization and a possible
// consistency scan are slow — and reports completion on the returned
// channel. Initialization runs on the garbage collector's goroutine,
// which only enters its drain loop once initialization succeeds, so
// no GC work can precede a usable store.
//
// A failure here is fatal to mounting: the overlay stays unusable and
// only [Close] may follow.
func (o *Overlay) Initialize(progress ProgressCallback) <-chan error {
	result := make(chan error, 1)
	go func() {
		defer close(o.gcDone)
		if err := o.initOverlay(progress); err != nil {
			o.logger.Error("overlay initialization failed", "error", err)
			result <- err
			return
		}
		result <- nil
		o.gcLoop()
	}()
	return result
}

func (o *Overlay) initOverlay(progress ProgressCallback) error {
	if !o.gate.tryAcquire() {
		return ErrClosed
	}
	defer o.gate.release()

	next, clean, err := o.backend.Init()
	if err != nil {
		return fmt.Errorf("initializing overlay backend: %w", err)
	}

	if clean {
		o.hadCleanStartup = true
	} else {
		// Missing next-inode data means the previous session died
		// without a clean shutdown, possibly leaving corrupt or
		// missing records. Scan everything and recompute the next
		// inode number from the highest observed allocation.
		o.logger.Warn("overlay was not shut down cleanly, running consistency check")
		checker, err := o.backend.Checker()
		if err != nil {
			return fmt.Errorf("obtaining consistency checker: %w", err)
		}
		if err := checker.ScanForErrors(progress); err != nil {
			return fmt.Errorf("scanning overlay for errors: %w", err)
		}
		if err := checker.RepairErrors(); err != nil {
			return fmt.Errorf("repairing overlay errors: %w", err)
		}
		next = checker.NextInodeNumber()
	}

	if next <= RootInode {
		next = RootInode + 1
	}
	o.nextInode.Store(uint64(next))
	return nil
}

// HadCleanStartup reports whether Init found a cleanly persisted
// next-inode value. Only meaningful after Initialize resolves.
func (o *Overlay) HadCleanStartup() bool {
	return o.hadCleanStartup
}

// AllocateInodeNumber atomically allocates and returns the next inode
// number. Panics if called before Initialize has completed. Numbers
// are never reused while the store is open; with 64-bit width,
// wraparound is not a practical concern.
func (o *Overlay) AllocateInodeNumber() InodeNumber {
	allocated := o.nextInode.Add(1) - 1
	if allocated == 0 {
		panic("overlay: AllocateInodeNumber called before initialization")
	}
	if err := o.backend.ReserveInodes(InodeNumber(allocated + 1)); err != nil {
		// Reservation failure cannot un-allocate; the worst case is
		// a redundant consistency scan after a crash.
		o.logger.Error("persisting inode reservation failed", "ino", allocated, "error", err)
	}
	return InodeNumber(allocated)
}

// MaxInodeNumber returns the highest inode number allocated so far.
func (o *Overlay) MaxInodeNumber() InodeNumber {
	next := o.nextInode.Load()
	if next <= 1 {
		panic("overlay: MaxInodeNumber called before initialization")
	}
	return InodeNumber(next - 1)
}

func (o *Overlay) inodeLock(ino InodeNumber) *sync.Mutex {
	return &o.inodeLocks[uint64(ino)%inodeLockStripes]
}

// LoadDir reads the materialized child list for a directory inode.
// Returns (nil, nil) when the inode has no materialized data.
//
// Legacy records may lack child inode numbers; LoadDir allocates them
// on the spot and immediately re-persists the corrected record before
// returning, so the on-disk format self-heals incrementally. The
// rewrite is serialized against concurrent SaveDir calls for the same
// inode.
func (o *Overlay) LoadDir(ino InodeNumber) (DirContents, error) {
	if !o.gate.tryAcquire() {
		return nil, ErrClosed
	}
	defer o.gate.release()

	lock := o.inodeLock(ino)
	lock.Lock()
	defer lock.Unlock()

	record, err := o.backend.LoadDir(ino)
	if err != nil {
		return nil, fmt.Errorf("loading overlay dir %d: %w", ino, err)
	}
	if record == nil {
		return nil, nil
	}

	contents := make(DirContents, 0, len(record.Entries))
	backfilled := false
	for name, entry := range record.Entries {
		child := DirEntry{Name: name, Mode: entry.Mode, Ino: InodeNumber(entry.Ino)}
		if child.Ino == 0 {
			child.Ino = o.AllocateInodeNumber()
			backfilled = true
		}
		if len(entry.Hash) > 0 {
			var hash scm.Hash
			if len(entry.Hash) != len(hash) {
				return nil, fmt.Errorf("overlay dir %d entry %q has a %d-byte hash, want %d",
					ino, name, len(entry.Hash), len(hash))
			}
			copy(hash[:], entry.Hash)
			child.Hash = &hash
		}
		contents = append(contents, child)
	}
	contents.sortByName()

	if backfilled {
		if err := o.saveDirLocked(ino, contents); err != nil {
			return nil, fmt.Errorf("rewriting overlay dir %d after inode backfill: %w", ino, err)
		}
	}
	return contents, nil
}

// SaveDir persists the child list for a directory inode.
//
// Panics if the inode or any child inode number has not been
// allocated, or if any child name is empty: either indicates a wiring
// bug that would corrupt the allocator invariant if persisted.
func (o *Overlay) SaveDir(ino InodeNumber, contents DirContents) error {
	if !o.gate.tryAcquire() {
		return ErrClosed
	}
	defer o.gate.release()

	lock := o.inodeLock(ino)
	lock.Lock()
	defer lock.Unlock()

	return o.saveDirLocked(ino, contents)
}

// saveDirLocked persists contents. Caller holds the gate and the
// inode's stripe lock.
func (o *Overlay) saveDirLocked(ino InodeNumber, contents DirContents) error {
	next := o.nextInode.Load()
	if uint64(ino) >= next {
		panic(fmt.Sprintf("overlay: SaveDir called with unallocated inode number %d", ino))
	}
	for _, entry := range contents {
		if entry.Name == "" {
			panic(fmt.Sprintf("overlay: SaveDir for inode %d called with an empty child name", ino))
		}
		if entry.Ino == 0 || uint64(entry.Ino) >= next {
			panic(fmt.Sprintf("overlay: SaveDir for inode %d called with unallocated child inode number %d",
				ino, entry.Ino))
		}
	}

	if err := o.backend.SaveDir(ino, contents.toRecord()); err != nil {
		return fmt.Errorf("saving overlay dir %d: %w", ino, err)
	}
	return nil
}

// CreateFile persists materialized content for a file inode,
// replacing any previous content. Panics if the inode number has not
// been allocated.
func (o *Overlay) CreateFile(ino InodeNumber, content []byte) error {
	if !o.gate.tryAcquire() {
		return ErrClosed
	}
	defer o.gate.release()

	if uint64(ino) >= o.nextInode.Load() {
		panic(fmt.Sprintf("overlay: CreateFile called with unallocated inode number %d", ino))
	}

	if err := o.backend.CreateFile(ino, content); err != nil {
		return fmt.Errorf("creating overlay file %d: %w", ino, err)
	}
	return nil
}

// ReadFile reads the materialized content of a file inode.
func (o *Overlay) ReadFile(ino InodeNumber) ([]byte, error) {
	if !o.gate.tryAcquire() {
		return nil, ErrClosed
	}
	defer o.gate.release()

	content, err := o.backend.ReadFile(ino)
	if err != nil {
		return nil, fmt.Errorf("reading overlay file %d: %w", ino, err)
	}
	return content, nil
}

// HasData reports whether an inode has materialized data on disk.
// Returns false once the overlay is closed.
func (o *Overlay) HasData(ino InodeNumber) bool {
	if !o.gate.tryAcquire() {
		return false
	}
	defer o.gate.release()
	return o.backend.HasData(ino)
}

// SaveMetadata records an inode's current mode bits in the metadata
// table. Mode changes live here, not in the parent's directory
// record, which keeps the initial mode persisted until first load.
func (o *Overlay) SaveMetadata(ino InodeNumber, mode uint32) error {
	if !o.gate.tryAcquire() {
		return ErrClosed
	}
	defer o.gate.release()

	if err := o.backend.SaveMetadata(ino, mode); err != nil {
		return fmt.Errorf("saving metadata for inode %d: %w", ino, err)
	}
	return nil
}

// LoadMetadata returns an inode's recorded mode bits; the bool is
// false when the inode has no metadata entry.
func (o *Overlay) LoadMetadata(ino InodeNumber) (uint32, bool, error) {
	if !o.gate.tryAcquire() {
		return 0, false, ErrClosed
	}
	defer o.gate.release()

	mode, ok, err := o.backend.LoadMetadata(ino)
	if err != nil {
		return 0, false, fmt.Errorf("loading metadata for inode %d: %w", ino, err)
	}
	return mode, ok, nil
}

// RemoveData deletes exactly one inode's on-disk record and metadata,
// synchronously: the data is durably gone before RemoveData returns.
// Removing an inode with no data is a no-op.
func (o *Overlay) RemoveData(ino InodeNumber) error {
	if !o.gate.tryAcquire() {
		return ErrClosed
	}
	defer o.gate.release()

	lock := o.inodeLock(ino)
	lock.Lock()
	defer lock.Unlock()

	if err := o.backend.RemoveData(ino); err != nil {
		return fmt.Errorf("removing overlay data for inode %d: %w", ino, err)
	}
	return nil
}

// RecursivelyRemoveData removes a directory inode's own record
// synchronously — a concurrent SaveDir of a parent must never observe
// a child whose backing data still exists — and hands the captured
// child snapshot to the garbage collector for asynchronous descendant
// cleanup. Correctness does not depend on how fast descendants are
// reclaimed, only on the parent record being unreachable first.
func (o *Overlay) RecursivelyRemoveData(ino InodeNumber) error {
	if !o.gate.tryAcquire() {
		return ErrClosed
	}
	defer o.gate.release()

	lock := o.inodeLock(ino)
	lock.Lock()
	record, err := o.backend.LoadDir(ino)
	if err != nil {
		lock.Unlock()
		return fmt.Errorf("loading overlay dir %d for removal: %w", ino, err)
	}
	if err := o.backend.RemoveData(ino); err != nil {
		lock.Unlock()
		return fmt.Errorf("removing overlay data for inode %d: %w", ino, err)
	}
	lock.Unlock()

	if record != nil {
		o.enqueueGC(gcRequest{dir: record})
	}
	return nil
}

// FlushPendingAsync enqueues a barrier and returns a channel that
// closes once the garbage collector has processed every request
// queued before it.
func (o *Overlay) FlushPendingAsync() <-chan struct{} {
	done := make(chan struct{})
	o.enqueueGC(gcRequest{flush: done})
	return done
}

// IsClosed reports whether Close has begun.
func (o *Overlay) IsClosed() bool {
	return o.gate.isClosed()
}

// Close shuts the overlay down: stops and joins the garbage
// collector, waits for all in-flight synchronous operations to
// drain, then persists the next-inode value as the clean-shutdown
// marker. Close must not be called from an overlay operation or from
// GC processing; it is idempotent.
func (o *Overlay) Close() error {
	if o.gate.isClosed() {
		return nil
	}

	o.gcMu.Lock()
	o.gcStop = true
	o.gcMu.Unlock()
	o.gcCond.Signal()
	<-o.gcDone

	o.gate.closeAndWait()

	// Sample the allocator only after the gate has drained: a LoadDir
	// already inside the gate may still backfill-allocate inode
	// numbers until it releases its token, and the persisted marker
	// must exceed every inode number a persisted record references.
	next := o.nextInode.Load()

	// next is zero when initialization never completed; the backend
	// still gets closed so it can release its resources, it just has
	// no allocator state to persist.
	if err := o.backend.Close(InodeNumber(next)); err != nil {
		return fmt.Errorf("closing overlay backend: %w", err)
	}
	return nil
}
