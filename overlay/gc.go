// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import "github.com/driftfs/driftfs/scm"

// gcRequest is one unit of background work: either a captured
// directory snapshot whose descendants should be reclaimed, or a
// flush barrier. Exactly one field is set.
type gcRequest struct {
	dir   *DirRecord
	flush chan struct{}
}

func (o *Overlay) enqueueGC(request gcRequest) {
	o.gcMu.Lock()
	o.gcQueue = append(o.gcQueue, request)
	o.gcMu.Unlock()
	o.gcCond.Signal()
}

// gcLoop is the garbage collector: wait until the queue is non-empty
// or a stop is requested, drain the whole queue under the lock, then
// process each request without holding it — enqueuers are never
// blocked by slow deletion. Requests already queued when stop arrives
// are still drained.
func (o *Overlay) gcLoop() {
	for {
		o.gcMu.Lock()
		for len(o.gcQueue) == 0 {
			if o.gcStop {
				o.gcMu.Unlock()
				return
			}
			o.gcCond.Wait()
		}
		requests := o.gcQueue
		o.gcQueue = nil
		o.gcMu.Unlock()

		for i := range requests {
			o.handleGCRequest(&requests[i])
		}
	}
}

// handleGCRequest reclaims one removed subtree, or resolves a flush
// barrier. Reclamation is best-effort cleanup, never a correctness
// dependency: every per-inode failure is logged and skipped, and
// nothing here may abort the worker loop.
func (o *Overlay) handleGCRequest(request *gcRequest) {
	if request.flush != nil {
		// Everything queued before this barrier has already been
		// dequeued by the same drain, so resolving now gives the
		// ordering guarantee.
		close(request.flush)
		return
	}

	// Breadth-first over directory inodes. Files are deleted as they
	// are encountered; directories re-load their live on-disk child
	// list first, because a child may have been modified since the
	// snapshot was captured and the goal is to free whatever
	// currently backs that inode, not to replay history.
	var queue []InodeNumber

	processRecord := func(record *DirRecord) {
		for name, entry := range record.Entries {
			if entry.Ino == 0 {
				// Legacy record predating eager child inode numbers;
				// nothing can be stored under an unknown inode.
				o.logger.Debug("gc: skipping legacy entry without inode number", "name", name)
				continue
			}
			ino := InodeNumber(entry.Ino)
			if scm.IsDirMode(entry.Mode) {
				queue = append(queue, ino)
			} else {
				o.safeRemoveData(ino)
			}
		}
	}

	processRecord(request.dir)

	for len(queue) > 0 {
		ino := queue[0]
		queue = queue[1:]

		record, err := o.backend.LoadDir(ino)
		if err != nil {
			o.logger.Error("gc: loading directory record failed", "ino", uint64(ino), "error", err)
			continue
		}
		if record == nil {
			o.logger.Debug("gc: no directory record", "ino", uint64(ino))
			continue
		}

		o.safeRemoveData(ino)
		processRecord(record)
	}
}

func (o *Overlay) safeRemoveData(ino InodeNumber) {
	if err := o.RemoveData(ino); err != nil {
		o.logger.Error("gc: removing overlay data failed", "ino", uint64(ino), "error", err)
	}
}
