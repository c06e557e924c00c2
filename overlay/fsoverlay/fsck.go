// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package fsoverlay

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/driftfs/driftfs/lib/codec"
	"github.com/driftfs/driftfs/overlay"
)

// Problem is one defect found by a consistency scan.
type Problem struct {
	// Path is the offending file, relative to the overlay root.
	Path string

	// Reason describes what is wrong with it.
	Reason string
}

// Checker scans a Backend's on-disk records after an unclean
// shutdown. It recomputes the next inode number from the highest
// number observed in any record name or directory entry, and records
// unreadable records, undecodable records, and records no directory
// refers to as problems for RepairErrors to quarantine.
type Checker struct {
	backend  *Backend
	problems []Problem
	maxInode overlay.InodeNumber
	scanned  bool

	// healthy records and the child references between them, for the
	// orphan pass.
	healthy    []recordPath
	referenced map[overlay.InodeNumber]bool
}

var _ overlay.Checker = (*Checker)(nil)

func newChecker(backend *Backend) *Checker {
	return &Checker{
		backend:    backend,
		referenced: map[overlay.InodeNumber]bool{overlay.RootInode: true},
	}
}

func (c *Checker) ScanForErrors(progress overlay.ProgressCallback) error {
	paths, err := c.collectRecordPaths()
	if err != nil {
		return err
	}

	total := uint64(len(paths))
	for i, record := range paths {
		c.scanRecord(record)
		if progress != nil {
			progress(uint64(i)+1, total)
		}
	}

	// Orphan pass: a dir or file record no healthy directory refers
	// to is unreachable garbage, usually the remains of a recursive
	// removal the crash interrupted after the parent was unlinked.
	for _, record := range c.healthy {
		if record.kind == metadataDir {
			continue
		}
		ino, _ := strconv.ParseUint(record.name, 10, 64)
		if !c.referenced[overlay.InodeNumber(ino)] {
			c.addProblem(record.rel, "orphaned record with no parent reference")
		}
	}

	c.scanned = true
	return nil
}

// recordPath locates one record file during a scan.
type recordPath struct {
	kind string // dirsDir, filesDir, or metadataDir
	rel  string // path relative to the overlay root
	name string // record file name (the inode number in decimal)
}

func (c *Checker) collectRecordPaths() ([]recordPath, error) {
	var paths []recordPath
	for _, kind := range []string{dirsDir, filesDir, metadataDir} {
		shards, err := os.ReadDir(filepath.Join(c.backend.root, kind))
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", kind, err)
		}
		for _, shardEntry := range shards {
			if !shardEntry.IsDir() {
				c.addProblem(filepath.Join(kind, shardEntry.Name()), "stray non-directory in shard tree")
				continue
			}
			records, err := os.ReadDir(filepath.Join(c.backend.root, kind, shardEntry.Name()))
			if err != nil {
				return nil, fmt.Errorf("listing shard %s: %w", shardEntry.Name(), err)
			}
			for _, record := range records {
				paths = append(paths, recordPath{
					kind: kind,
					rel:  filepath.Join(kind, shardEntry.Name(), record.Name()),
					name: record.Name(),
				})
			}
		}
	}
	return paths, nil
}

func (c *Checker) scanRecord(record recordPath) {
	ino, err := strconv.ParseUint(record.name, 10, 64)
	if err != nil || ino == 0 {
		c.addProblem(record.rel, "file name is not an inode number")
		return
	}
	c.observe(overlay.InodeNumber(ino))

	data, err := os.ReadFile(filepath.Join(c.backend.root, record.rel))
	if err != nil {
		c.addProblem(record.rel, fmt.Sprintf("unreadable: %v", err))
		return
	}
	payload, err := openRecord(data)
	if err != nil {
		c.addProblem(record.rel, fmt.Sprintf("corrupt envelope: %v", err))
		return
	}

	switch record.kind {
	case dirsDir:
		var dir overlay.DirRecord
		if err := codec.Unmarshal(payload, &dir); err != nil {
			c.addProblem(record.rel, fmt.Sprintf("undecodable directory record: %v", err))
			return
		}
		// Child entries can reference inodes that never got their own
		// record; those still count toward the allocator high-water
		// mark.
		for _, entry := range dir.Entries {
			c.observe(overlay.InodeNumber(entry.Ino))
			c.referenced[overlay.InodeNumber(entry.Ino)] = true
		}
	case metadataDir:
		var meta metadataRecord
		if err := codec.Unmarshal(payload, &meta); err != nil {
			c.addProblem(record.rel, fmt.Sprintf("undecodable metadata record: %v", err))
			return
		}
	}
	c.healthy = append(c.healthy, record)
}

func (c *Checker) observe(ino overlay.InodeNumber) {
	if ino > c.maxInode {
		c.maxInode = ino
	}
}

func (c *Checker) addProblem(rel, reason string) {
	c.problems = append(c.problems, Problem{Path: rel, Reason: reason})
}

// Problems returns the defects found by ScanForErrors.
func (c *Checker) Problems() []Problem {
	return c.problems
}

// RepairErrors quarantines every problem file under root/corrupt/ and
// clears stale staging files. Quarantine rather than deletion: the
// bytes may still be recoverable by hand, and a missing record reads
// as absent data, which the rest of the system already tolerates.
func (c *Checker) RepairErrors() error {
	if err := c.clearStaging(); err != nil {
		return err
	}
	if len(c.problems) == 0 {
		return nil
	}

	quarantine := filepath.Join(c.backend.root, corruptDir)
	if err := os.MkdirAll(quarantine, 0o755); err != nil {
		return fmt.Errorf("creating quarantine directory: %w", err)
	}
	for i, problem := range c.problems {
		source := filepath.Join(c.backend.root, problem.Path)
		// Flatten the path so records from different shards cannot
		// collide in the quarantine directory.
		target := filepath.Join(quarantine, fmt.Sprintf("%d-%s", i, filepath.Base(problem.Path)))
		if err := os.Rename(source, target); err != nil {
			return fmt.Errorf("quarantining %s: %w", problem.Path, err)
		}
	}
	return nil
}

// clearStaging removes leftover temp files from interrupted writes.
func (c *Checker) clearStaging() error {
	staging := filepath.Join(c.backend.root, tmpDir)
	entries, err := os.ReadDir(staging)
	if err != nil {
		return fmt.Errorf("listing staging directory: %w", err)
	}
	for _, entry := range entries {
		if err := os.Remove(filepath.Join(staging, entry.Name())); err != nil {
			return fmt.Errorf("removing stale temp file %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// NextInodeNumber returns one past the highest inode number observed
// by the scan, floored at the first allocatable number.
func (c *Checker) NextInodeNumber() overlay.InodeNumber {
	if !c.scanned {
		panic("fsoverlay: NextInodeNumber before ScanForErrors")
	}
	next := c.maxInode + 1
	if next <= overlay.RootInode {
		next = overlay.RootInode + 1
	}
	return next
}
